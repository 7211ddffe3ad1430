package concurrency_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/concurrency"
)

func TestSeenSetAddAndSeen(t *testing.T) {
	t.Parallel()

	s := concurrency.NewSeenSet(10)
	if s.Seen("a") {
		t.Fatal("empty set reports key as seen")
	}
	if !s.Add("a") {
		t.Fatal("first Add returned false")
	}
	if s.Add("a") {
		t.Fatal("second Add returned true")
	}
	if !s.Seen("a") {
		t.Fatal("added key not seen")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	t.Parallel()

	s := concurrency.NewSeenSet(3)
	s.Add("a")
	s.Add("b")
	s.Add("c")

	// Освежаем "a": вытесниться должен "b".
	s.Seen("a")
	s.Add("d")

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if s.Seen("b") {
		t.Fatal("expected b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if !s.Seen(key) {
			t.Fatalf("expected %q to survive", key)
		}
	}
}

func TestSeenSetZeroCapacity(t *testing.T) {
	t.Parallel()

	s := concurrency.NewSeenSet(0)
	s.Add("x")
	s.Add("y")
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestSeenSetConcurrent(t *testing.T) {
	t.Parallel()

	s := concurrency.NewSeenSet(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d", i%50)
				s.Add(key)
				s.Seen(key)
			}
		}(g)
	}
	wg.Wait()

	if s.Len() != 50 {
		t.Fatalf("Len = %d, want 50", s.Len())
	}
}
