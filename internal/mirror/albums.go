package mirror

import (
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
)

// albumItem — элемент буферизуемого альбома: маппинг плюс исходное сообщение
// (нужно для спойлеров и копирования медиа).
type albumItem struct {
	Mapping db.MessageMapping
	Msg     *tg.Message
}

type albumKey struct {
	SourceID string
	GroupID  int64
}

// albumGroup — накопитель одного альбома с перевзводимым таймером.
type albumGroup struct {
	items []albumItem
	timer *time.Timer
	flush func(items []albumItem)
}

// albumBuffer собирает элементы альбомов по (источник, grouped_id). Каждое
// добавление перевзводит таймер группы: альбом сбрасывается только после
// затишья в delay. Flush-колбэк фиксируется при создании группы и получает
// элементы, отсортированные по возрастанию id.
type albumBuffer struct {
	mu     sync.Mutex
	groups map[albumKey]*albumGroup
}

func newAlbumBuffer() *albumBuffer {
	return &albumBuffer{groups: make(map[albumKey]*albumGroup)}
}

// Add кладёт элемент в группу и (пере)взводит её таймер.
func (b *albumBuffer) Add(key albumKey, item albumItem, delay time.Duration, flush func(items []albumItem)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[key]
	if !ok {
		g = &albumGroup{flush: flush}
		b.groups[key] = g
		g.timer = time.AfterFunc(delay, func() { b.fire(key) })
	} else {
		g.timer.Reset(delay)
	}
	g.items = append(g.items, item)
}

// fire извлекает группу и отдаёт её элементы flush-колбэку вне лока.
func (b *albumBuffer) fire(key albumKey) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if ok {
		delete(b.groups, key)
	}
	b.mu.Unlock()
	if !ok || len(g.items) == 0 {
		return
	}

	sort.Slice(g.items, func(i, j int) bool {
		return g.items[i].Mapping.SourceMessageID < g.items[j].Mapping.SourceMessageID
	})
	g.flush(g.items)
}

// Stop гасит все таймеры; накопленное не сбрасывается.
func (b *albumBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, g := range b.groups {
		g.timer.Stop()
		delete(b.groups, key)
	}
}

// Pending возвращает количество незакрытых групп (для тестов и метрик).
func (b *albumBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}
