// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит SeenSet — потокобезопасное ограниченное LRU-множество
// строковых ключей. Используется как процессный кэш «уже сделано»: какие посты
// получили комментарий с оригинальной ссылкой, какие пары (канал, админ) уже
// повышены, какие комментарии обсуждения уже отзеркалены. Ограничение ёмкости
// защищает от неограниченного роста при длительной работе сервиса.
package concurrency

import (
	"container/list"
	"sync"
)

// SeenSet хранит не более capacity ключей; при переполнении вытесняется самый
// давно использованный. Add и Seen обновляют позицию ключа. Структура
// потокобезопасна.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // от свежих (front) к старым (back)
	index    map[string]*list.Element // ключ -> элемент списка
}

// NewSeenSet создаёт множество с заданной ёмкостью. Ёмкость <= 0 приводится к 1.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen сообщает, известен ли ключ, и освежает его позицию в LRU-порядке.
func (s *SeenSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[key]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

// Add регистрирует ключ. Возвращает true, если ключ новый (первое появление),
// false — если уже был известен. При переполнении вытесняет самый старый ключ.
func (s *SeenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[key]; ok {
		s.order.MoveToFront(el)
		return false
	}

	s.index[key] = s.order.PushFront(key)
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
	return true
}

// Len возвращает текущее количество ключей.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
