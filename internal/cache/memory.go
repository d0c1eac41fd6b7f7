package cache

import (
	"container/list"
	"context"
	"sync"
)

const defaultMaxEntries = 10000

// Memory is an in-process LRU cache. Entries move to the front on access;
// the back is evicted once the cache is full.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List
}

type memoryEntry struct {
	key    string
	vector []float32
}

func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = defaultMaxEntries
	}
	return &Memory{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*memoryEntry).vector, true
}

func (m *Memory) Set(_ context.Context, key string, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		el.Value.(*memoryEntry).vector = vector
		m.order.MoveToFront(el)
		return
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, vector: vector})
	if m.order.Len() > m.maxSize {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory) Close() error { return nil }
