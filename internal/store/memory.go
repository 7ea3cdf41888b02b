package store

import (
	"container/list"
	"sync"
)

// memEntry is the payload held at each list element.
type memEntry struct {
	key        Key
	data       []byte
	totalBytes int64
}

// memoryTier is a byte-size-bounded LRU: get() moves an entry to MRU,
// put() evicts LRU entries synchronously until the incoming value fits
// inside the budget. It has no knowledge of the disk tier; the caller
// (Store) is responsible for demoting evicted entries.
//
// There is no general-purpose LRU dependency anywhere in the example
// corpus; hashicorp/golang-lru and ristretto were considered (ristretto
// appears as an indirect dependency of the pack's xg2g repo) but both use
// approximate/async eviction policies that cannot guarantee the
// synchronous, exactly-bounded eviction this cache's invariants require.
// A container/list-backed LRU is the idiomatic stdlib shape for this.
type memoryTier struct {
	mu     sync.Mutex
	budget int64
	used   int64
	ll     *list.List
	items  map[Key]*list.Element
}

func newMemoryTier(budget int64) *memoryTier {
	return &memoryTier{
		budget: budget,
		ll:     list.New(),
		items:  make(map[Key]*list.Element),
	}
}

func (m *memoryTier) get(k Key) ([]byte, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[k]
	if !ok {
		return nil, 0, false
	}
	m.ll.MoveToFront(el)
	e := el.Value.(*memEntry)
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, e.totalBytes, true
}

// peekTotal returns k's recorded total length without copying its data or
// disturbing LRU order.
func (m *memoryTier) peekTotal(k Key) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[k]
	if !ok {
		return 0, false
	}
	e := el.Value.(*memEntry)
	if e.totalBytes <= 0 {
		return 0, false
	}
	return e.totalBytes, true
}

func (m *memoryTier) has(k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[k]
	return ok
}

// put inserts data under k, evicting LRU entries (oldest first) until the
// value fits the budget. It returns the entries evicted to make room, which
// the caller must demote to the disk tier. If data alone exceeds the
// budget, put is a no-op and returns ok=false; the caller should write
// directly to disk instead.
func (m *memoryTier) put(k Key, data []byte, totalBytes int64) (evicted []memEntry, ok bool) {
	size := int64(len(data))
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.budget {
		return nil, false
	}

	if el, exists := m.items[k]; exists {
		old := el.Value.(*memEntry)
		m.used -= int64(len(old.data))
		m.ll.Remove(el)
		delete(m.items, k)
	}

	for m.used+size > m.budget && m.ll.Len() > 0 {
		back := m.ll.Back()
		victim := back.Value.(*memEntry)
		m.ll.Remove(back)
		delete(m.items, victim.key)
		m.used -= int64(len(victim.data))
		evicted = append(evicted, *victim)
	}

	stored := make([]byte, size)
	copy(stored, data)
	el := m.ll.PushFront(&memEntry{key: k, data: stored, totalBytes: totalBytes})
	m.items[k] = el
	m.used += size
	return evicted, true
}

func (m *memoryTier) remove(k Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[k]
	if !ok {
		return
	}
	e := el.Value.(*memEntry)
	m.used -= int64(len(e.data))
	m.ll.Remove(el)
	delete(m.items, k)
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll = list.New()
	m.items = make(map[Key]*list.Element)
	m.used = 0
}

func (m *memoryTier) residentBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// snapshot returns a consistent key->size copy, mirroring diskTier.snapshot.
func (m *memoryTier) snapshot() map[Key]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key]int64, len(m.items))
	for k, el := range m.items {
		out[k] = int64(len(el.Value.(*memEntry).data))
	}
	return out
}
