package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxEntries bounds a store created without an explicit size
const DefaultMaxEntries = 1024

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// MemoryStore is an in-memory key-value store with a fixed TTL and an LRU size cap
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   Clock
	items *simplelru.LRU[string, memoryItem]
}

type memoryItem struct {
	value    any
	storedAt time.Time
}

// NewMemoryStore creates a store whose entries expire after ttl
func NewMemoryStore(ttl time.Duration, maxEntries int, now Clock) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	// NewLRU only fails on a non-positive size
	items, _ := simplelru.NewLRU[string, memoryItem](maxEntries, nil)

	return &MemoryStore{
		ttl:   ttl,
		now:   now,
		items: items,
	}
}

// Set stores a value stamped with the current time
func (ms *MemoryStore) Set(key string, value any) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.items.Add(key, memoryItem{value: value, storedAt: ms.now()})
}

// Get returns the value only while it is younger than the TTL. Expired
// entries are dropped on read.
func (ms *MemoryStore) Get(key string) (any, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items.Get(key)
	if !ok {
		return nil, false
	}
	if ms.now().Sub(item.storedAt) >= ms.ttl {
		ms.items.Remove(key)
		return nil, false
	}
	return item.value, true
}

// Delete removes a key
func (ms *MemoryStore) Delete(key string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.items.Remove(key)
}

// DeletePrefix removes every key starting with prefix and returns how many went
func (ms *MemoryStore) DeletePrefix(prefix string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for _, key := range ms.items.Keys() {
		if strings.HasPrefix(key, prefix) {
			ms.items.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.items.Len()
}

// PurgeExpired drops every entry older than the TTL
func (ms *MemoryStore) PurgeExpired() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	removed := 0
	for _, key := range ms.items.Keys() {
		item, ok := ms.items.Peek(key)
		if ok && now.Sub(item.storedAt) >= ms.ttl {
			ms.items.Remove(key)
			removed++
		}
	}
	return removed
}
