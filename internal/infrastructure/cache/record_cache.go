package cache

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// RecordTTL is how long a single CRM record read stays fresh
	RecordTTL = 30 * time.Second
	// ListTTL is how long a list query result stays fresh
	ListTTL = 60 * time.Second

	recordPrefix = "record:"
	listPrefix   = "list:"
)

// RecordCache caches CRM reads at two granularities: single records keyed by
// external record id and list queries keyed by their canonical filter.
//
// Every invalidation bumps a generation counter. A read-through fill records
// the generation before its CRM call and stores the result only if no
// invalidation happened meanwhile, so a read that raced a write never
// repopulates the cache with the pre-write record.
type RecordCache struct {
	records *MemoryStore
	lists   *MemoryStore

	mu  sync.Mutex
	gen uint64
}

// Options tunes a RecordCache
type Options struct {
	RecordTTL  time.Duration
	ListTTL    time.Duration
	MaxEntries int
	Clock      Clock
}

// NewRecordCache creates a cache with the given options; zero values fall back to defaults
func NewRecordCache(opts Options) *RecordCache {
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = RecordTTL
	}
	if opts.ListTTL <= 0 {
		opts.ListTTL = ListTTL
	}
	return &RecordCache{
		records: NewMemoryStore(opts.RecordTTL, opts.MaxEntries, opts.Clock),
		lists:   NewMemoryStore(opts.ListTTL, opts.MaxEntries, opts.Clock),
	}
}

// RecordKey is the cache key of a single record
func RecordKey(recordID string) string {
	return recordPrefix + recordID
}

// ListKey is the cache key of a list query
func ListKey(filter map[string]string) string {
	return listPrefix + CanonicalFilterKey(filter)
}

// CanonicalFilterKey encodes filter parameters independent of map order.
// Empty values are dropped so "?phase=" and no phase share an entry.
func CanonicalFilterKey(filter map[string]string) string {
	values := url.Values{}
	for k, v := range filter {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		values.Set(k, v)
	}
	// Encode sorts by key
	return values.Encode()
}

// Get returns the entry stored under a full key; the key prefix picks the granularity
func (c *RecordCache) Get(key string) (any, bool) {
	return c.storeFor(key).Get(key)
}

// Set stores value under a full key
func (c *RecordCache) Set(key string, value any) {
	c.storeFor(key).Set(key, value)
}

// Invalidate removes one entry
func (c *RecordCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.storeFor(key).Delete(key)
}

// InvalidateByPrefix removes every entry whose key starts with prefix
func (c *RecordCache) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.records.DeletePrefix(prefix) + c.lists.DeletePrefix(prefix)
}

// Generation returns the current invalidation generation
func (c *RecordCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// GetRecord returns a fresh cached record
func (c *RecordCache) GetRecord(recordID string) (any, bool) {
	return c.records.Get(RecordKey(recordID))
}

// SetRecord caches a record read
func (c *RecordCache) SetRecord(recordID string, value any) {
	c.records.Set(RecordKey(recordID), value)
}

// SetRecordIfCurrent caches a record read started at generation gen. It
// reports false and stores nothing when an invalidation happened since.
func (c *RecordCache) SetRecordIfCurrent(recordID string, value any, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.records.Set(RecordKey(recordID), value)
	return true
}

// GetList returns a fresh cached list result
func (c *RecordCache) GetList(filter map[string]string) (any, bool) {
	return c.lists.Get(ListKey(filter))
}

// SetList caches a list query result
func (c *RecordCache) SetList(filter map[string]string, value any) {
	c.lists.Set(ListKey(filter), value)
}

// SetListIfCurrent is SetRecordIfCurrent for list query results
func (c *RecordCache) SetListIfCurrent(filter map[string]string, value any, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lists.Set(ListKey(filter), value)
	return true
}

// InvalidateRecord drops a record and every list query, since any list may contain it
func (c *RecordCache) InvalidateRecord(recordID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if recordID != "" {
		c.records.Delete(RecordKey(recordID))
	}
	c.lists.DeletePrefix(listPrefix)
}

// InvalidateLists drops every list query entry
func (c *RecordCache) InvalidateLists() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lists.DeletePrefix(listPrefix)
}

// PurgeExpired drops expired entries from both granularities
func (c *RecordCache) PurgeExpired() int {
	return c.records.PurgeExpired() + c.lists.PurgeExpired()
}

func (c *RecordCache) storeFor(key string) *MemoryStore {
	if strings.HasPrefix(key, listPrefix) {
		return c.lists
	}
	return c.records
}
