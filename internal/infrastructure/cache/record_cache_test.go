package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRecordCache_RecordTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewRecordCache(Options{Clock: clock.Now})

	c.SetRecord("r-1", "payload")

	clock.Advance(29 * time.Second)
	got, ok := c.GetRecord("r-1")
	require.True(t, ok)
	assert.Equal(t, "payload", got)

	clock.Advance(time.Second)
	_, ok = c.GetRecord("r-1")
	assert.False(t, ok, "record entry must expire at 30s")
}

func TestRecordCache_ListTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewRecordCache(Options{Clock: clock.Now})
	filter := map[string]string{"status": "proposal"}

	c.SetList(filter, []string{"r-1"})

	clock.Advance(59 * time.Second)
	_, ok := c.GetList(filter)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.GetList(filter)
	assert.False(t, ok, "list entry must expire at 60s")
}

func TestRecordCache_InvalidateRecordDropsLists(t *testing.T) {
	t.Parallel()

	c := NewRecordCache(Options{})
	c.SetRecord("r-1", "a")
	c.SetRecord("r-2", "b")
	c.SetList(map[string]string{"status": "proposal"}, "x")
	c.SetList(nil, "y")

	c.InvalidateRecord("r-1")

	_, ok := c.GetRecord("r-1")
	assert.False(t, ok)
	_, ok = c.GetRecord("r-2")
	assert.True(t, ok, "other records survive")
	_, ok = c.GetList(map[string]string{"status": "proposal"})
	assert.False(t, ok)
	_, ok = c.GetList(nil)
	assert.False(t, ok)
}

func TestRecordCache_InvalidateByPrefix(t *testing.T) {
	t.Parallel()

	c := NewRecordCache(Options{})
	c.Set(RecordKey("r-1"), 1)
	c.Set(RecordKey("r-2"), 2)
	c.Set(ListKey(map[string]string{"q": "a"}), 3)

	assert.Equal(t, 2, c.InvalidateByPrefix("record:"))

	_, ok := c.Get(ListKey(map[string]string{"q": "a"}))
	assert.True(t, ok)

	c.Invalidate(ListKey(map[string]string{"q": "a"}))
	_, ok = c.Get(ListKey(map[string]string{"q": "a"}))
	assert.False(t, ok)
}

func TestRecordCache_FillAfterInvalidationIsDropped(t *testing.T) {
	t.Parallel()

	filter := map[string]string{"phase": "discovery"}
	tests := []struct {
		name       string
		invalidate func(c *RecordCache)
		stored     bool
	}{
		{"no invalidation", func(*RecordCache) {}, true},
		{"same record", func(c *RecordCache) { c.InvalidateRecord("r-1") }, false},
		{"other record", func(c *RecordCache) { c.InvalidateRecord("r-2") }, false},
		{"lists only", func(c *RecordCache) { c.InvalidateLists() }, false},
		{"single key", func(c *RecordCache) { c.Invalidate(RecordKey("r-1")) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRecordCache(Options{})

			gen := c.Generation()
			// the write lands while the read is still in flight
			tt.invalidate(c)

			assert.Equal(t, tt.stored, c.SetRecordIfCurrent("r-1", "before write", gen))
			assert.Equal(t, tt.stored, c.SetListIfCurrent(filter, "before write", gen))

			_, ok := c.GetRecord("r-1")
			assert.Equal(t, tt.stored, ok)
			_, ok = c.GetList(filter)
			assert.Equal(t, tt.stored, ok)
		})
	}
}

func TestCanonicalFilterKey(t *testing.T) {
	t.Parallel()

	a := CanonicalFilterKey(map[string]string{"status": "proposal", "client": "Acme Co"})
	b := CanonicalFilterKey(map[string]string{"client": "Acme Co", "status": "proposal"})
	assert.Equal(t, a, b)
	assert.Equal(t, "client=Acme+Co&status=proposal", a)

	assert.Equal(t,
		CanonicalFilterKey(map[string]string{"status": "proposal"}),
		CanonicalFilterKey(map[string]string{"status": "proposal", "phase": " "}),
	)
	assert.Equal(t, "", CanonicalFilterKey(nil))
}

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Minute, 2, nil)
	s.Set("a", 1)
	s.Set("b", 2)
	_, _ = s.Get("a")
	s.Set("c", 3)

	_, ok := s.Get("b")
	assert.False(t, ok)
	_, ok = s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryStore(10*time.Second, 0, clock.Now)
	s.Set("old", 1)
	clock.Advance(5 * time.Second)
	s.Set("new", 2)
	clock.Advance(6 * time.Second)

	assert.Equal(t, 1, s.PurgeExpired())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(time.Minute, 64, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := RecordKey(string(rune('a' + i)))
			for j := 0; j < 100; j++ {
				s.Set(key, j)
				_, _ = s.Get(key)
				if j%10 == 0 {
					s.DeletePrefix("record:")
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 64)
}
