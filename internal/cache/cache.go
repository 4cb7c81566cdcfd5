// Package cache holds the bounded in-process hot cache of memory records.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/iammorganparry/clive/apps/memengine/internal/models"
)

// HotCache is a capacity-bounded record cache with a recency window. Capacity
// is enforced by ristretto's admission policy; the window is enforced by Sweep.
// Eviction never touches durable storage.
type HotCache struct {
	c      *ristretto.Cache
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // id -> lastAccessed of the cached copy
}

// New creates a cache holding at most capacity records.
func New(capacity int64, window time.Duration) (*HotCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	h := &HotCache{
		window: window,
		seen:   make(map[string]time.Time),
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
		Metrics:            true,
		OnEvict:            h.dropped,
		OnReject:           h.dropped,
	})
	if err != nil {
		return nil, fmt.Errorf("create hot cache: %w", err)
	}
	h.c = c
	return h, nil
}

// Get returns a copy of the cached record.
func (h *HotCache) Get(id string) (*models.MemoryRecord, bool) {
	v, ok := h.c.Get(id)
	if !ok {
		return nil, false
	}
	r, ok := v.(*models.MemoryRecord)
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Put stores a copy of r. A record the admission policy rejects is simply not
// cached.
func (h *HotCache) Put(r *models.MemoryRecord) {
	if r == nil {
		return
	}
	c := r.Clone()

	// Tracked before Set so a rejection reported while Wait drains the
	// buffer removes it again.
	h.mu.Lock()
	h.seen[c.ID] = c.LastAccessed
	h.mu.Unlock()

	if !h.c.Set(c.ID, c, 1) {
		h.forget(c.ID)
		return
	}
	h.c.Wait()
}

// Del removes id from the cache.
func (h *HotCache) Del(id string) {
	h.c.Del(id)
	h.forget(id)
}

// Sweep evicts every entry whose lastAccessed is older than the window
// relative to now and returns how many were evicted.
func (h *HotCache) Sweep(now time.Time) int {
	if h.window <= 0 {
		return 0
	}
	cutoff := now.Add(-h.window)

	h.mu.Lock()
	var stale []string
	for id, last := range h.seen {
		if last.Before(cutoff) {
			stale = append(stale, id)
			delete(h.seen, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.c.Del(id)
	}
	return len(stale)
}

// Len returns the number of tracked entries.
func (h *HotCache) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

// HitRatio returns the lifetime hit ratio and total lookups.
func (h *HotCache) HitRatio() (float64, uint64) {
	m := h.c.Metrics
	if m == nil {
		return 0, 0
	}
	return m.Ratio(), m.Hits() + m.Misses()
}

// Clear drops every entry.
func (h *HotCache) Clear() {
	h.c.Clear()
	h.mu.Lock()
	h.seen = make(map[string]time.Time)
	h.mu.Unlock()
}

func (h *HotCache) Close() {
	h.c.Close()
}

// dropped untracks a record ristretto evicted or refused to admit.
func (h *HotCache) dropped(item *ristretto.Item) {
	if r, ok := item.Value.(*models.MemoryRecord); ok {
		h.forget(r.ID)
	}
}

func (h *HotCache) forget(id string) {
	h.mu.Lock()
	delete(h.seen, id)
	h.mu.Unlock()
}
