package category

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Lookup resolves one category by id. Both stores and the HTTP client
// satisfy it.
type Lookup interface {
	Get(ctx context.Context, id int64) (Category, error)
}

// DescendantQuerier lists ids whose path starts with a raw string prefix.
type DescendantQuerier interface {
	IDsByPathPrefix(ctx context.Context, prefix string) ([]int64, error)
}

// DescendantCache memoizes, per category id, the ids of the category and
// all of its descendants. An entry is computed at most once: the id is
// resolved to its path through the Lookup, then every id on or under
// that path is fetched through the DescendantQuerier. Concurrent misses
// for the same id share a single computation.
//
// A failed computation leaves the cache untouched, so the next call
// retries instead of caching the error.
type DescendantCache struct {
	look    Lookup
	query   DescendantQuerier
	metrics *CacheMetrics

	mu      sync.RWMutex
	entries map[int64][]int64
	gens    map[int64]uint64
	allGen  uint64

	flight singleflight.Group
}

// NewDescendantCache wires the cache to its two collaborators. metrics
// may be nil.
func NewDescendantCache(look Lookup, query DescendantQuerier, metrics *CacheMetrics) *DescendantCache {
	return &DescendantCache{
		look:    look,
		query:   query,
		metrics: metrics,
		entries: map[int64][]int64{},
		gens:    map[int64]uint64{},
	}
}

// All returns the ids of id's category and every descendant, ascending.
// The id itself is always present in a successful result. The returned
// slice is shared with the cache; callers must not modify it.
//
// ErrNotFound means the id is unknown; a *QueryError means a backend
// failure. Neither is memoized.
func (c *DescendantCache) All(ctx context.Context, id int64) ([]int64, error) {
	c.mu.RLock()
	ids, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		if c.metrics != nil {
			c.metrics.Hits.Inc()
		}
		return ids, nil
	}

	v, err, _ := c.flight.Do(strconv.FormatInt(id, 10), func() (any, error) {
		return c.compute(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.([]int64), nil
}

// Data is a keyed probe into the entry for id: when key addresses a
// populated slot of the descendant list the list is returned whole,
// otherwise the result is empty. The entry is computed on demand
// exactly as by All, and errors are the same.
func (c *DescendantCache) Data(ctx context.Context, id int64, key int) ([]int64, error) {
	ids, err := c.All(ctx, id)
	if err != nil {
		return nil, err
	}
	if key < 0 || key >= len(ids) {
		return []int64{}, nil
	}
	return ids, nil
}

func (c *DescendantCache) compute(ctx context.Context, id int64) ([]int64, error) {
	c.mu.RLock()
	if ids, ok := c.entries[id]; ok {
		c.mu.RUnlock()
		return ids, nil
	}
	gen, allGen := c.gens[id], c.allGen
	c.mu.RUnlock()

	if c.metrics != nil {
		c.metrics.Misses.Inc()
	}
	start := time.Now()

	cat, err := c.look.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ids, err := c.query.IDsByPathPrefix(ctx, cat.Path)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.ComputeSeconds.Observe(time.Since(start).Seconds())
	}

	c.mu.Lock()
	// A reset that landed while the queries ran bumped a generation;
	// storing now would resurrect the entry it dropped.
	if c.gens[id] == gen && c.allGen == allGen {
		c.entries[id] = ids
	}
	n := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Entries.Set(float64(n))
	}
	return ids, nil
}

// Reset drops the entry for id. The next All recomputes it from the
// backing store. Resetting an absent entry is a no-op.
func (c *DescendantCache) Reset(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.gens[id]++
	n := len(c.entries)
	c.mu.Unlock()

	c.flight.Forget(strconv.FormatInt(id, 10))

	if c.metrics != nil {
		c.metrics.Resets.Inc()
		c.metrics.Entries.Set(float64(n))
	}
}

// ResetAll drops every entry.
func (c *DescendantCache) ResetAll() {
	c.mu.Lock()
	clear(c.entries)
	clear(c.gens)
	c.allGen++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Resets.Inc()
		c.metrics.Entries.Set(0)
	}
}

// Len reports the number of memoized entries.
func (c *DescendantCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
