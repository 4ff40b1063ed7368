package decisioncache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CMSgov/beneficiary-fhir-data-sub006/internal/loadfilter/services/filterset"
)

// decisionCache is an LRU-backed implementation of filterset.DecisionCache.
// It tracks basic metrics: hits, misses, and evictions.
type decisionCache struct {
	lru       *lru.Cache[filterset.DecisionKey, filterset.Decision]
	capacity  int
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// disabledCache is a no-op DecisionCache used when size <= 0.
type disabledCache struct{}

var newLRU = func(size int, onEvict func(filterset.DecisionKey, filterset.Decision)) (*lru.Cache[filterset.DecisionKey, filterset.Decision], error) {
	return lru.NewWithEvict(size, onEvict)
}

// New creates a DecisionCache holding up to size answers. If size <= 0, a
// disabled no-op cache is returned that always misses and tracks no metrics.
func New(size int) (filterset.DecisionCache, error) {
	if size <= 0 {
		return &disabledCache{}, nil
	}

	dc := &decisionCache{capacity: size}
	// NewWithEvict also observes Purge-induced evictions.
	cache, err := newLRU(size, func(filterset.DecisionKey, filterset.Decision) {
		dc.evictions.Add(1)
	})
	if err != nil {
		return nil, err
	}
	dc.lru = cache
	return dc, nil
}

// Get looks up an answer. When found, increments hits; otherwise increments misses.
func (c *decisionCache) Get(key filterset.DecisionKey) (filterset.Decision, bool) {
	if val, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return val, true
	}
	c.misses.Add(1)
	return filterset.Decision{}, false
}

func (c *decisionCache) Put(key filterset.DecisionKey, d filterset.Decision) {
	c.lru.Add(key, d)
}

func (c *decisionCache) Len() int { return c.lru.Len() }

// Purge clears all entries. Evictions are counted via the eviction callback.
func (c *decisionCache) Purge() { c.lru.Purge() }

// Stats returns the capacity, current size and cumulative counters.
func (c *decisionCache) Stats() filterset.CacheStats {
	return filterset.CacheStats{
		Capacity:  c.capacity,
		Size:      c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (d *disabledCache) Get(filterset.DecisionKey) (filterset.Decision, bool) {
	return filterset.Decision{}, false
}

func (d *disabledCache) Put(filterset.DecisionKey, filterset.Decision) {}

func (d *disabledCache) Len() int { return 0 }

func (d *disabledCache) Purge() {}

func (d *disabledCache) Stats() filterset.CacheStats { return filterset.CacheStats{} }

var _ filterset.DecisionCache = (*decisionCache)(nil)
var _ filterset.DecisionCache = (*disabledCache)(nil)
