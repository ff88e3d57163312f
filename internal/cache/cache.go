package cache

import (
	"sync"
)

// Entry holds the cached scoring result for one token-id sequence.
type Entry struct {
	// Logprobs holds the log-probability of each token given its prefix;
	// index 0 corresponds to the second token of the sequence.
	Logprobs []float32
	// MeanNLL is the mean negative log-likelihood over those tokens.
	MeanNLL float64
}

// ScoreCache defines a generic interface for caching sequence scores.
type ScoreCache interface {
	// Get retrieves a score entry from the cache.
	Get(key string) (Entry, bool)
	// Put stores a score entry in the cache.
	Put(key string, e Entry)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of ScoreCache.
type MapCache struct {
	data map[string]Entry
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]Entry),
	}
}

func (c *MapCache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if e, ok := c.data[key]; ok {
		dst := make([]float32, len(e.Logprobs))
		copy(dst, e.Logprobs)
		return Entry{Logprobs: dst, MeanNLL: e.MeanNLL}, true
	}
	return Entry{}, false
}

func (c *MapCache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy
	dst := make([]float32, len(e.Logprobs))
	copy(dst, e.Logprobs)
	c.data[key] = Entry{Logprobs: dst, MeanNLL: e.MeanNLL}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
