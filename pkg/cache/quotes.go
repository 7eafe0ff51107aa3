// Package cache holds short-lived in-memory quote data.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// QuoteCache keeps the last quote per symbol, sharded to keep lock
// contention low when many bots price positions at once.
type QuoteCache struct {
	shards [numShards]*quoteShard
	now    func() time.Time
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *QuoteCache) shard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the latest price for symbol.
func (c *QuoteCache) Set(symbol string, price decimal.Decimal) {
	s := c.shard(symbol)
	s.mu.Lock()
	s.items[symbol] = quoteEntry{price: price, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the cached price when it is younger than maxAge.
func (c *QuoteCache) Get(symbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	entry, ok := s.items[symbol]
	s.mu.RUnlock()
	if !ok || c.now().Sub(entry.updatedAt) >= maxAge {
		return decimal.Zero, false
	}
	return entry.price, true
}

// Len returns the number of cached symbols.
func (c *QuoteCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
