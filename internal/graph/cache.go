package graph

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLimit bounds the number of graphs a Cache keeps.
const DefaultLimit = 4096

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries    int    `json:"entries"`
	Captures   uint64 `json:"captures"`
	Replays    uint64 `json:"replays"`
	Mismatches uint64 `json:"mismatches"`
	Fallbacks  uint64 `json:"fallbacks"`
	Evictions  uint64 `json:"evictions"`
}

// Cache memoizes captured graphs by Key. It is safe for concurrent use.
// Capture is exclusive per key: while one caller holds a capture slot other
// callers are told to run eagerly.
type Cache struct {
	mu       sync.Mutex
	graphs   *lru.Cache[Key, *Graph]
	inflight map[Key]struct{}
	stats    Stats
	limit    int
}

// NewCache returns a cache holding at most limit graphs. limit <= 0 selects
// DefaultLimit.
func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	c := &Cache{inflight: make(map[Key]struct{}), limit: limit}
	graphs, err := lru.New[Key, *Graph](limit)
	if err != nil {
		// only possible for limit <= 0
		panic(err)
	}
	c.graphs = graphs
	return c
}

// Limit is the maximum number of graphs kept.
func (c *Cache) Limit() int { return c.limit }

// Acquire returns the graph for key if one exists and b matches its binding.
// A miss returns (nil, nil). A stale entry is dropped and reported as an
// error wrapping ErrShapeMismatch so the caller can recapture.
func (c *Cache) Acquire(key Key, b *Binding) (*Graph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.graphs.Get(key)
	if !ok {
		return nil, nil
	}
	if err := g.Check(b); err != nil {
		c.graphs.Remove(key)
		c.stats.Mismatches++
		return nil, err
	}
	c.stats.Replays++
	return g, nil
}

// BeginCapture claims the capture slot for key. It returns false if another
// caller is capturing the same key or a graph already exists; the caller
// should then run eagerly without recording.
func (c *Cache) BeginCapture(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy || c.graphs.Contains(key) {
		c.stats.Fallbacks++
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

// Commit stores a captured graph and releases its capture slot.
func (c *Cache) Commit(g *Graph) error {
	if g == nil {
		return errors.New("commit of nil graph")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[g.key]; !ok {
		return errors.New("commit without capture slot")
	}
	delete(c.inflight, g.key)
	if c.graphs.Add(g.key, g) {
		c.stats.Evictions++
	}
	c.stats.Captures++
	return nil
}

// Abort releases a capture slot without storing anything.
func (c *Cache) Abort(key Key) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Forget drops every graph captured against arena.
func (c *Cache) Forget(arena uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.graphs.Keys() {
		if k.Arena == arena {
			c.graphs.Remove(k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graphs.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.graphs.Len()
	return s
}
