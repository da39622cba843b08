package registry

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"
)

type destMap map[snowflake.ID][]snowflake.ID

// Cache holds the enabled legacy destinations per source, plus the set of
// known sources. Readers never lock; writers copy the snapshot they change.
// Slices handed out are shared and must not be modified.
type Cache struct {
	mu      sync.Mutex
	dests   atomic.Pointer[destMap]
	sources atomic.Pointer[[]snowflake.ID]
}

func NewCache() *Cache {
	c := &Cache{}
	c.dests.Store(&destMap{})
	return c
}

// Destinations returns the cached list for src. ok is true for a cached empty list too.
func (c *Cache) Destinations(src snowflake.ID) (dests []snowflake.ID, ok bool) {
	m := *c.dests.Load()
	dests, ok = m[src]
	return dests, ok
}

func (c *Cache) PutDestinations(src snowflake.ID, dests []snowflake.ID) {
	if dests == nil {
		dests = []snowflake.ID{}
	}
	c.update(func(m destMap) { m[src] = dests })
}

// AddDestination appends dest to an already cached entry. Uncached sources are
// left alone so the next lookup loads the full list from storage.
func (c *Cache) AddDestination(src, dest snowflake.ID) {
	c.update(func(m destMap) {
		cur, ok := m[src]
		if !ok || slices.Contains(cur, dest) {
			return
		}
		m[src] = append(slices.Clip(cur), dest)
	})
}

func (c *Cache) RemoveDestination(src, dest snowflake.ID) {
	c.update(func(m destMap) {
		if cur, ok := m[src]; ok {
			m[src] = without(cur, dest)
		}
	})
}

// RemoveEverywhere drops dest from every cached source.
func (c *Cache) RemoveEverywhere(dest snowflake.ID) {
	c.update(func(m destMap) {
		for src, cur := range m {
			if slices.Contains(cur, dest) {
				m[src] = without(cur, dest)
			}
		}
	})
}

// Sources returns the cached source set, ok is false until it has been loaded.
func (c *Cache) Sources() ([]snowflake.ID, bool) {
	p := c.sources.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

func (c *Cache) PutSources(srcs []snowflake.ID) {
	cp := slices.Clone(srcs)
	if cp == nil {
		cp = []snowflake.ID{}
	}
	c.mu.Lock()
	c.sources.Store(&cp)
	c.mu.Unlock()
}

func (c *Cache) AddSource(src snowflake.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.sources.Load()
	if p == nil || slices.Contains(*p, src) {
		return
	}
	next := append(slices.Clone(*p), src)
	c.sources.Store(&next)
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.dests.Store(&destMap{})
	c.sources.Store(nil)
	c.mu.Unlock()
}

func (c *Cache) update(fn func(m destMap)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.dests.Load()
	next := make(destMap, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	c.dests.Store(&next)
}

func without(ids []snowflake.ID, drop snowflake.ID) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
