package session

import (
	"sitterd/internal/engine/parser"
	"sitterd/internal/engine/query"
	"sitterd/internal/engine/registry"
)

type cacheKey struct {
	kind  registry.QueryKind
	rng   parser.ByteRange
	whole bool
}

// resultCache holds query results for a single tree version. Storing a
// result for a newer version drops everything older.
type resultCache struct {
	max     int
	version uint64
	order   []cacheKey
	entries map[cacheKey]query.Result
}

func newResultCache(max int) *resultCache {
	return &resultCache{max: max, entries: make(map[cacheKey]query.Result)}
}

func keyFor(kind registry.QueryKind, rng *parser.ByteRange) cacheKey {
	if rng == nil {
		return cacheKey{kind: kind, whole: true}
	}
	return cacheKey{kind: kind, rng: *rng}
}

func (c *resultCache) get(kind registry.QueryKind, rng *parser.ByteRange, version uint64) (query.Result, bool) {
	if c.max <= 0 || version != c.version {
		return query.Result{}, false
	}
	res, ok := c.entries[keyFor(kind, rng)]
	return res, ok
}

func (c *resultCache) put(kind registry.QueryKind, rng *parser.ByteRange, res query.Result) {
	if c.max <= 0 || res.Version < c.version {
		return
	}
	if res.Version != c.version {
		c.reset()
		c.version = res.Version
	}
	key := keyFor(kind, rng)
	if _, ok := c.entries[key]; !ok {
		if len(c.order) >= c.max {
			delete(c.entries, c.order[0])
			c.order = c.order[1:]
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = res
}

func (c *resultCache) reset() {
	c.version = 0
	c.order = nil
	c.entries = make(map[cacheKey]query.Result)
}

func (c *resultCache) len() int {
	return len(c.entries)
}
