package router

import (
	"sync"

	"github.com/distcore/router/statement"
)

// reducerStmtCache memoizes the prepared local reducer Statement a
// GROUP BY select's MergedResult pass is built from, keyed by the
// reducer's plan SQL text. CopyForPlan's job is cheap (it only builds a
// Go struct, no network round trip), but a statement re-executed
// repeatedly with different parameters would otherwise rebuild an
// identical reducerStmt on every call; this caches that construction
// the same way Command's prepareIfRequiredLocked treats
// ServerCachedObjects as an eviction window rather than an unbounded
// cache. It caches the reducer Statement itself, never the Reducer
// NewReducer builds from it — a Reducer accumulates per-execution state
// via Feed/Finish and is never safe to reuse across calls.
type reducerStmtCache struct {
	capacity int

	mu      sync.Mutex
	order   []string
	entries map[string]*statement.Statement
}

func newReducerStmtCache(capacity int) *reducerStmtCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &reducerStmtCache{
		capacity: capacity,
		entries:  make(map[string]*statement.Statement),
	}
}

// getOrBuild returns the cached reducer Statement for key, building it
// via build and interning it on a miss. Least-recently-used entries are
// evicted once the cache holds more than capacity statements.
func (c *reducerStmtCache) getOrBuild(key string, build func() *statement.Statement) *statement.Statement {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.entries[key]; ok {
		c.touch(key)
		return stmt
	}

	stmt := build()
	c.entries[key] = stmt
	c.order = append(c.order, key)
	if len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return stmt
}

func (c *reducerStmtCache) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}
