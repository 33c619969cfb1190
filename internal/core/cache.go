package core

import (
	"sync"
	"time"
)

// SchemaCache memoizes live column lists per table with a TTL, so the
// capitation loader does not hit information_schema on every file. A zero
// TTL disables caching, which the tests use.
type SchemaCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]schemaEntry
}

type schemaEntry struct {
	columns []string
	expires time.Time
}

func NewSchemaCache(ttl time.Duration) *SchemaCache {
	return &SchemaCache{ttl: ttl, now: time.Now, entries: make(map[string]schemaEntry)}
}

// Get returns the cached column list for table, or nil when absent or
// expired.
func (c *SchemaCache) Get(table string) []string {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[table]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, table)
		return nil
	}
	return e.columns
}

// Put stores the column list for table until the TTL elapses.
func (c *SchemaCache) Put(table string, columns []string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[table] = schemaEntry{columns: columns, expires: c.now().Add(c.ttl)}
}

// Invalidate drops the cached entry for table. Called when an insert built
// from cached columns fails, in case the live schema changed underneath.
func (c *SchemaCache) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, table)
}
