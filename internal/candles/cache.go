// cache.go is the in-memory candle store shared by the refresh engine and
// strategy callers. Tables are keyed by (pair, timeframe, kind); all access
// goes through the cache mutex so per-key merges are serialised and readers
// never observe a torn table.
package candles

import (
	"sync"

	"exchange-engine/pkg/types"
)

// Cache holds one OHLCV table per key plus the refresh-state map: the TS of
// the last fully-closed candle already merged for each key.
type Cache struct {
	mu          sync.Mutex
	tables      map[types.TableKey][]types.Candle
	lastRefresh map[types.TableKey]int64
}

// NewCache creates an empty candle cache.
func NewCache() *Cache {
	return &Cache{
		tables:      make(map[types.TableKey][]types.Candle),
		lastRefresh: make(map[types.TableKey]int64),
	}
}

// Get returns a copy of the table for key. The copy keeps callers from
// mutating the shared slice outside the lock.
func (c *Cache) Get(key types.TableKey) []types.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.tables[key]
	out := make([]types.Candle, len(rows))
	copy(out, rows)
	return out
}

// LastRefresh returns the TS of the last fully-closed candle merged for key,
// or 0 when the key has never been refreshed.
func (c *Cache) LastRefresh(key types.TableKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh[key]
}

// OldestTS returns the TS of the oldest retained candle, or 0 for an empty
// table. Used by the time-jump check.
func (c *Cache) OldestTS(key types.TableKey) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := c.tables[key]
	if len(rows) == 0 {
		return 0
	}
	return rows[0].TS
}

// MergeIn merges incoming candles into the key's table under the cache lock
// and advances the refresh-state map to the newest fully-closed row.
func (c *Cache) MergeIn(key types.TableKey, incoming []types.Candle, tfMs int64, keepLast int, dropPartial bool, currentOpen int64) []types.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := Merge(c.tables[key], incoming, tfMs, keepLast, dropPartial, currentOpen)
	c.tables[key] = merged

	for i := len(merged) - 1; i >= 0; i-- {
		if merged[i].TS < currentOpen {
			if merged[i].TS > c.lastRefresh[key] {
				c.lastRefresh[key] = merged[i].TS
			}
			break
		}
	}

	out := make([]types.Candle, len(merged))
	copy(out, merged)
	return out
}

// Drop forgets the table and refresh state for key. Used when the caller
// requests history older than the oldest retained candle.
func (c *Cache) Drop(key types.TableKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tables, key)
	delete(c.lastRefresh, key)
}

// Keys returns the keys currently cached.
func (c *Cache) Keys() []types.TableKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]types.TableKey, 0, len(c.tables))
	for k := range c.tables {
		keys = append(keys, k)
	}
	return keys
}
