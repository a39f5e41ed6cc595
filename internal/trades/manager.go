// manager.go keeps in-memory public-trade tables current, warm-starting
// from the disk sidecar and rewriting it after every merge that produced
// new trades.
package trades

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/store"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// batchSize matches the candle engine's chunked concurrency.
const batchSize = 100

// Manager owns the trade tables of one venue.
type Manager struct {
	pag    *Paginator
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	tables map[types.TableKey][]types.Trade
	warmed map[string]bool // pairs whose sidecar has been read

	now func() time.Time
}

// NewManager wires the trade engine. store may be nil to disable sidecars.
func NewManager(adapter venue.Adapter, caps *capmatrix.Matrix, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		pag:    NewPaginator(adapter, caps, logger),
		store:  st,
		logger: logger.With("component", "trade_refresh"),
		tables: make(map[types.TableKey][]types.Trade),
		warmed: make(map[string]bool),
		now:    time.Now,
	}
}

// Get returns a copy of the trade table for key.
func (m *Manager) Get(key types.TableKey) []types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[key]
	out := make([]types.Trade, len(rows))
	copy(out, rows)
	return out
}

// Refresh brings every key current and returns each key's table. sinceMs is
// the earliest candle timestamp the caller needs trades for; the start
// cursor of each pull is the newer of that and the last stored trade.
func (m *Manager) Refresh(ctx context.Context, keys []types.TableKey, sinceMs int64) map[types.TableKey][]types.Trade {
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		var wg sync.WaitGroup
		for _, key := range keys[start:end] {
			wg.Add(1)
			go func(key types.TableKey) {
				defer wg.Done()
				if err := m.refreshKey(ctx, key, sinceMs); err != nil {
					m.logger.Error("trade refresh failed",
						"key", key.String(),
						"error", err,
					)
				}
			}(key)
		}
		wg.Wait()
	}

	out := make(map[types.TableKey][]types.Trade, len(keys))
	for _, key := range keys {
		out[key] = m.Get(key)
	}
	return out
}

func (m *Manager) refreshKey(ctx context.Context, key types.TableKey, sinceMs int64) error {
	m.warmStart(key)

	m.mu.Lock()
	existing := m.tables[key]
	cursor := LastTS(existing)
	m.mu.Unlock()

	if sinceMs > cursor {
		cursor = sinceMs
	}
	until := m.now().UnixMilli()

	rows, err := m.pag.FetchRange(ctx, key.Pair, cursor, until)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	m.mu.Lock()
	merged := Merge(m.tables[key], rows)
	grew := len(merged) > len(m.tables[key])
	m.tables[key] = merged
	m.mu.Unlock()

	if grew && m.store != nil {
		if err := m.store.SaveTrades(key.Pair, merged); err != nil {
			m.logger.Warn("trade sidecar write failed", "pair", key.Pair, "error", err)
		}
	}
	return nil
}

// warmStart reads the pair's sidecar into the table once per process.
func (m *Manager) warmStart(key types.TableKey) {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warmed[key.Pair] {
		return
	}
	m.warmed[key.Pair] = true

	rows, err := m.store.LoadTrades(key.Pair)
	if err != nil {
		m.logger.Warn("trade sidecar read failed", "pair", key.Pair, "error", err)
		return
	}
	if len(rows) > 0 {
		m.tables[key] = Merge(m.tables[key], rows)
		m.logger.Info("trade table warmed from sidecar", "pair", key.Pair, "trades", len(rows))
	}
}
