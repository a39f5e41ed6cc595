// Package leverage owns the leverage-tier store, the max-leverage lookup,
// and the isolated-futures liquidation estimate.
//
// Tiers are bulk-loaded at startup for venues exposing them in one call,
// or fetched per symbol concurrently and cached to a disk JSON sidecar
// (4-week TTL, keyed by stake currency).
package leverage

import (
	"context"
	"log/slog"
	"sync"

	"exchange-engine/internal/exerr"
	"exchange-engine/internal/store"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// fetchConcurrency bounds parallel per-symbol tier pulls.
const fetchConcurrency = 16

// Manager holds the process-scoped tier table.
type Manager struct {
	adapter venue.Adapter
	store   *store.Store
	logger  *slog.Logger

	mu    sync.RWMutex
	tiers map[string][]types.LeverageTier
}

// NewManager creates an empty tier store. st may be nil to disable the sidecar.
func NewManager(adapter venue.Adapter, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		adapter: adapter,
		store:   st,
		logger:  logger.With("component", "leverage"),
		tiers:   make(map[string][]types.LeverageTier),
	}
}

// Load populates the tier table: from the disk sidecar when fresh, else
// from the venue (one bulk call when supported, otherwise one call per
// symbol, fanned out), writing the sidecar back on success.
func (m *Manager) Load(ctx context.Context, stakeCurrency string, symbols []string, bulkSupported bool) error {
	if m.store != nil {
		cached, err := m.store.LoadLeverageTiers(stakeCurrency)
		if err != nil {
			m.logger.Warn("leverage tier sidecar read failed", "error", err)
		} else if cached != nil {
			m.setAll(cached)
			m.logger.Info("leverage tiers loaded from sidecar", "symbols", len(cached))
			return nil
		}
	}

	var tiers map[string][]types.LeverageTier
	var err error
	if bulkSupported {
		tiers, err = exerr.RetryValue(ctx, m.logger, exerr.DefaultAttempts, "fetch_leverage_tiers", func() (map[string][]types.LeverageTier, error) {
			return m.adapter.FetchLeverageTiers(ctx)
		})
	} else {
		tiers, err = m.fetchPerSymbol(ctx, symbols)
	}
	if err != nil {
		return err
	}

	for symbol, list := range tiers {
		if err := Validate(list); err != nil {
			m.logger.Warn("dropping symbol with malformed tiers", "symbol", symbol, "error", err)
			delete(tiers, symbol)
		}
	}
	m.setAll(tiers)

	if m.store != nil {
		if err := m.store.SaveLeverageTiers(stakeCurrency, tiers); err != nil {
			m.logger.Warn("leverage tier sidecar write failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) fetchPerSymbol(ctx context.Context, symbols []string) (map[string][]types.LeverageTier, error) {
	out := make(map[string][]types.LeverageTier, len(symbols))
	var outMu sync.Mutex
	sem := make(chan struct{}, fetchConcurrency)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			tiers, err := exerr.RetryValue(ctx, m.logger, exerr.DefaultAttempts, "fetch_market_leverage_tiers", func() ([]types.LeverageTier, error) {
				return m.adapter.FetchMarketLeverageTiers(ctx, symbol)
			})
			if err != nil {
				m.logger.Error("leverage tier fetch failed", "symbol", symbol, "error", err)
				return
			}
			outMu.Lock()
			out[symbol] = tiers
			outMu.Unlock()
		}(symbol)
	}
	wg.Wait()
	return out, nil
}

func (m *Manager) setAll(tiers map[string][]types.LeverageTier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers = tiers
}

// Tiers returns the tier list of a symbol, or nil when unknown.
func (m *Manager) Tiers(symbol string) []types.LeverageTier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tiers[symbol]
}

// Validate checks the structural invariants of one tier list: the first
// tier starts at 0, consecutive tiers are contiguous, bounds are ordered,
// and leverage strictly decreases as notional grows.
func Validate(tiers []types.LeverageTier) error {
	if len(tiers) == 0 {
		return exerr.New(exerr.KindOperational, "empty tier list")
	}
	if tiers[0].MinNotional != 0 {
		return exerr.New(exerr.KindOperational, "first tier starts at %g, want 0", tiers[0].MinNotional)
	}
	for i, tier := range tiers {
		if tier.MaxNotional <= tier.MinNotional {
			return exerr.New(exerr.KindOperational, "tier %d bounds inverted", i)
		}
		if tier.MaxLeverage <= 0 {
			return exerr.New(exerr.KindOperational, "tier %d has non-positive leverage", i)
		}
		if i > 0 {
			if tier.MinNotional != tiers[i-1].MaxNotional {
				return exerr.New(exerr.KindOperational, "gap between tier %d and %d", i-1, i)
			}
			if tier.MaxLeverage >= tiers[i-1].MaxLeverage {
				return exerr.New(exerr.KindOperational, "tier %d leverage does not decrease", i)
			}
		}
	}
	return nil
}

// MaxLeverage returns the highest leverage available for the stake amount.
// Tiers are scanned ascending; the matching tier is the last whose entry
// stake floor (min_notional over its own leverage) does not exceed the
// stake. A stake beyond the final tier's capacity is unplaceable.
func (m *Manager) MaxLeverage(symbol string, stakeAmount float64) (float64, error) {
	tiers := m.Tiers(symbol)
	if len(tiers) == 0 {
		return 0, exerr.New(exerr.KindOperational, "no leverage tiers for %s", symbol)
	}
	if stakeAmount < 0 {
		return 0, exerr.New(exerr.KindInvalidOrder, "negative stake amount")
	}
	if stakeAmount == 0 {
		return tiers[0].MaxLeverage, nil
	}

	for i, tier := range tiers {
		if i < len(tiers)-1 {
			next := tiers[i+1]
			if next.MinNotional/next.MaxLeverage > stakeAmount {
				return tier.MaxLeverage, nil
			}
			continue
		}
		if stakeAmount > tier.MaxNotional/tier.MaxLeverage {
			return 0, exerr.New(exerr.KindInvalidOrder,
				"stake %g exceeds the final leverage tier of %s", stakeAmount, symbol)
		}
		return tier.MaxLeverage, nil
	}
	// Unreachable: the loop always returns on the last tier.
	return 0, exerr.New(exerr.KindOperational, "tier scan fell through for %s", symbol)
}

// NotionalCap returns the last tier's max notional, the ceiling MaxStake
// applies. Zero when the symbol has no tiers.
func (m *Manager) NotionalCap(symbol string) float64 {
	tiers := m.Tiers(symbol)
	if len(tiers) == 0 {
		return 0
	}
	return tiers[len(tiers)-1].MaxNotional
}

// MaintenanceRatio returns the maintenance margin ratio and amount of the
// tier containing the notional.
func (m *Manager) MaintenanceRatio(symbol string, notional float64) (float64, float64, error) {
	tiers := m.Tiers(symbol)
	if len(tiers) == 0 {
		return 0, 0, exerr.New(exerr.KindOperational, "no leverage tiers for %s", symbol)
	}
	for _, tier := range tiers {
		if notional <= tier.MaxNotional {
			amt := 0.0
			if tier.MaintenanceAmount != nil {
				amt = *tier.MaintenanceAmount
			}
			return tier.MaintenanceRatio, amt, nil
		}
	}
	return 0, 0, exerr.New(exerr.KindInvalidOrder, "notional %g beyond the final tier of %s", notional, symbol)
}
