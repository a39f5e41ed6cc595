// Package engine wires the exchange-adapter core together and owns every
// piece of process-scoped state: the market table, the candle and trade
// caches, the rate caches, the leverage-tier store, and the push feed.
//
// Lifecycle: New() → Start() → [serves strategy callers] → Close().
// Callers see synchronous methods; I/O fans out internally with bounded
// concurrency and rejoins before returning.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"exchange-engine/internal/candles"
	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/config"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/funding"
	"exchange-engine/internal/leverage"
	"exchange-engine/internal/orders"
	"exchange-engine/internal/pricing"
	"exchange-engine/internal/store"
	"exchange-engine/internal/trades"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// staleReloadTolerance bounds how long a failing market reload may serve
// the previous table before readers start seeing errors.
const staleReloadTolerance = 3

// Engine is the unified adapter core.
type Engine struct {
	cfg     config.Config
	adapter venue.Adapter
	caps    *capmatrix.Matrix
	push    venue.Pusher // nil without a push feed
	logger  *slog.Logger

	store       *store.Store
	candleCache *candles.Cache
	refresher   *candles.Refresher
	trades      *trades.Manager
	orders      *orders.Manager
	rates       *pricing.RateEngine
	leverage    *leverage.Manager
	funding     *funding.Calculator

	marketsMu sync.RWMutex
	markets   map[string]types.Market
	loadedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New resolves the capability matrix and wires all components. It performs
// no I/O; Start loads the market table and launches background loops.
func New(cfg config.Config, adapter venue.Adapter, push venue.Pusher, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, exerr.Wrap(exerr.KindConfiguration, err, "invalid config")
	}
	caps, err := capmatrix.Resolve(
		adapter.Capabilities(),
		adapter.FuturesCapabilities(),
		cfg.Exchange.Capabilities,
		cfg.Exchange.TradingFutures,
	)
	if err != nil {
		return nil, err
	}
	if !cfg.Candles.UseWebsocket || !caps.Has("ws_enabled") {
		push = nil
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, exerr.Wrap(exerr.KindConfiguration, err, "open data dir")
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		adapter:     adapter,
		caps:        caps,
		push:        push,
		logger:      logger.With("component", "engine"),
		store:       st,
		candleCache: candles.NewCache(),
		markets:     map[string]types.Market{},
		ctx:         ctx,
		cancel:      cancel,
	}

	e.refresher = candles.NewRefresher(adapter, caps, push, e.candleCache, cfg.Candles.StartupCandleCount, logger)
	if err := e.refresher.ValidateStartup(cfg.Candles.Timeframe); err != nil {
		cancel()
		return nil, err
	}

	e.trades = trades.NewManager(adapter, caps, st, logger)
	e.rates = pricing.NewRateEngine(adapter, caps, cfg.Pricing, logger)
	e.leverage = leverage.NewManager(adapter, st, logger)
	e.funding = funding.NewCalculator(adapter, caps, e.refresher, cfg.Margin.FundingRateFallback, logger)

	e.orders = orders.NewManager(adapter, caps, e.Market, e.rates, cfg.Orders.StopLimitRatio, logger)
	if cfg.Exchange.TradingFutures {
		e.orders.UseMarginMode(types.MarginMode(cfg.Margin.MarginMode))
	}
	if cfg.DryRun {
		e.orders.EnableDryRun(cfg.Pricing.MaxSlippage)
		logger.Warn("DRY-RUN MODE — orders are simulated")
	}

	return e, nil
}

// Start loads the market table, validates the configured pairs, loads
// leverage tiers for futures, and launches the reload and push loops.
func (e *Engine) Start() error {
	if err := e.reloadMarkets(e.ctx); err != nil {
		return err
	}
	if err := e.validatePairs(); err != nil {
		return err
	}

	if e.cfg.Exchange.TradingFutures {
		bulk := e.caps.Has("fetch_leverage_tiers")
		if err := e.leverage.Load(e.ctx, e.cfg.Exchange.StakeCcy, e.cfg.Candles.Pairs, bulk); err != nil {
			e.logger.Error("leverage tier load failed", "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.marketReloadLoop()
	}()

	if e.push != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pushResetLoop()
		}()
	}
	return nil
}

// Close stops background loops and flushes shared resources: the push
// feed, the REST session (when the adapter exposes one), and the sidecar
// store.
func (e *Engine) Close() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	if closer, ok := e.push.(io.Closer); ok && e.push != nil {
		closer.Close()
	}
	if closer, ok := e.adapter.(io.Closer); ok {
		closer.Close()
	}
	e.store.Close()
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Market table
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) marketReloadLoop() {
	ticker := time.NewTicker(e.cfg.Exchange.MarketReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.reloadMarkets(e.ctx); err != nil {
				// The previous table keeps serving; Market() bounds how
				// long that is tolerated.
				e.logger.Error("market reload failed, serving stale table", "error", err)
			}
		}
	}
}

// reloadMarkets swaps the market table atomically: readers see the old
// complete table or the new complete table, nothing in between.
func (e *Engine) reloadMarkets(ctx context.Context) error {
	loaded, err := exerr.RetryValue(ctx, e.logger, exerr.DefaultAttempts, "load_markets", func() (map[string]types.Market, error) {
		return e.adapter.LoadMarkets(ctx)
	})
	if err != nil {
		return err
	}

	e.marketsMu.Lock()
	e.markets = loaded
	e.loadedAt = time.Now()
	e.marketsMu.Unlock()

	e.logger.Info("markets loaded", "count", len(loaded))
	return nil
}

// Market resolves a symbol. A table staler than three reload intervals is
// no longer trusted.
func (e *Engine) Market(symbol string) (*types.Market, error) {
	e.marketsMu.RLock()
	market, ok := e.markets[symbol]
	loadedAt := e.loadedAt
	e.marketsMu.RUnlock()

	if interval := e.cfg.Exchange.MarketReloadInterval; interval > 0 && time.Since(loadedAt) > staleReloadTolerance*interval {
		return nil, exerr.New(exerr.KindTemporary, "market table stale since %s", loadedAt.Format(time.RFC3339))
	}
	if !ok {
		return nil, exerr.New(exerr.KindExchange, "unknown market %s", symbol)
	}
	return &market, nil
}

// MarketIsTradable reports whether orders on the symbol can be placed.
func (e *Engine) MarketIsTradable(symbol string) bool {
	market, err := e.Market(symbol)
	return err == nil && market.Active
}

// PairBase and PairQuote expose market currencies to strategy callers.
func (e *Engine) PairBase(symbol string) (string, error) {
	market, err := e.Market(symbol)
	if err != nil {
		return "", err
	}
	return market.Base, nil
}

func (e *Engine) PairQuote(symbol string) (string, error) {
	market, err := e.Market(symbol)
	if err != nil {
		return "", err
	}
	return market.Quote, nil
}

func (e *Engine) validatePairs() error {
	for _, pair := range e.cfg.Candles.Pairs {
		market, err := e.Market(pair)
		if err != nil {
			return exerr.New(exerr.KindConfiguration, "pair %s is not available on %s", pair, e.adapter.Name())
		}
		if !market.Active {
			return exerr.New(exerr.KindConfiguration, "pair %s is not active on %s", pair, e.adapter.Name())
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Data plane passthrough
// ————————————————————————————————————————————————————————————————————————

// RefreshCandles brings the given keys current and returns their tables.
func (e *Engine) RefreshCandles(ctx context.Context, keys []types.TableKey, sinceMs int64) map[types.TableKey][]types.Candle {
	return e.refresher.Refresh(ctx, keys, sinceMs)
}

// RefreshTrades brings the given trade tables current.
func (e *Engine) RefreshTrades(ctx context.Context, keys []types.TableKey, sinceMs int64) map[types.TableKey][]types.Trade {
	return e.trades.Refresh(ctx, keys, sinceMs)
}

// GetRate prices an entry or exit.
func (e *Engine) GetRate(ctx context.Context, pair string, intent pricing.Intent, isShort, refresh bool) (float64, error) {
	return e.rates.GetRate(ctx, pair, intent, isShort, refresh)
}

// Orders exposes the order lifecycle manager.
func (e *Engine) Orders() *orders.Manager { return e.orders }

// Leverage exposes the tier store.
func (e *Engine) Leverage() *leverage.Manager { return e.leverage }

// Funding exposes funding-fee accounting.
func (e *Engine) Funding() *funding.Calculator { return e.funding }

// Rates exposes rate selection and the tickers cache.
func (e *Engine) Rates() *pricing.RateEngine { return e.rates }

// FetchBalance returns the wallet state.
func (e *Engine) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	return exerr.RetryValue(ctx, e.logger, exerr.DefaultAttempts, "fetch_balance", func() (map[string]types.Balance, error) {
		return e.adapter.FetchBalance(ctx)
	})
}

// FetchPositions returns open derivative positions.
func (e *Engine) FetchPositions(ctx context.Context, symbols ...string) ([]types.Position, error) {
	return exerr.RetryValue(ctx, e.logger, exerr.DefaultAttempts, "fetch_positions", func() ([]types.Position, error) {
		return e.adapter.FetchPositions(ctx, symbols...)
	})
}

// MinStake and MaxStake consolidate market limits into stake bounds,
// applying the leverage-tier notional cap for futures.
func (e *Engine) MinStake(pair string, price, leverage float64) (float64, error) {
	market, err := e.Market(pair)
	if err != nil {
		return 0, err
	}
	return pricing.MinStake(market, price, e.cfg.Orders.Stoploss, e.cfg.Orders.AmountReservePct, leverage)
}

func (e *Engine) MaxStake(pair string, price, leverage float64) (float64, error) {
	market, err := e.Market(pair)
	if err != nil {
		return 0, err
	}
	return pricing.MaxStake(market, price, e.leverage.NotionalCap(pair), leverage)
}

// LiquidationPrice estimates where an isolated linear position liquidates.
func (e *Engine) LiquidationPrice(pair string, isShort bool, openRate, amount, walletBalance float64) (float64, error) {
	market, err := e.Market(pair)
	if err != nil {
		return 0, err
	}
	mmr, _, err := e.leverage.MaintenanceRatio(pair, openRate*amount)
	if err != nil {
		return 0, err
	}
	return leverage.LiquidationPrice(leverage.LiquidationInput{
		Market:        market,
		MarginMode:    types.MarginMode(e.cfg.Margin.MarginMode),
		IsShort:       isShort,
		OpenRate:      openRate,
		Amount:        amount,
		WalletBalance: walletBalance,
		MMRatio:       mmr,
		TakerFeeRate:  market.TakerFee,
		Buffer:        e.cfg.Margin.LiquidationBuffer,
	})
}

func (e *Engine) pushResetLoop() {
	interval := e.cfg.Candles.WSResetInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.push.ResetConnections(e.ctx); err != nil {
				e.logger.Warn("push reset failed", "error", err)
			}
		}
	}
}
