// rate.go selects the single price used for entries and exits.
//
// Resolution order: the per-intent rate cache (TTL 300 s), then either the
// L2 order book at the configured depth or the ticker side resolved from
// the effective-side table, with last-price blending. Cache mutations are
// guarded by a short-lived mutex so concurrent callers observe either the
// cached value or the fresh one, never a torn read.
package pricing

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/config"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/metrics"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// Intent distinguishes entry pricing from exit pricing.
type Intent string

const (
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

const (
	rateTTL    = 300 * time.Second
	tickersTTL = 10 * time.Minute
)

type cachedRate struct {
	rate float64
	at   time.Time
}

// RateEngine owns the rate and tickers caches for one venue.
type RateEngine struct {
	adapter venue.Adapter
	caps    *capmatrix.Matrix
	cfg     config.PricingConfig
	logger  *slog.Logger

	mu    sync.Mutex
	rates map[string]cachedRate // key: pair + "/" + intent

	tickersMu sync.Mutex
	tickers   map[string]types.Ticker
	tickersAt time.Time

	now func() time.Time
}

// NewRateEngine wires rate selection for the venue.
func NewRateEngine(adapter venue.Adapter, caps *capmatrix.Matrix, cfg config.PricingConfig, logger *slog.Logger) *RateEngine {
	return &RateEngine{
		adapter: adapter,
		caps:    caps,
		cfg:     cfg,
		logger:  logger.With("component", "rate"),
		rates:   make(map[string]cachedRate),
		now:     time.Now,
	}
}

// EffectiveSide resolves the configured price-side policy against intent
// and direction. "same" keeps the side a maker on that intent would rest
// on (bid for long entries, ask for long exits); "other" crosses.
func EffectiveSide(policy types.PriceSide, intent Intent, isShort bool) types.PriceSide {
	if policy == types.PriceSideBid || policy == types.PriceSideAsk {
		return policy
	}
	same := policy == types.PriceSideSame

	var side types.PriceSide
	switch {
	case intent == IntentEntry && !isShort:
		side = types.PriceSideBid
	case intent == IntentEntry && isShort:
		side = types.PriceSideAsk
	case intent == IntentExit && !isShort:
		side = types.PriceSideAsk
	default: // exit short
		side = types.PriceSideBid
	}
	if !same {
		if side == types.PriceSideBid {
			side = types.PriceSideAsk
		} else {
			side = types.PriceSideBid
		}
	}
	return side
}

// GetRate returns the price for pricing an entry or exit on pair. A cached
// value younger than the TTL is served unless refresh is set.
func (r *RateEngine) GetRate(ctx context.Context, pair string, intent Intent, isShort, refresh bool) (float64, error) {
	key := pair + "/" + string(intent)

	if !refresh {
		r.mu.Lock()
		cached, ok := r.rates[key]
		r.mu.Unlock()
		if ok && r.now().Sub(cached.at) < rateTTL {
			metrics.CountRateCache("hit")
			return cached.rate, nil
		}
	}
	metrics.CountRateCache("miss")

	sideCfg := r.cfg.Entry
	if intent == IntentExit {
		sideCfg = r.cfg.Exit
	}
	effSide := EffectiveSide(types.PriceSide(sideCfg.PriceSide), intent, isShort)

	var rate float64
	var err error
	if sideCfg.UseOrderBook {
		rate, err = r.rateFromBook(ctx, pair, effSide, sideCfg.OrderBookTop)
	} else {
		rate, err = r.rateFromTicker(ctx, pair, effSide, sideCfg.PriceLastBalance)
	}
	if err != nil {
		return 0, err
	}
	if rate <= 0 || math.IsNaN(rate) {
		return 0, exerr.New(exerr.KindPricing, "no usable %s price for %s", intent, pair)
	}

	r.mu.Lock()
	r.rates[key] = cachedRate{rate: rate, at: r.now()}
	r.mu.Unlock()
	return rate, nil
}

func (r *RateEngine) rateFromBook(ctx context.Context, pair string, side types.PriceSide, top int) (float64, error) {
	depth, err := r.caps.SnapL2Limit(top)
	if err != nil {
		return 0, err
	}
	book, err := exerr.RetryValue(ctx, r.logger, exerr.DefaultAttempts, "fetch_l2_order_book", func() (*types.OrderBook, error) {
		return r.adapter.FetchL2OrderBook(ctx, pair, depth)
	})
	if err != nil {
		return 0, err
	}
	levels := book.Levels(side)
	if len(levels) < top {
		return 0, exerr.New(exerr.KindPricing, "order book for %s has no level %d on the %s side", pair, top, side)
	}
	return levels[top-1].Price, nil
}

// rateFromTicker takes the effective ticker side and blends toward last
// when the side is worse than the last trade. A missing last leaves the
// side price untouched.
func (r *RateEngine) rateFromTicker(ctx context.Context, pair string, side types.PriceSide, lastBalance float64) (float64, error) {
	ticker, err := exerr.RetryValue(ctx, r.logger, exerr.DefaultAttempts, "fetch_ticker", func() (*types.Ticker, error) {
		return r.adapter.FetchTicker(ctx, pair)
	})
	if err != nil {
		return 0, err
	}

	price := ticker.Bid
	if side == types.PriceSideAsk {
		price = ticker.Ask
	}
	if price <= 0 {
		return 0, exerr.New(exerr.KindPricing, "ticker for %s has no %s price", pair, side)
	}
	if ticker.Last <= 0 || lastBalance <= 0 {
		return price, nil
	}

	worse := (side == types.PriceSideAsk && ticker.Last < price) ||
		(side == types.PriceSideBid && ticker.Last > price)
	if worse {
		price += lastBalance * (ticker.Last - price)
	}
	return price, nil
}

// ————————————————————————————————————————————————————————————————————————
// Tickers cache and conversion rates
// ————————————————————————————————————————————————————————————————————————

// GetTickers returns the venue tickers, served from a 10-minute cache when
// cached is set.
func (r *RateEngine) GetTickers(ctx context.Context, cached bool) (map[string]types.Ticker, error) {
	r.tickersMu.Lock()
	if cached && r.tickers != nil && r.now().Sub(r.tickersAt) < tickersTTL {
		out := r.tickers
		r.tickersMu.Unlock()
		return out, nil
	}
	r.tickersMu.Unlock()

	tickers, err := exerr.RetryValue(ctx, r.logger, exerr.DefaultAttempts, "fetch_tickers", func() (map[string]types.Ticker, error) {
		return r.adapter.FetchTickers(ctx, nil)
	})
	if err != nil {
		return nil, err
	}

	r.tickersMu.Lock()
	r.tickers = tickers
	r.tickersAt = r.now()
	r.tickersMu.Unlock()
	return tickers, nil
}

// GetConversionRate returns the price of coin in currency, honoring the
// venue's proxy-coin aliases. Identical (or aliased-identical) currencies
// convert at 1.
func (r *RateEngine) GetConversionRate(ctx context.Context, coin, currency string) (float64, error) {
	if alias, ok := r.caps.ProxyCoinMapping[coin]; ok {
		coin = alias
	}
	if alias, ok := r.caps.ProxyCoinMapping[currency]; ok {
		currency = alias
	}
	if strings.EqualFold(coin, currency) {
		return 1, nil
	}

	tickers, err := r.GetTickers(ctx, true)
	if err != nil {
		return 0, err
	}
	for _, symbol := range []string{coin + "/" + currency, currency + "/" + coin} {
		ticker, ok := tickers[symbol]
		if !ok || ticker.Last <= 0 {
			continue
		}
		if symbol == coin+"/"+currency {
			return ticker.Last, nil
		}
		return 1 / ticker.Last, nil
	}
	return 0, exerr.New(exerr.KindPricing, "no conversion rate from %s to %s", coin, currency)
}
