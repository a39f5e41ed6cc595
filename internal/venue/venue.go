// Package venue defines the adapter interface every exchange integration
// implements, plus the shared REST scaffold (resty client, token-bucket rate
// limiting, error classification) concrete venues are built on.
//
// The engine only ever talks to the Adapter interface; venue identity never
// leaks into the core. A venue is a thin stateless variant: it embeds Base
// for the operations it does not support, overrides the ones it does, and
// holds nothing but a reference to the shared REST client.
package venue

import (
	"context"

	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

// Adapter is the per-venue integration surface consumed by the engine.
// Names are logical, not wire-level; the wire format is each venue's own
// business. All blocking operations take a context.
type Adapter interface {
	// Name identifies the venue in logs and sidecar file names.
	Name() string

	// Capabilities returns the venue capability layer merged into the
	// capability matrix; FuturesCapabilities the futures-only overrides.
	Capabilities() map[string]any
	FuturesCapabilities() map[string]any

	// PrecisionMode declares how PrecisionAmount/PrecisionPrice on this
	// venue's markets are interpreted.
	PrecisionMode() types.PrecisionMode

	// LoadMarkets fetches the full market table.
	LoadMarkets(ctx context.Context) (map[string]types.Market, error)

	// FetchOHLCV returns up to limit candles of the given kind starting at
	// sinceMs (0 = latest window).
	FetchOHLCV(ctx context.Context, pair, timeframe string, kind types.CandleKind, sinceMs int64, limit int) ([]types.Candle, error)

	// FetchTrades pages public trades by time; FetchTradesFrom by trade id.
	FetchTrades(ctx context.Context, pair string, sinceMs int64, limit int) ([]types.Trade, error)
	FetchTradesFrom(ctx context.Context, pair, fromID string, limit int) ([]types.Trade, error)

	FetchL2OrderBook(ctx context.Context, pair string, depth int) (*types.OrderBook, error)
	FetchTicker(ctx context.Context, pair string) (*types.Ticker, error)
	FetchTickers(ctx context.Context, symbols []string) (map[string]types.Ticker, error)
	FetchBidsAsks(ctx context.Context, symbols []string) (map[string]types.Ticker, error)

	// CreateOrder places an order; params carries venue keys prepared by
	// the order lifecycle manager (stop price, time in force, ...).
	CreateOrder(ctx context.Context, req types.OrderRequest, params map[string]any) (*types.Order, error)
	CancelOrder(ctx context.Context, id, pair string) (*types.Order, error)
	FetchOrder(ctx context.Context, id, pair string) (*types.Order, error)
	FetchOpenOrder(ctx context.Context, id, pair string) (*types.Order, error)
	FetchClosedOrder(ctx context.Context, id, pair string) (*types.Order, error)
	FetchOrders(ctx context.Context, pair string, sinceMs, untilMs int64) ([]types.Order, error)
	FetchMyTrades(ctx context.Context, pair string, sinceMs int64) ([]types.MyTrade, error)

	FetchBalance(ctx context.Context) (map[string]types.Balance, error)
	FetchPositions(ctx context.Context, symbols ...string) ([]types.Position, error)

	SetLeverage(ctx context.Context, pair string, leverage float64) error
	SetMarginMode(ctx context.Context, pair string, mode types.MarginMode) error

	FetchFundingHistory(ctx context.Context, pair string, sinceMs int64) ([]types.FundingPayment, error)
	// FetchFundingRateHistory returns funding rates as candle rows with the
	// rate in Open; the refresh engine zeroes the remaining fields.
	FetchFundingRateHistory(ctx context.Context, pair string, sinceMs int64) ([]types.Candle, error)

	FetchLeverageTiers(ctx context.Context) (map[string][]types.LeverageTier, error)
	FetchMarketLeverageTiers(ctx context.Context, pair string) ([]types.LeverageTier, error)

	// CalculateFee asks the venue to price a prospective fill. Venues
	// without a fee endpoint inherit Base's not-supported answer and the
	// engine falls back to the market table's taker/maker rates.
	CalculateFee(ctx context.Context, symbol string, ordType types.OrderType, side types.Side, amount, price float64, isMaker bool) (*types.OrderFee, error)
}

// Pusher is the optional WebSocket candle push surface. Venues that support
// trusted candle push also implement this.
type Pusher interface {
	Schedule(pair, timeframe string, kind types.CandleKind)
	OHLCVs(pair, timeframe string) []types.Candle
	KlinesLastRefresh(key types.TableKey) int64
	ResetConnections(ctx context.Context) error
}

// NotSupported builds the uniform error for venue operations a concrete
// adapter does not override.
func NotSupported(venue, op string) error {
	return exerr.New(exerr.KindOperational, "%s does not support %s", venue, op)
}

// Base implements Adapter with not-supported answers for every optional
// operation. Concrete venues embed it and override what they have. Base is
// stateless; Name is supplied by the embedding venue via the name field.
type Base struct {
	name string
}

// NewBase creates the default-method scaffold for a venue.
func NewBase(name string) Base { return Base{name: name} }

func (b Base) Name() string                        { return b.name }
func (b Base) Capabilities() map[string]any        { return map[string]any{} }
func (b Base) FuturesCapabilities() map[string]any { return map[string]any{} }
func (b Base) PrecisionMode() types.PrecisionMode  { return types.PrecisionTickSize }

func (b Base) LoadMarkets(context.Context) (map[string]types.Market, error) {
	return nil, NotSupported(b.name, "load_markets")
}

func (b Base) FetchOHLCV(context.Context, string, string, types.CandleKind, int64, int) ([]types.Candle, error) {
	return nil, NotSupported(b.name, "fetch_ohlcv")
}

func (b Base) FetchTrades(context.Context, string, int64, int) ([]types.Trade, error) {
	return nil, NotSupported(b.name, "fetch_trades")
}

func (b Base) FetchTradesFrom(context.Context, string, string, int) ([]types.Trade, error) {
	return nil, NotSupported(b.name, "fetch_trades from_id")
}

func (b Base) FetchL2OrderBook(context.Context, string, int) (*types.OrderBook, error) {
	return nil, NotSupported(b.name, "fetch_l2_order_book")
}

func (b Base) FetchTicker(context.Context, string) (*types.Ticker, error) {
	return nil, NotSupported(b.name, "fetch_ticker")
}

func (b Base) FetchTickers(context.Context, []string) (map[string]types.Ticker, error) {
	return nil, NotSupported(b.name, "fetch_tickers")
}

func (b Base) FetchBidsAsks(context.Context, []string) (map[string]types.Ticker, error) {
	return nil, NotSupported(b.name, "fetch_bids_asks")
}

func (b Base) CreateOrder(context.Context, types.OrderRequest, map[string]any) (*types.Order, error) {
	return nil, NotSupported(b.name, "create_order")
}

func (b Base) CancelOrder(context.Context, string, string) (*types.Order, error) {
	return nil, NotSupported(b.name, "cancel_order")
}

func (b Base) FetchOrder(context.Context, string, string) (*types.Order, error) {
	return nil, NotSupported(b.name, "fetch_order")
}

func (b Base) FetchOpenOrder(context.Context, string, string) (*types.Order, error) {
	return nil, NotSupported(b.name, "fetch_open_order")
}

func (b Base) FetchClosedOrder(context.Context, string, string) (*types.Order, error) {
	return nil, NotSupported(b.name, "fetch_closed_order")
}

func (b Base) FetchOrders(context.Context, string, int64, int64) ([]types.Order, error) {
	return nil, NotSupported(b.name, "fetch_orders")
}

func (b Base) FetchMyTrades(context.Context, string, int64) ([]types.MyTrade, error) {
	return nil, NotSupported(b.name, "fetch_my_trades")
}

func (b Base) FetchBalance(context.Context) (map[string]types.Balance, error) {
	return nil, NotSupported(b.name, "fetch_balance")
}

func (b Base) FetchPositions(context.Context, ...string) ([]types.Position, error) {
	return nil, NotSupported(b.name, "fetch_positions")
}

func (b Base) SetLeverage(context.Context, string, float64) error {
	return NotSupported(b.name, "set_leverage")
}

func (b Base) SetMarginMode(context.Context, string, types.MarginMode) error {
	return NotSupported(b.name, "set_margin_mode")
}

func (b Base) FetchFundingHistory(context.Context, string, int64) ([]types.FundingPayment, error) {
	return nil, NotSupported(b.name, "fetch_funding_history")
}

func (b Base) FetchFundingRateHistory(context.Context, string, int64) ([]types.Candle, error) {
	return nil, NotSupported(b.name, "fetch_funding_rate_history")
}

func (b Base) FetchLeverageTiers(context.Context) (map[string][]types.LeverageTier, error) {
	return nil, NotSupported(b.name, "fetch_leverage_tiers")
}

func (b Base) FetchMarketLeverageTiers(context.Context, string) ([]types.LeverageTier, error) {
	return nil, NotSupported(b.name, "fetch_market_leverage_tiers")
}

func (b Base) CalculateFee(context.Context, string, types.OrderType, types.Side, float64, float64, bool) (*types.OrderFee, error) {
	return nil, NotSupported(b.name, "calculate_fee")
}
