// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — candles, trades,
// markets, orders, tickers, order books, and leverage tiers. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order shapes.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLimit  OrderType = "stop_limit"
)

// IsStop reports whether the order type carries a trigger price.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStopMarket || t == OrderTypeStopLimit
}

// OrderStatus is the unified lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderClosed   OrderStatus = "closed"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
	OrderRejected OrderStatus = "rejected"
)

// IsFinal reports whether the status is terminal.
func (s OrderStatus) IsFinal() bool {
	return s != OrderOpen
}

// MarketKind classifies a tradable symbol.
type MarketKind string

const (
	MarketSpot        MarketKind = "spot"
	MarketMargin      MarketKind = "margin"
	MarketLinearSwap  MarketKind = "linear_swap"
	MarketInverseSwap MarketKind = "inverse_swap"
)

// IsFutures reports whether the market is a perpetual swap of either kind.
func (k MarketKind) IsFutures() bool {
	return k == MarketLinearSwap || k == MarketInverseSwap
}

// CandleKind selects which price series a candle table holds.
type CandleKind string

const (
	CandleSpot         CandleKind = "spot"
	CandleFutures      CandleKind = "futures"
	CandleMark         CandleKind = "mark"
	CandleIndex        CandleKind = "index"
	CandlePremiumIndex CandleKind = "premium_index"
	CandleFundingRate  CandleKind = "funding_rate"
)

// MarginMode is the collateral mode for derivative positions.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// PriceSide selects which side of the ticker or book prices an intent.
// Bid and Ask are concrete; Same and Other are policies resolved against
// the intent (entry/exit) and direction (long/short).
type PriceSide string

const (
	PriceSideBid   PriceSide = "bid"
	PriceSideAsk   PriceSide = "ask"
	PriceSideSame  PriceSide = "same"
	PriceSideOther PriceSide = "other"
)

// PrecisionMode declares how a venue expresses price/amount precision.
type PrecisionMode int

const (
	// PrecisionDecimalPlaces: precision is an integer number of decimals.
	PrecisionDecimalPlaces PrecisionMode = iota
	// PrecisionTickSize: precision is a fractional increment; values must
	// be multiples of it.
	PrecisionTickSize
)

// RoundingMode controls directional rounding in the precision engine.
type RoundingMode int

const (
	Round     RoundingMode = iota // round half away from zero
	RoundUp                       // always toward +inf
	RoundDown                     // always toward zero
)

// ————————————————————————————————————————————————————————————————————————
// Candles and trades
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV row. TS is the candle-open time in UTC milliseconds.
// A funding-rate candle carries the rate in Open and zeroes the rest.
type Candle struct {
	TS     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// TableKey identifies one candle or trade table: pair, timeframe, kind.
type TableKey struct {
	Pair      string
	Timeframe string
	Kind      CandleKind
}

func (k TableKey) String() string {
	return k.Pair + "/" + k.Timeframe + "/" + string(k.Kind)
}

// Trade is one public trade. Amount is in base currency, Cost in quote.
type Trade struct {
	TS     int64   `json:"ts"`
	ID     string  `json:"id"`
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Side   Side    `json:"side"`
	Cost   float64 `json:"cost"`
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// LimitRange is an optional min/max bound. Nil pointer means unbounded.
type LimitRange struct {
	Min *float64
	Max *float64
}

// MarketLimits are the venue-declared trading limits of a market.
type MarketLimits struct {
	Amount LimitRange // bounds on order amount, base currency
	Cost   LimitRange // bounds on order cost, quote currency
}

// Market describes one tradable symbol. The market table is loaded wholesale
// at startup and on the scheduled reload; entries are immutable in between.
type Market struct {
	Symbol string // "base/quote" or "base/quote:settle"
	Base   string
	Quote  string
	Settle string

	Kind         MarketKind
	ContractSize float64 // 1.0 unless the venue trades in contracts

	// PrecisionAmount and PrecisionPrice are interpreted per the venue's
	// precision mode: integer decimal places, or a fractional tick size.
	PrecisionAmount float64
	PrecisionPrice  float64

	Limits MarketLimits
	Active bool

	TakerFee float64
	MakerFee float64
}

// Spot reports whether the market settles immediately.
func (m *Market) Spot() bool { return m.Kind == MarketSpot }

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderFee is the fee attached to an order or fill.
type OrderFee struct {
	Currency string   `json:"currency"`
	Cost     float64  `json:"cost"`
	Rate     *float64 `json:"rate,omitempty"`
}

// Order is the unified order record. Amount, Filled and Remaining are always
// base-currency units at this boundary; the order lifecycle manager converts
// contract-denominated fields on ingress.
type Order struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Type      OrderType   `json:"type"`
	Amount    float64     `json:"amount"`
	Price     float64     `json:"price,omitempty"` // zero for pure market orders
	StopPrice float64     `json:"stop_price,omitempty"`
	Average   float64     `json:"average,omitempty"`
	Filled    float64     `json:"filled"`
	Remaining float64     `json:"remaining"`
	Status    OrderStatus `json:"status"`
	Fee       *OrderFee   `json:"fee,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderRequest is what callers hand to the order lifecycle manager.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Amount      float64
	Price       float64 // limit or reference price; 0 for pure market
	StopPrice   float64 // stop orders only
	Leverage    float64 // 0 = spot / leave untouched
	ReduceOnly  bool
	TimeInForce string
}

// MyTrade is one of the caller's own fills, as reported by the venue.
type MyTrade struct {
	ID      string    `json:"id"`
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Price   float64   `json:"price"`
	Amount  float64   `json:"amount"`
	Cost    float64   `json:"cost"`
	Fee     *OrderFee `json:"fee,omitempty"`
	TS      int64     `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Tickers and order books
// ————————————————————————————————————————————————————————————————————————

// Ticker is a venue ticker snapshot. Zero fields mean "not reported".
type Ticker struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	TS     int64   `json:"ts"`
}

// PriceLevel is a single aggregated depth level.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is an L2 depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	TS     int64        `json:"ts"`
}

// Levels returns the requested book side. Only the concrete sides are valid.
func (b *OrderBook) Levels(s PriceSide) []PriceLevel {
	if s == PriceSideAsk {
		return b.Asks
	}
	return b.Bids
}

// ————————————————————————————————————————————————————————————————————————
// Balances, positions, leverage, funding
// ————————————————————————————————————————————————————————————————————————

// Balance is one currency's wallet state.
type Balance struct {
	Currency string  `json:"currency"`
	Free     float64 `json:"free"`
	Used     float64 `json:"used"`
	Total    float64 `json:"total"`
}

// Position is an open derivative position.
type Position struct {
	Symbol           string     `json:"symbol"`
	Side             Side       `json:"side"`
	Amount           float64    `json:"amount"` // base currency
	EntryPrice       float64    `json:"entry_price"`
	Leverage         float64    `json:"leverage"`
	LiquidationPrice float64    `json:"liquidation_price,omitempty"`
	MarginMode       MarginMode `json:"margin_mode"`
	Collateral       float64    `json:"collateral"`
}

// LeverageTier is one notional bracket of a futures symbol. Tier lists are
// strictly non-overlapping and cover [0, inf) without gaps.
type LeverageTier struct {
	MinNotional       float64  `json:"min_notional"`
	MaxNotional       float64  `json:"max_notional"`
	MaintenanceRatio  float64  `json:"maintenance_ratio"`
	MaxLeverage       float64  `json:"max_leverage"`
	MaintenanceAmount *float64 `json:"maintenance_amount,omitempty"`
}

// FundingPayment is one settled funding transfer for a position. Amount is
// quote currency with the venue's sign convention (payable-by-short positive).
type FundingPayment struct {
	Symbol string  `json:"symbol"`
	TS     int64   `json:"ts"`
	Amount float64 `json:"amount"`
}
