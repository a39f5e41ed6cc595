// Package orders implements the order lifecycle: placement sanitation,
// stop-loss derivation, cancellation, emulated and windowed queries, and
// the dry-run simulator that serves all of it from memory.
package orders

import (
	"context"
	"log/slog"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/pricing"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// historyWindowOverlap extends the end of every windowed history pull so
// orders on a window boundary appear in both windows and survive dedupe.
const historyWindowOverlap = time.Minute

// MarketLookup resolves a symbol against the current market table.
type MarketLookup func(symbol string) (*types.Market, error)

// Manager routes order operations to the venue or the dry-run simulator.
type Manager struct {
	adapter venue.Adapter
	caps    *capmatrix.Matrix
	markets MarketLookup
	rates   *pricing.RateEngine
	logger  *slog.Logger

	stopLimitRatio float64
	marginMode     types.MarginMode // empty = leave the venue default
	dry            *DryRun          // nil in live mode
}

// NewManager wires the live order path. Call EnableDryRun to intercept all
// operations with the simulator.
func NewManager(adapter venue.Adapter, caps *capmatrix.Matrix, markets MarketLookup, rates *pricing.RateEngine, stopLimitRatio float64, logger *slog.Logger) *Manager {
	if stopLimitRatio <= 0 {
		stopLimitRatio = 0.99
	}
	return &Manager{
		adapter:        adapter,
		caps:           caps,
		markets:        markets,
		rates:          rates,
		logger:         logger.With("component", "orders"),
		stopLimitRatio: stopLimitRatio,
	}
}

// UseMarginMode makes placement set the margin mode on non-spot markets
// before each order.
func (m *Manager) UseMarginMode(mode types.MarginMode) {
	m.marginMode = mode
}

// EnableDryRun installs the simulator; every subsequent operation is served
// from its in-memory open-orders map.
func (m *Manager) EnableDryRun(maxSlippage float64) *DryRun {
	m.dry = NewDryRun(m.adapter, m.markets, m.adapter.PrecisionMode(), maxSlippage, m.logger)
	return m.dry
}

// sanitize rounds the request to venue precision: the amount truncated at
// contract precision, the price under the given mode.
func (m *Manager) sanitize(req *types.OrderRequest, priceMode types.RoundingMode) (*types.Market, error) {
	market, err := m.markets(req.Symbol)
	if err != nil {
		return nil, err
	}
	mode := m.adapter.PrecisionMode()

	amount, err := pricing.AmountToContractPrecision(mode, market, req.Amount)
	if err != nil {
		return nil, err
	}
	req.Amount = amount

	if req.Price > 0 {
		price, err := pricing.PriceToPrecision(mode, market, req.Price, priceMode)
		if err != nil {
			return nil, err
		}
		req.Price = price
	}
	return market, nil
}

// prepare runs the pre-placement steps shared by entry and stop orders:
// leverage and margin mode for non-spot, and the reference price venues
// that demand one for market orders.
func (m *Manager) prepare(ctx context.Context, req *types.OrderRequest, market *types.Market) error {
	if !market.Spot() && m.dry == nil {
		if m.marginMode != "" {
			if err := m.adapter.SetMarginMode(ctx, req.Symbol, m.marginMode); err != nil {
				// Some venues reject the call when the mode is already set,
				// or fix the mode per account; both are acceptable.
				if !exerr.Retriable(err) {
					m.logger.Debug("set_margin_mode not applied", "symbol", req.Symbol, "error", err)
				} else {
					return err
				}
			}
		}
		if req.Leverage > 0 {
			if err := m.adapter.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
				// Venues without a leverage endpoint apply it per order.
				if !exerr.Is(err, exerr.KindOperational) {
					return err
				}
				m.logger.Debug("set_leverage unsupported, continuing", "symbol", req.Symbol)
			}
		}
	}

	if req.Type == types.OrderTypeMarket && req.Price == 0 && m.caps.MarketOrderRequiresPrice {
		isShort := req.Side == types.Sell
		rate, err := m.rates.GetRate(ctx, req.Symbol, pricing.IntentEntry, isShort, false)
		if err != nil {
			return err
		}
		req.Price = rate
	}

	if req.TimeInForce != "" && !m.caps.SupportsTimeInForce(req.TimeInForce) {
		return exerr.New(exerr.KindInvalidOrder, "%s does not accept time in force %s", m.adapter.Name(), req.TimeInForce)
	}
	return nil
}

// CreateOrder places an entry or exit order.
func (m *Manager) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	market, err := m.sanitize(&req, types.Round)
	if err != nil {
		return nil, err
	}
	if err := m.prepare(ctx, &req, market); err != nil {
		return nil, err
	}

	if m.dry != nil {
		return m.dry.CreateOrder(ctx, req, market)
	}

	params := map[string]any{}
	if req.TimeInForce != "" {
		params["timeInForce"] = req.TimeInForce
	}

	// Mutating call: no retries, an unacknowledged retry risks
	// double-placement.
	order, err := m.adapter.CreateOrder(ctx, req, params)
	if err != nil {
		return nil, err
	}
	m.normalize(order, market)
	m.logger.Info("order placed",
		"symbol", order.Symbol, "side", order.Side, "type", order.Type,
		"amount", order.Amount, "price", order.Price, "id", order.ID,
	)
	return order, nil
}

// CreateStoploss places a stop order. The stop price rounds away from the
// trigger direction: up for long stops (sells), down for short stops.
func (m *Manager) CreateStoploss(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if !m.caps.Has("stoploss_on_exchange") && m.dry == nil {
		return nil, exerr.New(exerr.KindOperational, "%s does not accept stop orders", m.adapter.Name())
	}
	if req.StopPrice <= 0 {
		return nil, exerr.New(exerr.KindInvalidOrder, "stop order without a stop price")
	}

	priceMode := types.RoundDown
	if req.Side == types.Sell {
		priceMode = types.RoundUp
	}

	if req.Type == types.OrderTypeStopLimit {
		limit, err := StopLimitRate(req.StopPrice, req.Side, m.stopLimitRatio)
		if err != nil {
			return nil, err
		}
		req.Price = limit
	}

	market, err := m.sanitize(&req, priceMode)
	if err != nil {
		return nil, err
	}
	stop, err := pricing.PriceToPrecision(m.adapter.PrecisionMode(), market, req.StopPrice, priceMode)
	if err != nil {
		return nil, err
	}
	req.StopPrice = stop

	if err := m.prepare(ctx, &req, market); err != nil {
		return nil, err
	}

	if m.dry != nil {
		return m.dry.CreateOrder(ctx, req, market)
	}

	params := map[string]any{}
	if m.caps.StopPriceParam != "" {
		params[m.caps.StopPriceParam] = req.StopPrice
	}
	intent := "market"
	if req.Type == types.OrderTypeStopLimit {
		intent = "limit"
	}
	if venueType, ok := m.caps.StoplossOrderTypes[intent]; ok {
		params["type"] = venueType
	}

	order, err := m.adapter.CreateOrder(ctx, req, params)
	if err != nil {
		return nil, err
	}
	m.normalize(order, market)
	m.logger.Info("stoploss placed",
		"symbol", order.Symbol, "side", order.Side,
		"stop", order.StopPrice, "limit", order.Price, "id", order.ID,
	)
	return order, nil
}

// StopLimitRate derives the limit price of a stop-limit order from its
// trigger: stop*ratio for sells, stop*(2-ratio) for buys. A limit on the
// wrong side of the trigger would rest instead of executing.
func StopLimitRate(stopPrice float64, side types.Side, ratio float64) (float64, error) {
	var limit float64
	if side == types.Sell {
		limit = stopPrice * ratio
		if limit >= stopPrice {
			return 0, exerr.New(exerr.KindInvalidOrder,
				"sell stop-limit rate %g above trigger %g", limit, stopPrice)
		}
	} else {
		limit = stopPrice * (2 - ratio)
		if limit <= stopPrice {
			return 0, exerr.New(exerr.KindInvalidOrder,
				"buy stop-limit rate %g below trigger %g", limit, stopPrice)
		}
	}
	return limit, nil
}

// FetchOrder queries an order, emulating the unified call on venues that
// only expose open/closed queries. Not-found answers are retried: fills
// propagate through venue systems with a delay.
func (m *Manager) FetchOrder(ctx context.Context, id, pair string) (*types.Order, error) {
	if m.dry != nil {
		return m.dry.FetchOrder(ctx, id)
	}

	return exerr.RetryValue(ctx, m.logger, exerr.DefaultOrderAttempts, "fetch_order", func() (*types.Order, error) {
		order, err := m.adapter.FetchOrder(ctx, id, pair)
		if err == nil {
			return m.normalized(order, pair), nil
		}
		if !exerr.Is(err, exerr.KindOperational) {
			return nil, err
		}
		return m.fetchOrderEmulated(ctx, id, pair)
	})
}

// fetchOrderEmulated checks open orders first, then closed ones. Missing
// from both means the venue has not surfaced it yet: retryable.
func (m *Manager) fetchOrderEmulated(ctx context.Context, id, pair string) (*types.Order, error) {
	order, err := m.adapter.FetchOpenOrder(ctx, id, pair)
	if err == nil {
		return m.normalized(order, pair), nil
	}
	if !exerr.Is(err, exerr.KindRetryableOrder) {
		return nil, err
	}
	order, err = m.adapter.FetchClosedOrder(ctx, id, pair)
	if err == nil {
		return m.normalized(order, pair), nil
	}
	if exerr.Is(err, exerr.KindRetryableOrder) {
		return nil, exerr.New(exerr.KindRetryableOrder, "order %s not in open or closed orders of %s", id, pair)
	}
	return nil, err
}

// CancelOrder cancels without interpreting the venue response.
func (m *Manager) CancelOrder(ctx context.Context, id, pair string) (*types.Order, error) {
	if m.dry != nil {
		return m.dry.CancelOrder(ctx, id)
	}
	order, err := m.adapter.CancelOrder(ctx, id, pair)
	if err != nil {
		return nil, err
	}
	return m.normalized(order, pair), nil
}

// CancelOrderWithResult cancels and always hands back a usable order
// record: the venue's answer when complete, a follow-up fetch when not,
// and a synthesized canceled record as the last resort.
func (m *Manager) CancelOrderWithResult(ctx context.Context, id, pair string, amount float64) (*types.Order, error) {
	order, err := m.CancelOrder(ctx, id, pair)
	if err == nil && order != nil && order.Status != "" && order.Amount > 0 {
		return order, nil
	}
	if err != nil {
		m.logger.Warn("cancel returned an error, fetching final state", "id", id, "error", err)
	}

	fetched, ferr := m.FetchOrder(ctx, id, pair)
	if ferr == nil {
		return fetched, nil
	}

	return &types.Order{
		ID:        id,
		Symbol:    pair,
		Status:    types.OrderCanceled,
		Amount:    amount,
		Filled:    0,
		Remaining: amount,
		Timestamp: time.Now().UTC(),
	}, nil
}

// FetchOrders returns the pair's order history since sinceMs. Venues with a
// bounded history window are pulled in overlapping chunks and de-duplicated
// on order id.
func (m *Manager) FetchOrders(ctx context.Context, pair string, sinceMs int64) ([]types.Order, error) {
	if m.dry != nil {
		return m.dry.Orders(pair), nil
	}

	nowMs := time.Now().UnixMilli()
	windowMin := m.caps.FetchOrdersLimitMinutes
	if windowMin <= 0 {
		orders, err := exerr.RetryValue(ctx, m.logger, exerr.DefaultAttempts, "fetch_orders", func() ([]types.Order, error) {
			return m.adapter.FetchOrders(ctx, pair, sinceMs, nowMs)
		})
		if err != nil {
			return nil, err
		}
		return m.normalizedAll(orders, pair), nil
	}

	windowMs := int64(windowMin) * 60_000
	overlapMs := historyWindowOverlap.Milliseconds()

	seen := map[string]bool{}
	var out []types.Order
	for start := sinceMs; start < nowMs; start += windowMs {
		end := start + windowMs + overlapMs
		if end > nowMs {
			end = nowMs
		}
		chunk, err := exerr.RetryValue(ctx, m.logger, exerr.DefaultAttempts, "fetch_orders", func() ([]types.Order, error) {
			return m.adapter.FetchOrders(ctx, pair, start, end)
		})
		if err != nil {
			return nil, err
		}
		for _, o := range chunk {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			out = append(out, o)
		}
	}
	return m.normalizedAll(out, pair), nil
}

// GetTradesForOrder returns the caller's fills belonging to one order.
func (m *Manager) GetTradesForOrder(ctx context.Context, orderID, pair string, sinceMs int64) ([]types.MyTrade, error) {
	if m.dry != nil {
		return m.dry.TradesForOrder(orderID), nil
	}
	all, err := exerr.RetryValue(ctx, m.logger, exerr.DefaultOrderAttempts, "fetch_my_trades", func() ([]types.MyTrade, error) {
		return m.adapter.FetchMyTrades(ctx, pair, sinceMs)
	})
	if err != nil {
		return nil, err
	}
	var out []types.MyTrade
	for _, t := range all {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

// normalize converts contract-denominated order fields to base currency.
func (m *Manager) normalize(order *types.Order, market *types.Market) {
	if len(m.caps.OrderPropsInContracts) > 0 {
		pricing.OrderFromContracts(order, market.ContractSize, m.caps.OrderPropsInContracts)
	}
}

func (m *Manager) normalized(order *types.Order, pair string) *types.Order {
	if order == nil {
		return nil
	}
	if market, err := m.markets(pair); err == nil {
		m.normalize(order, market)
	}
	return order
}

func (m *Manager) normalizedAll(orders []types.Order, pair string) []types.Order {
	market, err := m.markets(pair)
	if err != nil {
		return orders
	}
	for i := range orders {
		m.normalize(&orders[i], market)
	}
	return orders
}

// FeeRate derives the effective fee rate of a filled order's fee. Fees in
// the quote currency divide by cost, fees in the base currency by amount,
// and fees in a third currency convert through the tickers cache first.
func (m *Manager) FeeRate(ctx context.Context, symbol string, fee *types.OrderFee, amount, cost float64) (float64, error) {
	if fee == nil || fee.Cost == 0 {
		return 0, nil
	}
	if fee.Rate != nil {
		return *fee.Rate, nil
	}
	market, err := m.markets(symbol)
	if err != nil {
		return 0, err
	}
	switch fee.Currency {
	case market.Quote:
		if cost <= 0 {
			return 0, exerr.New(exerr.KindPricing, "no cost to derive fee rate for %s", symbol)
		}
		return fee.Cost / cost, nil
	case market.Base:
		if amount <= 0 {
			return 0, exerr.New(exerr.KindPricing, "no amount to derive fee rate for %s", symbol)
		}
		return fee.Cost / amount, nil
	default:
		if m.rates == nil || cost <= 0 {
			return 0, exerr.New(exerr.KindPricing, "cannot convert %s fee for %s", fee.Currency, symbol)
		}
		conv, err := m.rates.GetConversionRate(ctx, fee.Currency, market.Quote)
		if err != nil {
			return 0, err
		}
		return fee.Cost * conv / cost, nil
	}
}

// Fee prices a prospective fill: the venue's fee endpoint when it has one,
// the market table's taker/maker rate otherwise.
func (m *Manager) Fee(ctx context.Context, symbol string, ordType types.OrderType, side types.Side, amount, price float64, isMaker bool) (*types.OrderFee, error) {
	fee, err := m.adapter.CalculateFee(ctx, symbol, ordType, side, amount, price, isMaker)
	if err == nil {
		return fee, nil
	}
	if !exerr.Is(err, exerr.KindOperational) {
		return nil, err
	}

	market, merr := m.markets(symbol)
	if merr != nil {
		return nil, merr
	}
	rate := market.TakerFee
	if isMaker {
		rate = market.MakerFee
	}
	return &types.OrderFee{
		Currency: market.Quote,
		Cost:     amount * price * rate,
		Rate:     &rate,
	}, nil
}
