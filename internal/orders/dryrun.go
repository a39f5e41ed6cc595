// dryrun.go is the simulated execution path. When dry-run is enabled every
// order operation is served from an in-memory open-orders map:
//
//   - market orders fill immediately from an orderbook walk, slippage-capped
//   - limit orders rest until the top of book crosses them
//   - a limit crossing the spread by more than 1% at placement is silently
//     converted to a market order
//   - stop orders never fill against the current book; the caller triggers
//     them explicitly
package orders

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"exchange-engine/internal/exerr"
	"exchange-engine/internal/pricing"
	"exchange-engine/pkg/types"
)

const (
	// dryBookDepth is the depth fetched for fills and cross checks.
	dryBookDepth = 20

	// convertThreshold converts an aggressive limit into a market order.
	convertThreshold = 0.01
)

// DryRun simulates order execution against live market data.
type DryRun struct {
	adapter interface {
		FetchL2OrderBook(ctx context.Context, pair string, depth int) (*types.OrderBook, error)
	}
	markets     MarketLookup
	precMode    types.PrecisionMode
	maxSlippage float64
	logger      *slog.Logger

	// mu guards the open-orders map shared between placement and polls.
	mu     sync.Mutex
	orders map[string]*types.Order
	fills  map[string][]types.MyTrade
}

// NewDryRun creates an empty simulator.
func NewDryRun(adapter interface {
	FetchL2OrderBook(ctx context.Context, pair string, depth int) (*types.OrderBook, error)
}, markets MarketLookup, precMode types.PrecisionMode, maxSlippage float64, logger *slog.Logger) *DryRun {
	if maxSlippage <= 0 {
		maxSlippage = 0.05
	}
	return &DryRun{
		adapter:     adapter,
		markets:     markets,
		precMode:    precMode,
		maxSlippage: maxSlippage,
		logger:      logger.With("component", "dry_run"),
		orders:      make(map[string]*types.Order),
		fills:       make(map[string][]types.MyTrade),
	}
}

// CreateOrder simulates placement of a sanitized request.
func (d *DryRun) CreateOrder(ctx context.Context, req types.OrderRequest, market *types.Market) (*types.Order, error) {
	order := &types.Order{
		ID:        "dry_run_" + uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Amount:    req.Amount,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Filled:    0,
		Remaining: req.Amount,
		Status:    types.OrderOpen,
		Timestamp: time.Now().UTC(),
	}

	switch {
	case req.Type.IsStop():
		// Held open; the stop sentinel is the order type itself.
		d.put(order)

	case req.Type == types.OrderTypeMarket:
		if err := d.fillMarket(ctx, order, market); err != nil {
			return nil, err
		}
		d.put(order)

	default: // limit
		book, err := d.adapter.FetchL2OrderBook(ctx, req.Symbol, dryBookDepth)
		if err != nil {
			return nil, err
		}
		if crossesBy(book, order.Side, order.Price) > convertThreshold {
			d.logger.Info("aggressive limit converted to market",
				"symbol", order.Symbol, "side", order.Side, "limit", order.Price)
			order.Type = types.OrderTypeMarket
			if err := d.fillMarket(ctx, order, market); err != nil {
				return nil, err
			}
			d.put(order)
			break
		}
		d.put(order)
		// An already-crossed limit fills on placement at the taker rate.
		if err := d.checkLimitAgainst(book, order, market, false); err != nil {
			return nil, err
		}
	}

	out := *order
	return &out, nil
}

// fillMarket closes the order at the walked book price, capped to the
// reference rate plus/minus the slippage allowance. The taker fee applies.
func (d *DryRun) fillMarket(ctx context.Context, order *types.Order, market *types.Market) error {
	book, err := d.adapter.FetchL2OrderBook(ctx, order.Symbol, dryBookDepth)
	if err != nil {
		return err
	}
	walked, err := pricing.WalkBook(book, order.Side, order.Amount)
	if err != nil {
		return err
	}
	price := walked
	if order.Price > 0 {
		price = pricing.CapSlippage(walked, order.Price, order.Side, d.maxSlippage)
	}
	d.close(order, market, price, false)
	return nil
}

// CheckLimitOrderFilled polls one resting limit order against the current
// book. Crossing transitions it to closed at the limit price with the
// maker fee.
func (d *DryRun) CheckLimitOrderFilled(ctx context.Context, id string) (*types.Order, error) {
	d.mu.Lock()
	order, ok := d.orders[id]
	d.mu.Unlock()
	if !ok {
		return nil, exerr.New(exerr.KindRetryableOrder, "dry-run order %s not found", id)
	}
	if order.Status != types.OrderOpen || order.Type != types.OrderTypeLimit {
		out := *order
		return &out, nil
	}

	market, err := d.markets(order.Symbol)
	if err != nil {
		return nil, err
	}
	book, err := d.adapter.FetchL2OrderBook(ctx, order.Symbol, dryBookDepth)
	if err != nil {
		return nil, err
	}
	if err := d.checkLimitAgainst(book, order, market, true); err != nil {
		return nil, err
	}

	out := *order
	return &out, nil
}

// checkLimitAgainst fills the order at its limit price when the book top
// crosses it. maker selects the fee attribution: maker on poll fills,
// taker on placement-time fills.
func (d *DryRun) checkLimitAgainst(book *types.OrderBook, order *types.Order, market *types.Market, maker bool) error {
	if crossesBy(book, order.Side, order.Price) < 0 {
		return nil
	}
	d.close(order, market, order.Price, maker)
	return nil
}

// crossesBy measures how far the opposite book top is through the limit,
// as a fraction of the limit. Negative means not crossed.
func crossesBy(book *types.OrderBook, side types.Side, limit float64) float64 {
	if limit <= 0 {
		return -1
	}
	if side == types.Buy {
		if len(book.Asks) == 0 {
			return -1
		}
		return (limit - book.Asks[0].Price) / limit
	}
	if len(book.Bids) == 0 {
		return -1
	}
	return (book.Bids[0].Price - limit) / limit
}

// close finalizes a fill and records the synthetic trade.
func (d *DryRun) close(order *types.Order, market *types.Market, price float64, maker bool) {
	rate := market.TakerFee
	if maker {
		rate = market.MakerFee
	}
	feeRate := rate
	order.Status = types.OrderClosed
	order.Average = price
	order.Filled = order.Amount
	order.Remaining = 0
	order.Fee = &types.OrderFee{
		Currency: market.Quote,
		Cost:     order.Amount * price * rate,
		Rate:     &feeRate,
	}

	d.mu.Lock()
	d.fills[order.ID] = append(d.fills[order.ID], types.MyTrade{
		ID:      "dry_trade_" + uuid.NewString(),
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Price:   price,
		Amount:  order.Amount,
		Cost:    order.Amount * price,
		Fee:     order.Fee,
		TS:      time.Now().UnixMilli(),
	})
	d.mu.Unlock()
}

// TriggerStoploss fills a resting stop order at its trigger (stop-market)
// or limit (stop-limit) price. The engine's caller decides when the stop
// condition is met; the simulator never fills stops on its own.
func (d *DryRun) TriggerStoploss(id string) (*types.Order, error) {
	d.mu.Lock()
	order, ok := d.orders[id]
	d.mu.Unlock()
	if !ok {
		return nil, exerr.New(exerr.KindRetryableOrder, "dry-run order %s not found", id)
	}
	if !order.Type.IsStop() || order.Status != types.OrderOpen {
		return nil, exerr.New(exerr.KindInvalidOrder, "order %s is not an open stop order", id)
	}
	market, err := d.markets(order.Symbol)
	if err != nil {
		return nil, err
	}
	price := order.StopPrice
	if order.Type == types.OrderTypeStopLimit {
		price = order.Price
	}
	d.close(order, market, price, false)

	out := *order
	return &out, nil
}

// FetchOrder returns a copy of a simulated order.
func (d *DryRun) FetchOrder(_ context.Context, id string) (*types.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[id]
	if !ok {
		return nil, exerr.New(exerr.KindRetryableOrder, "dry-run order %s not found", id)
	}
	out := *order
	return &out, nil
}

// CancelOrder cancels a simulated order: filled 0, everything remaining.
func (d *DryRun) CancelOrder(_ context.Context, id string) (*types.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	order, ok := d.orders[id]
	if !ok {
		return nil, exerr.New(exerr.KindRetryableOrder, "dry-run order %s not found", id)
	}
	order.Status = types.OrderCanceled
	order.Filled = 0
	order.Remaining = order.Amount
	out := *order
	return &out, nil
}

// Orders returns all simulated orders of a pair (every pair when empty).
func (d *DryRun) Orders(pair string) []types.Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.Order
	for _, order := range d.orders {
		if pair == "" || order.Symbol == pair {
			out = append(out, *order)
		}
	}
	return out
}

// TradesForOrder returns the synthetic fills of one order.
func (d *DryRun) TradesForOrder(orderID string) []types.MyTrade {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.MyTrade(nil), d.fills[orderID]...)
}

func (d *DryRun) put(order *types.Order) {
	d.mu.Lock()
	d.orders[order.ID] = order
	d.mu.Unlock()
}
