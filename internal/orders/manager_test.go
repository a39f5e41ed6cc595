package orders

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/config"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/pricing"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCaps(t *testing.T, layer map[string]any) *capmatrix.Matrix {
	t.Helper()
	m, err := capmatrix.Resolve(layer, nil, nil, false)
	if err != nil {
		t.Fatalf("caps: %v", err)
	}
	return m
}

func testMarket() *types.Market {
	return &types.Market{
		Symbol:          "BTC/USDT",
		Base:            "BTC",
		Quote:           "USDT",
		Kind:            types.MarketSpot,
		ContractSize:    1,
		PrecisionAmount: 0.0001,
		PrecisionPrice:  0.01,
		Active:          true,
		TakerFee:        0.001,
		MakerFee:        0.0005,
	}
}

func marketLookup(m *types.Market) MarketLookup {
	return func(symbol string) (*types.Market, error) {
		if symbol != m.Symbol {
			return nil, exerr.New(exerr.KindOperational, "unknown market %s", symbol)
		}
		return m, nil
	}
}

// bookVenue serves a fixed order book and records placed orders.
type bookVenue struct {
	venue.Base
	book       types.OrderBook
	open       map[string]*types.Order
	closed     map[string]*types.Order
	orderPages [][]types.Order
	pageCalls  int
}

func newBookVenue(book types.OrderBook) *bookVenue {
	return &bookVenue{
		Base:   venue.NewBase("bookish"),
		book:   book,
		open:   map[string]*types.Order{},
		closed: map[string]*types.Order{},
	}
}

func (v *bookVenue) FetchL2OrderBook(context.Context, string, int) (*types.OrderBook, error) {
	b := v.book
	return &b, nil
}

func (v *bookVenue) FetchOpenOrder(_ context.Context, id, _ string) (*types.Order, error) {
	if o, ok := v.open[id]; ok {
		out := *o
		return &out, nil
	}
	return nil, exerr.New(exerr.KindRetryableOrder, "not in open orders")
}

func (v *bookVenue) FetchClosedOrder(_ context.Context, id, _ string) (*types.Order, error) {
	if o, ok := v.closed[id]; ok {
		out := *o
		return &out, nil
	}
	return nil, exerr.New(exerr.KindRetryableOrder, "not in closed orders")
}

func (v *bookVenue) FetchOrders(_ context.Context, _ string, sinceMs, untilMs int64) ([]types.Order, error) {
	if v.pageCalls >= len(v.orderPages) {
		return nil, nil
	}
	page := v.orderPages[v.pageCalls]
	v.pageCalls++
	return page, nil
}

func newDryManager(t *testing.T, v venue.Adapter, caps *capmatrix.Matrix, market *types.Market) *Manager {
	t.Helper()
	rates := pricing.NewRateEngine(v, caps, config.PricingConfig{
		Entry: config.SidePricing{PriceSide: "same"},
		Exit:  config.SidePricing{PriceSide: "same"},
	}, testLogger())
	m := NewManager(v, caps, marketLookup(market), rates, 0.99, testLogger())
	m.EnableDryRun(0.05)
	return m
}

func TestStopLimitRate(t *testing.T) {
	t.Parallel()

	// Long stop (sell): limit below trigger.
	limit, err := StopLimitRate(100, types.Sell, 0.99)
	if err != nil {
		t.Fatal(err)
	}
	if limit != 99 {
		t.Errorf("sell limit = %v, want 99", limit)
	}

	// Short stop (buy): limit above trigger.
	limit, err = StopLimitRate(100, types.Buy, 0.99)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(limit-101) > 1e-9 {
		t.Errorf("buy limit = %v, want 101", limit)
	}

	// A ratio above 1 puts the sell limit on the wrong side of the trigger.
	if _, err := StopLimitRate(100, types.Sell, 1.01); !exerr.Is(err, exerr.KindInvalidOrder) {
		t.Errorf("crossing limit error = %v, want invalid_order", err)
	}
}

func TestDryRunMarketFill(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{
		Symbol: "BTC/USDT",
		Asks:   []types.PriceLevel{{Price: 10, Amount: 1}, {Price: 11, Amount: 2}, {Price: 12, Amount: 5}},
		Bids:   []types.PriceLevel{{Price: 9, Amount: 10}},
	})
	market := testMarket()
	m := newDryManager(t, v, testCaps(t, nil), market)

	order, err := m.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.Buy,
		Type:   types.OrderTypeMarket,
		Amount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if order.Status != types.OrderClosed {
		t.Fatalf("status = %s, want closed", order.Status)
	}
	want := (10*1 + 11*2) / 3.0
	if math.Abs(order.Average-want) > 1e-9 {
		t.Errorf("avg fill = %v, want %v", order.Average, want)
	}
	if order.Fee == nil || order.Fee.Rate == nil || *order.Fee.Rate != market.TakerFee {
		t.Errorf("fee = %+v, want taker rate", order.Fee)
	}
}

func TestDryRunMarketFillSlippageCap(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{
		Symbol: "BTC/USDT",
		Asks:   []types.PriceLevel{{Price: 10, Amount: 0.5}, {Price: 20, Amount: 10}},
	})
	m := newDryManager(t, v, testCaps(t, nil), testMarket())

	order, err := m.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.Buy,
		Type:   types.OrderTypeMarket,
		Amount: 3,
		Price:  10, // reference rate: cap at 10*1.05
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Average != 10.5 {
		t.Errorf("capped fill = %v, want 10.5", order.Average)
	}
}

func TestDryRunLimitRoundTrip(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{
		Symbol: "BTC/USDT",
		Asks:   []types.PriceLevel{{Price: 101, Amount: 5}},
		Bids:   []types.PriceLevel{{Price: 100, Amount: 5}},
	})
	market := testMarket()
	m := newDryManager(t, v, testCaps(t, nil), market)

	order, err := m.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.Buy,
		Type:   types.OrderTypeLimit,
		Amount: 1,
		Price:  99.5, // below the ask: rests open
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderOpen {
		t.Fatalf("status = %s, want open", order.Status)
	}

	// Book unchanged: poll leaves it open.
	polled, err := m.dry.CheckLimitOrderFilled(context.Background(), order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Status != types.OrderOpen {
		t.Fatalf("polled status = %s, want open", polled.Status)
	}

	// Ask drops through the limit: poll closes at the limit, maker fee.
	v.book.Asks[0].Price = 99.5
	polled, err = m.dry.CheckLimitOrderFilled(context.Background(), order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Status != types.OrderClosed {
		t.Fatalf("polled status = %s, want closed", polled.Status)
	}
	if polled.Average != 99.5 {
		t.Errorf("fill price = %v, want limit 99.5", polled.Average)
	}
	if polled.Fee == nil || *polled.Fee.Rate != market.MakerFee {
		t.Errorf("fee = %+v, want maker rate", polled.Fee)
	}

	// Identifiers survive the round trip.
	fetched, err := m.FetchOrder(context.Background(), order.ID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if fetched.ID != order.ID || fetched.Symbol != order.Symbol {
		t.Errorf("identifiers mangled: %+v", fetched)
	}
	if trades := m.dry.TradesForOrder(order.ID); len(trades) != 1 {
		t.Errorf("fills = %d, want 1", len(trades))
	}
}

func TestDryRunAggressiveLimitConverts(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{
		Symbol: "BTC/USDT",
		Asks:   []types.PriceLevel{{Price: 100, Amount: 10}},
		Bids:   []types.PriceLevel{{Price: 99, Amount: 10}},
	})
	m := newDryManager(t, v, testCaps(t, nil), testMarket())

	// Limit 102 crosses the 100 ask by 2%: silently a market order.
	order, err := m.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.Buy,
		Type:   types.OrderTypeLimit,
		Amount: 1,
		Price:  102,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Type != types.OrderTypeMarket {
		t.Errorf("type = %s, want market after conversion", order.Type)
	}
	if order.Status != types.OrderClosed {
		t.Errorf("status = %s, want closed", order.Status)
	}

	// Limit 100.5 crosses by only 0.5%: fills as a limit at the taker rate.
	order, err = m.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.Buy,
		Type:   types.OrderTypeLimit,
		Amount: 1,
		Price:  100.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Type != types.OrderTypeLimit || order.Status != types.OrderClosed {
		t.Errorf("mildly-crossed limit: type=%s status=%s, want limit/closed", order.Type, order.Status)
	}
	if *order.Fee.Rate != testMarket().TakerFee {
		t.Errorf("immediate fill fee = %v, want taker", *order.Fee.Rate)
	}
}

func TestDryRunStopHeldUntilTriggered(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{
		Symbol: "BTC/USDT",
		Asks:   []types.PriceLevel{{Price: 101, Amount: 5}},
		Bids:   []types.PriceLevel{{Price: 100, Amount: 5}},
	})
	m := newDryManager(t, v, testCaps(t, nil), testMarket())

	order, err := m.CreateStoploss(context.Background(), types.OrderRequest{
		Symbol:    "BTC/USDT",
		Side:      types.Sell,
		Type:      types.OrderTypeStopLimit,
		Amount:    1,
		StopPrice: 95,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderOpen {
		t.Fatalf("stop status = %s, want open", order.Status)
	}
	// Derived limit: 95 * 0.99, rounded to price precision.
	if math.Abs(order.Price-94.05) > 0.01 {
		t.Errorf("stop limit = %v, want about 94.05", order.Price)
	}

	// The bid (100) is above the 94.05 limit, but the stop sentinel keeps
	// the poll from filling it.
	polled, err := m.dry.CheckLimitOrderFilled(context.Background(), order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Status != types.OrderOpen {
		t.Fatalf("stop filled by poll: %s", polled.Status)
	}

	triggered, err := m.dry.TriggerStoploss(order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if triggered.Status != types.OrderClosed || triggered.Average != order.Price {
		t.Errorf("triggered = %+v, want closed at the limit", triggered)
	}
}

func TestDryRunCancel(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{
		Symbol: "BTC/USDT",
		Asks:   []types.PriceLevel{{Price: 101, Amount: 5}},
		Bids:   []types.PriceLevel{{Price: 100, Amount: 5}},
	})
	m := newDryManager(t, v, testCaps(t, nil), testMarket())

	order, err := m.CreateOrder(context.Background(), types.OrderRequest{
		Symbol: "BTC/USDT",
		Side:   types.Buy,
		Type:   types.OrderTypeLimit,
		Amount: 2,
		Price:  99,
	})
	if err != nil {
		t.Fatal(err)
	}

	canceled, err := m.CancelOrder(context.Background(), order.ID, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if canceled.Status != types.OrderCanceled || canceled.Filled != 0 || canceled.Remaining != 2 {
		t.Errorf("cancel = %+v, want canceled/0/2", canceled)
	}
}

func TestEmulatedFetchOrder(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{})
	v.closed["abc"] = &types.Order{ID: "abc", Symbol: "BTC/USDT", Status: types.OrderClosed}

	m := NewManager(v, testCaps(t, nil), marketLookup(testMarket()), nil, 0.99, testLogger())

	// Base.FetchOrder is unsupported, so the manager falls through to the
	// open/closed emulation and finds it among the closed orders.
	order, err := m.FetchOrder(context.Background(), "abc", "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != types.OrderClosed {
		t.Errorf("status = %s, want closed", order.Status)
	}

	// Unknown on both sides surfaces as retryable.
	_, err = m.FetchOrder(context.Background(), "missing", "BTC/USDT")
	if !exerr.Is(err, exerr.KindRetryableOrder) {
		t.Errorf("missing order error = %v, want retryable_order", err)
	}
}

func TestWindowedFetchOrdersDedupes(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{})
	v.orderPages = [][]types.Order{
		{{ID: "o1", Symbol: "BTC/USDT"}, {ID: "o2", Symbol: "BTC/USDT"}},
		{{ID: "o2", Symbol: "BTC/USDT"}, {ID: "o3", Symbol: "BTC/USDT"}},
	}
	caps := testCaps(t, map[string]any{"fetch_orders_limit_minutes": 60})
	m := NewManager(v, caps, marketLookup(testMarket()), nil, 0.99, testLogger())

	sinceMs := time.Now().Add(-90 * time.Minute).UnixMilli()
	orders, err := m.FetchOrders(context.Background(), "BTC/USDT", sinceMs)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 3 {
		t.Errorf("len = %d, want 3 after dedupe", len(orders))
	}
}

func TestCreateStoplossRequiresCapability(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{})
	m := NewManager(v, testCaps(t, nil), marketLookup(testMarket()), nil, 0.99, testLogger())

	_, err := m.CreateStoploss(context.Background(), types.OrderRequest{
		Symbol:    "BTC/USDT",
		Side:      types.Sell,
		Type:      types.OrderTypeStopMarket,
		Amount:    1,
		StopPrice: 90,
	})
	if !exerr.Is(err, exerr.KindOperational) {
		t.Errorf("err = %v, want operational", err)
	}
}

func TestFeeRateExtraction(t *testing.T) {
	t.Parallel()

	v := newBookVenue(types.OrderBook{})
	market := testMarket()
	caps := testCaps(t, nil)
	rates := pricing.NewRateEngine(v, caps, config.PricingConfig{}, testLogger())
	m := NewManager(v, caps, marketLookup(market), rates, 0.99, testLogger())

	// Quote-currency fee: rate = cost / order cost.
	rate, err := m.FeeRate(context.Background(), "BTC/USDT", &types.OrderFee{Currency: "USDT", Cost: 1}, 1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0.001 {
		t.Errorf("quote fee rate = %v, want 0.001", rate)
	}

	// Base-currency fee: rate = cost / amount.
	rate, err = m.FeeRate(context.Background(), "BTC/USDT", &types.OrderFee{Currency: "BTC", Cost: 0.002}, 2, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0.001 {
		t.Errorf("base fee rate = %v, want 0.001", rate)
	}

	// A venue-reported rate passes through untouched.
	r := 0.00075
	rate, err = m.FeeRate(context.Background(), "BTC/USDT", &types.OrderFee{Currency: "USDT", Cost: 5, Rate: &r}, 1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if rate != r {
		t.Errorf("explicit rate = %v, want %v", rate, r)
	}

	// Nil fee means nothing was charged.
	if rate, _ := m.FeeRate(context.Background(), "BTC/USDT", nil, 1, 1000); rate != 0 {
		t.Errorf("nil fee rate = %v, want 0", rate)
	}
}
