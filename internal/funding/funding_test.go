package funding

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCaps(t *testing.T) *capmatrix.Matrix {
	t.Helper()
	m, err := capmatrix.Resolve(map[string]any{
		"mark_ohlcv_price":      "mark",
		"mark_ohlcv_timeframe":  "8h",
		"funding_fee_timeframe": "8h",
	}, nil, nil, true)
	if err != nil {
		t.Fatalf("caps: %v", err)
	}
	return m
}

type fixedCandles struct {
	tables map[types.TableKey][]types.Candle
}

func (f *fixedCandles) Refresh(_ context.Context, keys []types.TableKey, _ int64) map[types.TableKey][]types.Candle {
	out := map[types.TableKey][]types.Candle{}
	for _, k := range keys {
		out[k] = f.tables[k]
	}
	return out
}

type fundingVenue struct {
	venue.Base
	payments []types.FundingPayment
}

func (v *fundingVenue) FetchFundingHistory(context.Context, string, int64) ([]types.FundingPayment, error) {
	return v.payments, nil
}

const hour8 = int64(8 * 3600 * 1000)

func fundingTables(pair string, marks, rates []types.Candle) *fixedCandles {
	return &fixedCandles{tables: map[types.TableKey][]types.Candle{
		{Pair: pair, Timeframe: "8h", Kind: types.CandleMark}:        marks,
		{Pair: pair, Timeframe: "8h", Kind: types.CandleFundingRate}: rates,
	}}
}

func TestLiveFeesSum(t *testing.T) {
	t.Parallel()

	v := &fundingVenue{Base: venue.NewBase("f"), payments: []types.FundingPayment{
		{TS: 1, Amount: 0.5}, {TS: 2, Amount: -0.2}, {TS: 3, Amount: 0.1},
	}}
	c := NewCalculator(v, testCaps(t), nil, nil, testLogger())

	sum, err := c.LiveFees(context.Background(), "BTC/USDT:USDT", time.UnixMilli(0))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(sum-0.4) > 1e-12 {
		t.Errorf("sum = %v, want 0.4", sum)
	}
}

func TestDryFeesInnerJoin(t *testing.T) {
	t.Parallel()

	marks := []types.Candle{
		{TS: 0, Open: 100},
		{TS: hour8, Open: 110},
		{TS: 2 * hour8, Open: 120}, // no matching rate: dropped by inner join
	}
	rates := []types.Candle{
		{TS: 0, Open: 0.0001},
		{TS: hour8, Open: 0.0002},
	}
	c := NewCalculator(venue.NewBase("f"), testCaps(t), fundingTables("BTC/USDT:USDT", marks, rates), nil, testLogger())

	open := time.UnixMilli(0)
	close := time.UnixMilli(3 * hour8)

	// Short pays nothing here; shorts receive what longs pay, and the
	// venue convention reports the sum as positive for shorts.
	short, err := c.DryFees(context.Background(), "BTC/USDT:USDT", 2, true, open, close)
	if err != nil {
		t.Fatal(err)
	}
	want := (100*0.0001 + 110*0.0002) * 2
	if math.Abs(short-want) > 1e-12 {
		t.Errorf("short fees = %v, want %v", short, want)
	}

	long, err := c.DryFees(context.Background(), "BTC/USDT:USDT", 2, false, open, close)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(long+want) > 1e-12 {
		t.Errorf("long fees = %v, want %v", long, -want)
	}
}

func TestDryFeesOuterJoinWithFallback(t *testing.T) {
	t.Parallel()

	marks := []types.Candle{
		{TS: 0, Open: 100},
		{TS: hour8, Open: 110},
	}
	rates := []types.Candle{{TS: 0, Open: 0.0001}}
	fallback := 0.0003
	c := NewCalculator(venue.NewBase("f"), testCaps(t), fundingTables("BTC/USDT:USDT", marks, rates), &fallback, testLogger())

	got, err := c.DryFees(context.Background(), "BTC/USDT:USDT", 1, true, time.UnixMilli(0), time.UnixMilli(2*hour8))
	if err != nil {
		t.Fatal(err)
	}
	want := 100*0.0001 + 110*0.0003
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("fees = %v, want %v with fallback rate", got, want)
	}
}

func TestDryFeesRangeFilter(t *testing.T) {
	t.Parallel()

	marks := []types.Candle{
		{TS: 0, Open: 100},
		{TS: hour8, Open: 110},
		{TS: 2 * hour8, Open: 120},
	}
	rates := []types.Candle{
		{TS: 0, Open: 0.001},
		{TS: hour8, Open: 0.001},
		{TS: 2 * hour8, Open: 0.001},
	}
	c := NewCalculator(venue.NewBase("f"), testCaps(t), fundingTables("BTC/USDT:USDT", marks, rates), nil, testLogger())

	// Close before the last cutoff: the 2*hour8 row is out of range.
	got, err := c.DryFees(context.Background(), "BTC/USDT:USDT", 1, true, time.UnixMilli(0), time.UnixMilli(hour8))
	if err != nil {
		t.Fatal(err)
	}
	want := 100*0.001 + 110*0.001
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("fees = %v, want %v", got, want)
	}
}

func TestAlignOpen(t *testing.T) {
	t.Parallel()

	// Exactly on the hour with sub-second noise: aligned down.
	noisy := time.Date(2024, 5, 1, 8, 0, 0, 500_000_000, time.UTC)
	if got := alignOpen(noisy); got != noisy.Truncate(time.Hour) {
		t.Errorf("alignOpen(%v) = %v", noisy, got)
	}

	// Mid-hour opens stay untouched.
	mid := time.Date(2024, 5, 1, 8, 17, 3, 0, time.UTC)
	if got := alignOpen(mid); got != mid {
		t.Errorf("alignOpen(%v) = %v", mid, got)
	}
}
