package leverage

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"exchange-engine/internal/exerr"
	"exchange-engine/internal/store"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func threeTiers() []types.LeverageTier {
	return []types.LeverageTier{
		{MinNotional: 0, MaxNotional: 50_000, MaintenanceRatio: 0.004, MaxLeverage: 50},
		{MinNotional: 50_000, MaxNotional: 250_000, MaintenanceRatio: 0.005, MaxLeverage: 20},
		{MinNotional: 250_000, MaxNotional: 1_000_000, MaintenanceRatio: 0.01, MaxLeverage: 10},
	}
}

func managerWith(symbol string, tiers []types.LeverageTier) *Manager {
	m := NewManager(venue.NewBase("test"), nil, testLogger())
	m.setAll(map[string][]types.LeverageTier{symbol: tiers})
	return m
}

func TestMaxLeverageTierPick(t *testing.T) {
	t.Parallel()

	m := managerWith("BTC/USDT:USDT", threeTiers())

	cases := []struct {
		stake float64
		want  float64
	}{
		{0, 50},     // zero stake: first tier
		{2_000, 50}, // below the second tier's entry floor (2.5k)
		{6_000, 20}, // notional 6k*20 = 120k sits in the second tier
		{30_000, 10},
	}
	for _, c := range cases {
		got, err := m.MaxLeverage("BTC/USDT:USDT", c.stake)
		if err != nil {
			t.Fatalf("MaxLeverage(%v): %v", c.stake, err)
		}
		if got != c.want {
			t.Errorf("MaxLeverage(%v) = %v, want %v", c.stake, got, c.want)
		}
	}

	// A stake beyond the last tier's capacity is unplaceable.
	if _, err := m.MaxLeverage("BTC/USDT:USDT", 2_000_000); !exerr.Is(err, exerr.KindInvalidOrder) {
		t.Errorf("oversized stake error = %v, want invalid_order", err)
	}
}

func TestValidateTiers(t *testing.T) {
	t.Parallel()

	if err := Validate(threeTiers()); err != nil {
		t.Errorf("valid tiers rejected: %v", err)
	}

	gapped := threeTiers()
	gapped[1].MinNotional = 60_000
	if err := Validate(gapped); err == nil {
		t.Error("gapped tiers accepted")
	}

	nonDecreasing := threeTiers()
	nonDecreasing[1].MaxLeverage = 50
	if err := Validate(nonDecreasing); err == nil {
		t.Error("non-decreasing leverage accepted")
	}

	offsetStart := threeTiers()
	offsetStart[0].MinNotional = 100
	if err := Validate(offsetStart); err == nil {
		t.Error("tier list not starting at 0 accepted")
	}
}

func TestMaintenanceRatioLookup(t *testing.T) {
	t.Parallel()

	m := managerWith("BTC/USDT:USDT", threeTiers())

	ratio, _, err := m.MaintenanceRatio("BTC/USDT:USDT", 100_000)
	if err != nil {
		t.Fatal(err)
	}
	if ratio != 0.005 {
		t.Errorf("ratio = %v, want 0.005", ratio)
	}

	if cap := m.NotionalCap("BTC/USDT:USDT"); cap != 1_000_000 {
		t.Errorf("notional cap = %v, want 1000000", cap)
	}
	if cap := m.NotionalCap("UNKNOWN"); cap != 0 {
		t.Errorf("unknown symbol cap = %v, want 0", cap)
	}
}

// tierVenue serves per-symbol tiers for the concurrent loader.
type tierVenue struct {
	venue.Base
	perSymbol map[string][]types.LeverageTier
}

func (v *tierVenue) FetchMarketLeverageTiers(_ context.Context, pair string) ([]types.LeverageTier, error) {
	return v.perSymbol[pair], nil
}

func TestLoadPerSymbolAndSidecar(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	tv := &tierVenue{Base: venue.NewBase("tiered"), perSymbol: map[string][]types.LeverageTier{
		"BTC/USDT:USDT": threeTiers(),
		"ETH/USDT:USDT": threeTiers(),
	}}
	m := NewManager(tv, st, testLogger())

	symbols := []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}
	if err := m.Load(context.Background(), "USDT", symbols, false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Tiers("ETH/USDT:USDT")) != 3 {
		t.Fatal("per-symbol load incomplete")
	}

	// A second manager must warm from the sidecar without touching the venue.
	cold := NewManager(venue.NewBase("offline"), st, testLogger())
	if err := cold.Load(context.Background(), "USDT", symbols, false); err != nil {
		t.Fatalf("sidecar load: %v", err)
	}
	if len(cold.Tiers("BTC/USDT:USDT")) != 3 {
		t.Error("sidecar warm start failed")
	}
}

func TestLiquidationPriceIsolatedLinear(t *testing.T) {
	t.Parallel()

	market := &types.Market{Symbol: "BTC/USDT:USDT", Kind: types.MarketLinearSwap}

	long, err := LiquidationPrice(LiquidationInput{
		Market:        market,
		MarginMode:    types.MarginIsolated,
		OpenRate:      100,
		Amount:        1,
		WalletBalance: 10,
		MMRatio:       0.004,
		TakerFeeRate:  0.001,
	})
	if err != nil {
		t.Fatal(err)
	}
	wantLong := (100.0 - 10.0) / (1 - 0.005)
	if math.Abs(long-wantLong) > 1e-9 {
		t.Errorf("long liq = %v, want %v", long, wantLong)
	}

	short, err := LiquidationPrice(LiquidationInput{
		Market:        market,
		MarginMode:    types.MarginIsolated,
		IsShort:       true,
		OpenRate:      100,
		Amount:        1,
		WalletBalance: 10,
		MMRatio:       0.004,
		TakerFeeRate:  0.001,
	})
	if err != nil {
		t.Fatal(err)
	}
	wantShort := (100.0 + 10.0) / (1 + 0.005)
	if math.Abs(short-wantShort) > 1e-9 {
		t.Errorf("short liq = %v, want %v", short, wantShort)
	}

	// The buffer shifts the estimate away from zero.
	buffered, err := LiquidationPrice(LiquidationInput{
		Market:        market,
		MarginMode:    types.MarginIsolated,
		OpenRate:      100,
		Amount:        1,
		WalletBalance: 10,
		MMRatio:       0.004,
		TakerFeeRate:  0.001,
		Buffer:        0.05,
	})
	if err != nil {
		t.Fatal(err)
	}
	if buffered <= long {
		t.Errorf("buffered long liq %v not above raw %v", buffered, long)
	}
}

func TestLiquidationPriceRejections(t *testing.T) {
	t.Parallel()

	inverse := &types.Market{Symbol: "BTC/USD:BTC", Kind: types.MarketInverseSwap}
	if _, err := LiquidationPrice(LiquidationInput{
		Market: inverse, MarginMode: types.MarginIsolated, OpenRate: 100, Amount: 1,
	}); !exerr.Is(err, exerr.KindOperational) {
		t.Errorf("inverse contract error = %v, want operational", err)
	}

	linear := &types.Market{Symbol: "BTC/USDT:USDT", Kind: types.MarketLinearSwap}
	if _, err := LiquidationPrice(LiquidationInput{
		Market: linear, MarginMode: types.MarginCross, OpenRate: 100, Amount: 1,
	}); !exerr.Is(err, exerr.KindOperational) {
		t.Errorf("cross margin error = %v, want operational", err)
	}
}
