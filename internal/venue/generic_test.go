package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

func gatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{
			"symbol":"BTC/USDT","base":"BTC","quote":"USDT","kind":"spot",
			"precision_amount":0.0001,"precision_price":0.01,
			"amount_min":0.0001,"cost_min":10,
			"active":true,"taker_fee":0.001,"maker_fee":0.0005
		}]`))
	})
	mux.HandleFunc("/api/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "" {
			http.Error(w, "missing symbol", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`[[1000,1,2,0.5,1.5,10],[301000,1.5,2.5,1,2,12]]`))
	})
	mux.HandleFunc("/api/v1/ticker", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTC/USDT","bid":99,"ask":101,"last":100}`))
	})
	mux.HandleFunc("/api/v1/orders/404", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "order not found", http.StatusNotFound)
	})
	mux.HandleFunc("/api/v1/ratelimited", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGenericLoadMarkets(t *testing.T) {
	t.Parallel()
	srv := gatewayServer(t)
	g := NewGeneric(srv.URL)
	defer g.Close()

	markets, err := g.LoadMarkets(context.Background())
	if err != nil {
		t.Fatalf("LoadMarkets: %v", err)
	}
	m, ok := markets["BTC/USDT"]
	if !ok {
		t.Fatal("BTC/USDT missing")
	}
	if m.Kind != types.MarketSpot || !m.Active {
		t.Errorf("market mangled: %+v", m)
	}
	if m.ContractSize != 1 {
		t.Errorf("contract size default = %v, want 1", m.ContractSize)
	}
	if m.Limits.Amount.Min == nil || *m.Limits.Amount.Min != 0.0001 {
		t.Errorf("amount min lost: %+v", m.Limits.Amount)
	}
	if m.Limits.Amount.Max != nil {
		t.Error("absent amount max should stay unbounded")
	}
}

func TestGenericFetchOHLCV(t *testing.T) {
	t.Parallel()
	srv := gatewayServer(t)
	g := NewGeneric(srv.URL)
	defer g.Close()

	rows, err := g.FetchOHLCV(context.Background(), "BTC/USDT", "5m", types.CandleSpot, 0, 500)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	want := types.Candle{TS: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	if rows[0] != want {
		t.Errorf("row = %+v, want %+v", rows[0], want)
	}
}

func TestGenericErrorClassification(t *testing.T) {
	t.Parallel()
	srv := gatewayServer(t)
	g := NewGeneric(srv.URL)
	defer g.Close()

	// 404 on the order path maps to a retryable order error.
	if _, err := g.FetchOrder(context.Background(), "404", "BTC/USDT"); !exerr.Is(err, exerr.KindRetryableOrder) {
		t.Errorf("404 order error = %v, want retryable_order", err)
	}

	// 429 anywhere classifies as rate limiting.
	err := g.rest.Get(context.Background(), nil, "/api/v1/ratelimited", nil, nil)
	if !exerr.Is(err, exerr.KindDDoSProtection) {
		t.Errorf("429 error = %v, want ddos_protection", err)
	}

	// 400 classifies as an exchange error.
	err = g.rest.Get(context.Background(), nil, "/api/v1/klines", nil, nil)
	if !exerr.Is(err, exerr.KindExchange) {
		t.Errorf("400 error = %v, want exchange", err)
	}
}

func TestBaseReportsUnsupported(t *testing.T) {
	t.Parallel()
	b := NewBase("bare")

	if _, err := b.FetchOHLCV(context.Background(), "BTC/USDT", "5m", types.CandleSpot, 0, 1); !exerr.Is(err, exerr.KindOperational) {
		t.Errorf("Base.FetchOHLCV error = %v, want operational", err)
	}
	if err := b.SetLeverage(context.Background(), "BTC/USDT", 5); !exerr.Is(err, exerr.KindOperational) {
		t.Errorf("Base.SetLeverage error = %v, want operational", err)
	}
}
