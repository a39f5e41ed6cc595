package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"exchange-engine/pkg/types"
)

type jsonDialect struct{}

type wireKline struct {
	Pair      string  `json:"pair"`
	Timeframe string  `json:"tf"`
	TS        int64   `json:"ts"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

func (jsonDialect) SubscribeMessage(keys []types.TableKey) any {
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k.Pair
	}
	return map[string]any{"op": "subscribe", "args": pairs}
}

func (jsonDialect) ParseCandle(data []byte) (types.TableKey, types.Candle, bool) {
	var w wireKline
	if err := json.Unmarshal(data, &w); err != nil || w.Pair == "" {
		return types.TableKey{}, types.Candle{}, false
	}
	key := types.TableKey{Pair: w.Pair, Timeframe: w.Timeframe, Kind: types.CandleSpot}
	return key, types.Candle{TS: w.TS, Open: w.Open, High: w.High, Low: w.Low, Close: w.Close, Volume: w.Volume}, true
}

func newTestFeed() *Feed {
	return NewFeed("ws://unused", jsonDialect{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func frame(t *testing.T, w wireKline) []byte {
	t.Helper()
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDispatchAppendsAndReplaces(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage(frame(t, wireKline{Pair: "BTC/USDT", Timeframe: "5m", TS: 1000, Close: 10}))
	f.dispatchMessage(frame(t, wireKline{Pair: "BTC/USDT", Timeframe: "5m", TS: 2000, Close: 11}))
	// Update of the in-progress candle replaces the last row.
	f.dispatchMessage(frame(t, wireKline{Pair: "BTC/USDT", Timeframe: "5m", TS: 2000, Close: 12}))

	rows := f.OHLCVs("BTC/USDT", "5m")
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[1].Close != 12 {
		t.Errorf("last close = %v, want the replacement 12", rows[1].Close)
	}

	key := types.TableKey{Pair: "BTC/USDT", Timeframe: "5m", Kind: types.CandleSpot}
	if f.KlinesLastRefresh(key) == 0 {
		t.Error("last refresh not recorded")
	}
}

func TestDispatchDropsStaleFrames(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage(frame(t, wireKline{Pair: "BTC/USDT", Timeframe: "5m", TS: 2000, Close: 11}))
	f.dispatchMessage(frame(t, wireKline{Pair: "BTC/USDT", Timeframe: "5m", TS: 1000, Close: 10}))

	rows := f.OHLCVs("BTC/USDT", "5m")
	if len(rows) != 1 || rows[0].TS != 2000 {
		t.Errorf("stale frame accepted: %+v", rows)
	}
}

func TestDispatchIgnoresNonKlineFrames(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{"op":"pong"}`))
	f.dispatchMessage([]byte(`not json`))

	if rows := f.OHLCVs("BTC/USDT", "5m"); rows != nil {
		t.Errorf("noise produced candles: %+v", rows)
	}
}

func TestBufferBound(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	for i := 0; i < bufferCandles+50; i++ {
		f.dispatchMessage(frame(t, wireKline{Pair: "BTC/USDT", Timeframe: "5m", TS: int64(i) * 1000, Close: 1}))
	}
	rows := f.OHLCVs("BTC/USDT", "5m")
	if len(rows) != bufferCandles {
		t.Errorf("buffer len = %d, want %d", len(rows), bufferCandles)
	}
}

func TestScheduleIdempotent(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.Schedule("BTC/USDT", "5m", types.CandleSpot)
	f.Schedule("BTC/USDT", "5m", types.CandleSpot)
	if f.subscriptionCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", f.subscriptionCount())
	}
}
