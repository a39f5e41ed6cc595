// Package ws implements the candle push feed.
//
// One connection per venue streams kline updates for the scheduled
// (pair, timeframe, kind) keys. The feed keeps a bounded per-key buffer the
// refresh engine serves from when the push is fresh enough, and records the
// last push time per key so staleness is cheap to check.
//
// The connection auto-reconnects with exponential backoff (1s up to 30s)
// and re-subscribes to all tracked keys. A read deadline detects silent
// server failures within about two missed pings.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"exchange-engine/internal/metrics"
	"exchange-engine/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages

	// bufferCandles bounds the per-key push buffer.
	bufferCandles = 100
)

// Dialect translates between the venue's kline wire format and the engine.
// The feed itself is venue-neutral.
type Dialect interface {
	// SubscribeMessage builds the payload subscribing the given keys.
	SubscribeMessage(keys []types.TableKey) any
	// ParseCandle decodes one raw frame. ok is false for frames that are
	// not kline updates (acks, heartbeats, other channels).
	ParseCandle(data []byte) (types.TableKey, types.Candle, bool)
}

// Feed maintains the WebSocket connection and the push buffers.
type Feed struct {
	url     string
	dialect Dialect
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[types.TableKey]bool

	bufMu       sync.RWMutex
	buffers     map[types.TableKey][]types.Candle
	lastRefresh map[types.TableKey]int64
}

// NewFeed creates a feed for the venue's kline stream.
func NewFeed(wsURL string, dialect Dialect, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsURL,
		dialect:     dialect,
		logger:      logger.With("component", "ws_candles"),
		subscribed:  make(map[types.TableKey]bool),
		buffers:     make(map[types.TableKey][]types.Candle),
		lastRefresh: make(map[types.TableKey]int64),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Schedule adds a key to the subscription set. Already-scheduled keys are
// a no-op; new ones are subscribed on the live connection when there is one.
func (f *Feed) Schedule(pair, timeframe string, kind types.CandleKind) {
	key := types.TableKey{Pair: pair, Timeframe: timeframe, Kind: kind}

	f.subscribedMu.Lock()
	if f.subscribed[key] {
		f.subscribedMu.Unlock()
		return
	}
	f.subscribed[key] = true
	f.subscribedMu.Unlock()

	if err := f.writeJSON(f.dialect.SubscribeMessage([]types.TableKey{key})); err != nil {
		// The reconnect path re-subscribes everything tracked.
		f.logger.Debug("subscribe deferred to next connect", "key", key.String(), "error", err)
	}
}

// OHLCVs returns the push buffer for a pair and timeframe. Buffers are
// keyed on the candle kind too; the spot/futures kind of the pair wins
// when both exist.
func (f *Feed) OHLCVs(pair, timeframe string) []types.Candle {
	f.bufMu.RLock()
	defer f.bufMu.RUnlock()
	var out []types.Candle
	for key, rows := range f.buffers {
		if key.Pair != pair || key.Timeframe != timeframe {
			continue
		}
		if out == nil || key.Kind == types.CandleSpot || key.Kind == types.CandleFutures {
			out = make([]types.Candle, len(rows))
			copy(out, rows)
		}
	}
	return out
}

// KlinesLastRefresh returns the wall-clock ms of the key's last push.
func (f *Feed) KlinesLastRefresh(key types.TableKey) int64 {
	f.bufMu.RLock()
	defer f.bufMu.RUnlock()
	return f.lastRefresh[key]
}

// ResetConnections drops the connection; Run dials again and re-subscribes.
// Called periodically so one stale subscription cannot linger forever.
func (f *Feed) ResetConnections(context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "subscriptions", f.subscriptionCount())

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) resubscribe() error {
	f.subscribedMu.RLock()
	keys := make([]types.TableKey, 0, len(f.subscribed))
	for key := range f.subscribed {
		keys = append(keys, key)
	}
	f.subscribedMu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	return f.writeJSON(f.dialect.SubscribeMessage(keys))
}

func (f *Feed) subscriptionCount() int {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	return len(f.subscribed)
}

// dispatchMessage folds one kline frame into its buffer: an update to the
// newest candle replaces it, a newer open appends, stale frames drop.
func (f *Feed) dispatchMessage(data []byte) {
	key, candle, ok := f.dialect.ParseCandle(data)
	if !ok {
		return
	}

	f.bufMu.Lock()
	defer f.bufMu.Unlock()

	rows := f.buffers[key]
	switch {
	case len(rows) == 0 || candle.TS > rows[len(rows)-1].TS:
		rows = append(rows, candle)
	case candle.TS == rows[len(rows)-1].TS:
		rows[len(rows)-1] = candle
	default:
		return // out-of-order frame
	}
	if len(rows) > bufferCandles {
		rows = rows[len(rows)-bufferCandles:]
	}
	f.buffers[key] = rows
	f.lastRefresh[key] = time.Now().UnixMilli()
	metrics.CountWSCandle()
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
