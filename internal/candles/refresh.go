// refresh.go is the refresh controller of the market-data engine.
//
// Callers hand over a batch of (pair, timeframe, kind) keys once per trading
// loop; for each key the controller picks the cheapest current source:
//
//  1. cached hit      - the table already contains the last closed candle
//  2. websocket hit   - the push buffer is fresh enough to serve from
//  3. incremental REST - one call with the venue's highest limit
//  4. backfill REST    - paginated calls, bounded by the startup call count
//
// Jobs run in chunks of bounded concurrency; each chunk is awaited as a
// unit and per-task failures are logged without cancelling siblings. A
// single loop lock serialises whole batches from parallel callers.
package candles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/metrics"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// batchSize is the number of refresh tasks awaited as one chunk.
const batchSize = 100

// maxStartupCallCount bounds the paginated backfill for venues with candle
// history; configurations needing more calls are rejected at startup.
const maxStartupCallCount = 5

// Refresher keeps the candle cache current against one venue.
type Refresher struct {
	adapter venue.Adapter
	caps    *capmatrix.Matrix
	push    venue.Pusher // nil when the push feed is disabled
	cache   *Cache
	logger  *slog.Logger

	startupCount int

	// loopMu is the loop lock: refresh batches from otherwise-parallel
	// callers enter the executor one at a time.
	loopMu sync.Mutex

	now func() time.Time
}

// NewRefresher wires the refresh controller. push may be nil.
func NewRefresher(adapter venue.Adapter, caps *capmatrix.Matrix, push venue.Pusher, cache *Cache, startupCount int, logger *slog.Logger) *Refresher {
	return &Refresher{
		adapter:      adapter,
		caps:         caps,
		push:         push,
		cache:        cache,
		startupCount: startupCount,
		logger:       logger.With("component", "candle_refresh"),
		now:          time.Now,
	}
}

// RequiredCallCount is the number of paginated calls one backfill needs for
// the configured startup candle count on the given timeframe.
func (r *Refresher) RequiredCallCount(timeframe string) int {
	limit := r.caps.CandleLimit(timeframe)
	return (r.startupCount + limit) / limit
}

// ValidateStartup rejects configurations whose backfill cannot be served:
// more than maxStartupCallCount calls on a venue with history, or any
// backfill at all on a venue without it.
func (r *Refresher) ValidateStartup(timeframe string) error {
	calls := r.RequiredCallCount(timeframe)
	if !r.caps.Has("ohlcv_has_history") {
		if calls > 1 {
			return exerr.New(exerr.KindConfiguration,
				"startup_candle_count %d exceeds a single call of %d candles and %s has no candle history",
				r.startupCount, r.caps.CandleLimit(timeframe), r.adapter.Name())
		}
		return nil
	}
	if calls > maxStartupCallCount {
		return exerr.New(exerr.KindConfiguration,
			"startup_candle_count %d needs %d calls on timeframe %s; the limit is %d",
			r.startupCount, calls, timeframe, maxStartupCallCount)
	}
	return nil
}

// Refresh brings every key current and returns each key's table. sinceMs,
// when non-zero, is the earliest history the caller needs; a table whose
// oldest candle is newer than that is dropped and backfilled.
func (r *Refresher) Refresh(ctx context.Context, keys []types.TableKey, sinceMs int64) map[types.TableKey][]types.Candle {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		var wg sync.WaitGroup
		for _, key := range chunk {
			wg.Add(1)
			go func(key types.TableKey) {
				defer wg.Done()
				if err := r.refreshKey(ctx, key, sinceMs); err != nil {
					r.logger.Error("refresh failed",
						"key", key.String(),
						"error", err,
					)
				}
			}(key)
		}
		wg.Wait()
	}

	out := make(map[types.TableKey][]types.Candle, len(keys))
	for _, key := range keys {
		out[key] = r.cache.Get(key)
	}
	return out
}

func (r *Refresher) refreshKey(ctx context.Context, key types.TableKey, sinceMs int64) error {
	tfMs, err := types.TimeframeMs(key.Timeframe)
	if err != nil {
		return exerr.Wrap(exerr.KindConfiguration, err, "refresh %s", key)
	}

	now := r.now()
	currentOpen := types.CurrentCandleOpen(tfMs, now)
	prevOpen := currentOpen - tfMs
	limit := r.caps.CandleLimit(key.Timeframe)
	keepLast := limit + r.startupCount
	dropPartial := r.caps.OHLCVPartialCandle

	// Time-jump: requested history older than the oldest retained candle
	// invalidates the table.
	if oldest := r.cache.OldestTS(key); sinceMs > 0 && oldest > 0 && oldest > sinceMs {
		r.logger.Info("requested history predates cache, rebuilding",
			"key", key.String(), "oldest", oldest, "since", sinceMs)
		r.cache.Drop(key)
	}

	last := r.cache.LastRefresh(key)
	if last >= prevOpen {
		metrics.CountRefresh("cached")
		return nil
	}

	if rows, ok := r.tryWebsocket(key, tfMs, prevOpen, now); ok {
		r.cache.MergeIn(key, rows, tfMs, keepLast, dropPartial, currentOpen)
		metrics.CountRefresh("websocket")
		return nil
	}

	fetchSince := r.fetchStart(last, sinceMs, currentOpen, tfMs)
	calls := int((currentOpen-fetchSince)/tfMs)/limit + 1

	if calls <= 1 {
		rows, err := r.fetch(ctx, key, fetchSince, limit)
		if err != nil {
			return err
		}
		r.cache.MergeIn(key, rows, tfMs, keepLast, dropPartial, currentOpen)
		metrics.CountRefresh("rest")
		return nil
	}

	return r.backfill(ctx, key, fetchSince, tfMs, limit, keepLast, dropPartial, currentOpen)
}

// tryWebsocket serves a key from the push buffer when the subscription is
// warm: the feed refreshed within half a candle period and the buffer holds
// the previous candle or newer.
func (r *Refresher) tryWebsocket(key types.TableKey, tfMs, prevOpen int64, now time.Time) ([]types.Candle, bool) {
	if r.push == nil || !r.caps.Has("ws_enabled") {
		return nil, false
	}

	// Keep the subscription set current; Schedule is idempotent.
	r.push.Schedule(key.Pair, key.Timeframe, key.Kind)

	lastPush := r.push.KlinesLastRefresh(key)
	if lastPush == 0 || now.UnixMilli()-lastPush > tfMs/2 {
		return nil, false
	}
	rows := r.push.OHLCVs(key.Pair, key.Timeframe)
	if len(rows) == 0 || rows[len(rows)-1].TS < prevOpen {
		return nil, false
	}
	return rows, true
}

// fetchStart picks the first candle open to request.
func (r *Refresher) fetchStart(last, sinceMs, currentOpen, tfMs int64) int64 {
	if last > 0 {
		// Re-pull from the last closed candle so the then-partial row is
		// replaced by its final form.
		return last
	}
	if sinceMs > 0 {
		return types.CandleOpen(tfMs, sinceMs)
	}
	return currentOpen - int64(r.startupCount+1)*tfMs
}

// fetch issues one REST pull with retries. Funding-rate tables go through
// the venue's dedicated funding call and are packed into the candle layout.
func (r *Refresher) fetch(ctx context.Context, key types.TableKey, sinceMs int64, limit int) ([]types.Candle, error) {
	if key.Kind == types.CandleFundingRate {
		rows, err := exerr.RetryValue(ctx, r.logger, exerr.DefaultAttempts, "fetch_funding_rate_history", func() ([]types.Candle, error) {
			return r.adapter.FetchFundingRateHistory(ctx, key.Pair, sinceMs)
		})
		if err != nil {
			return nil, err
		}
		return PackFundingRates(rows), nil
	}
	return exerr.RetryValue(ctx, r.logger, exerr.DefaultAttempts, "fetch_ohlcv", func() ([]types.Candle, error) {
		return r.adapter.FetchOHLCV(ctx, key.Pair, key.Timeframe, key.Kind, sinceMs, limit)
	})
}

// backfill pulls history in pages until the current candle is reached, the
// venue runs dry, or the call bound is hit. Cancellation is honoured at
// page boundaries: the partial table stays merged.
func (r *Refresher) backfill(ctx context.Context, key types.TableKey, sinceMs, tfMs int64, limit, keepLast int, dropPartial bool, currentOpen int64) error {
	cursor := sinceMs
	for call := 0; call < maxStartupCallCount; call++ {
		if err := ctx.Err(); err != nil {
			r.logger.Info("backfill cancelled, keeping partial table", "key", key.String())
			return nil
		}

		rows, err := r.fetch(ctx, key, cursor, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}
		r.cache.MergeIn(key, rows, tfMs, keepLast, dropPartial, currentOpen)
		metrics.CountRefresh("backfill")

		next := rows[len(rows)-1].TS + tfMs
		if next <= cursor || next >= currentOpen {
			break
		}
		cursor = next
	}
	return nil
}
