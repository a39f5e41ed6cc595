// paginate.go implements the two trade-history pagination dialects. The
// capability matrix selects one per venue:
//
//   - time-based: advance a since cursor to the last trade's timestamp
//   - id-based:   seed with one time-based call, then follow from_id cursors
//
// Both honour cancellation at page boundaries by logging and returning the
// partial result, and both stop once the last timestamp passes until.
package trades

import (
	"context"
	"log/slog"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// pageLimit is the row budget requested per call; venues clamp it to their
// own maximum.
const pageLimit = 1000

// maxPages is a runaway bound; no venue needs this many pages for the spans
// the engine requests.
const maxPages = 500

// Paginator pulls public trade history from one venue.
type Paginator struct {
	adapter venue.Adapter
	caps    *capmatrix.Matrix
	logger  *slog.Logger
}

// NewPaginator wires a paginator for the venue.
func NewPaginator(adapter venue.Adapter, caps *capmatrix.Matrix, logger *slog.Logger) *Paginator {
	return &Paginator{adapter: adapter, caps: caps, logger: logger.With("component", "trade_paginate")}
}

// FetchRange pulls all trades of pair in [sinceMs, untilMs], selecting the
// dialect from the capability matrix. Venues with neither dialect are not
// paginatable and abort the caller.
func (p *Paginator) FetchRange(ctx context.Context, pair string, sinceMs, untilMs int64) ([]types.Trade, error) {
	if !p.caps.Has("trades_has_history") {
		return nil, exerr.New(exerr.KindOperational, "%s has no public trade history", p.adapter.Name())
	}
	switch p.caps.TradesPagination {
	case capmatrix.PaginateTime:
		return p.fetchTimePaginated(ctx, pair, sinceMs, untilMs)
	case capmatrix.PaginateID:
		return p.fetchIDPaginated(ctx, pair, sinceMs, untilMs)
	default:
		return nil, exerr.New(exerr.KindOperational, "%s is not paginatable: no trade pagination dialect configured", p.adapter.Name())
	}
}

func (p *Paginator) fetchPage(ctx context.Context, pair string, sinceMs int64) ([]types.Trade, error) {
	return exerr.RetryValue(ctx, p.logger, exerr.DefaultAttempts, "fetch_trades", func() ([]types.Trade, error) {
		return p.adapter.FetchTrades(ctx, pair, sinceMs, pageLimit)
	})
}

func (p *Paginator) fetchPageFrom(ctx context.Context, pair, fromID string) ([]types.Trade, error) {
	return exerr.RetryValue(ctx, p.logger, exerr.DefaultAttempts, "fetch_trades_from", func() ([]types.Trade, error) {
		return p.adapter.FetchTradesFrom(ctx, pair, fromID, pageLimit)
	})
}

// fetchTimePaginated advances the since cursor to the last trade of each
// page. Termination: empty page, a single-row page with an unchanged
// cursor (venue exhausted), or the last timestamp passing untilMs.
func (p *Paginator) fetchTimePaginated(ctx context.Context, pair string, sinceMs, untilMs int64) ([]types.Trade, error) {
	var collected []types.Trade
	cursor := sinceMs

	for page := 0; page < maxPages; page++ {
		if ctx.Err() != nil {
			p.logger.Info("trade pull cancelled, returning partial result",
				"pair", pair, "trades", len(collected))
			return Merge(nil, collected), nil
		}

		rows, err := p.fetchPage(ctx, pair, cursor)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		last := rows[len(rows)-1]
		collected = append(collected, rows...)

		if len(rows) == 1 && last.TS == cursor {
			break
		}
		if last.TS >= untilMs {
			break
		}
		cursor = last.TS
	}
	return clampUntil(Merge(nil, collected), untilMs), nil
}

// fetchIDPaginated seeds the id cursor with one time-based call, then
// follows from_id pages. When the venue marks overlap, the last trade of
// each page is the first of the next; it is withheld during the loop and
// appended once at the end so equal-timestamp boundaries lose nothing.
func (p *Paginator) fetchIDPaginated(ctx context.Context, pair string, sinceMs, untilMs int64) ([]types.Trade, error) {
	seed, err := p.fetchPage(ctx, pair, sinceMs)
	if err != nil {
		return nil, err
	}
	if len(seed) == 0 {
		return nil, nil
	}

	overlap := p.caps.TradesPaginationOverlap
	var collected []types.Trade
	var lastTrade types.Trade

	appendPage := func(rows []types.Trade) {
		lastTrade = rows[len(rows)-1]
		if overlap {
			collected = append(collected, rows[:len(rows)-1]...)
		} else {
			collected = append(collected, rows...)
		}
	}
	appendPage(seed)
	fromID := lastTrade.ID

	for page := 0; page < maxPages; page++ {
		if ctx.Err() != nil {
			p.logger.Info("trade pull cancelled, returning partial result",
				"pair", pair, "trades", len(collected))
			break
		}
		if lastTrade.TS >= untilMs {
			break
		}

		rows, err := p.fetchPageFrom(ctx, pair, fromID)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		appendPage(rows)
		if lastTrade.ID == fromID {
			break
		}
		fromID = lastTrade.ID
	}

	if overlap {
		collected = append(collected, lastTrade)
	}
	return clampUntil(Merge(nil, collected), untilMs), nil
}

// clampUntil drops trades newer than untilMs. Pages are fetched whole, so
// the final page can overshoot the requested range.
func clampUntil(rows []types.Trade, untilMs int64) []types.Trade {
	if untilMs <= 0 {
		return rows
	}
	cut := len(rows)
	for cut > 0 && rows[cut-1].TS > untilMs {
		cut--
	}
	return rows[:cut]
}
