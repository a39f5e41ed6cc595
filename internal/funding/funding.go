// Package funding accounts for perpetual-swap funding fees.
//
// Live mode sums the venue-reported funding history. Dry-run mode computes
// the charge from mark-price and funding-rate candles: the venue never saw
// the simulated position, so the engine recreates what it would have paid.
package funding

import (
	"context"
	"log/slog"
	"time"

	"exchange-engine/internal/capmatrix"
	"exchange-engine/internal/exerr"
	"exchange-engine/internal/venue"
	"exchange-engine/pkg/types"
)

// CandleSource serves candle tables; satisfied by the candle refresher.
type CandleSource interface {
	Refresh(ctx context.Context, keys []types.TableKey, sinceMs int64) map[types.TableKey][]types.Candle
}

// Calculator derives funding fees for one venue.
type Calculator struct {
	adapter venue.Adapter
	caps    *capmatrix.Matrix
	candles CandleSource
	logger  *slog.Logger

	// fallbackRate, when set, substitutes for funding rates the venue does
	// not report; mark candles without a matching rate row then still
	// contribute (outer join instead of inner).
	fallbackRate *float64
}

// NewCalculator wires funding accounting.
func NewCalculator(adapter venue.Adapter, caps *capmatrix.Matrix, candles CandleSource, fallbackRate *float64, logger *slog.Logger) *Calculator {
	return &Calculator{
		adapter:      adapter,
		caps:         caps,
		candles:      candles,
		logger:       logger.With("component", "funding"),
		fallbackRate: fallbackRate,
	}
}

// LiveFees sums the venue-reported funding payments for pair since openTime.
func (c *Calculator) LiveFees(ctx context.Context, pair string, openTime time.Time) (float64, error) {
	payments, err := exerr.RetryValue(ctx, c.logger, exerr.DefaultAttempts, "fetch_funding_history", func() ([]types.FundingPayment, error) {
		return c.adapter.FetchFundingHistory(ctx, pair, openTime.UnixMilli())
	})
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, p := range payments {
		sum += p.Amount
	}
	return sum, nil
}

// DryFees computes the funding charge of a simulated position over
// [openTime, closeTime]: the sum of mark price times funding rate times
// amount at each funding cutoff. Venues report funding as
// payable-by-short positive, so the sign flips for longs.
func (c *Calculator) DryFees(ctx context.Context, pair string, amount float64, isShort bool, openTime, closeTime time.Time) (float64, error) {
	open := alignOpen(openTime)

	markKey := types.TableKey{
		Pair:      pair,
		Timeframe: c.caps.MarkOHLCVTimeframe,
		Kind:      types.CandleKind(c.caps.MarkOHLCVPrice),
	}
	fundKey := types.TableKey{
		Pair:      pair,
		Timeframe: c.caps.FundingFeeTimeframe,
		Kind:      types.CandleFundingRate,
	}

	tables := c.candles.Refresh(ctx, []types.TableKey{markKey, fundKey}, open.UnixMilli())
	marks, funds := tables[markKey], tables[fundKey]
	if len(marks) == 0 {
		return 0, exerr.New(exerr.KindExchange, "no mark candles for %s", pair)
	}

	rates := make(map[int64]float64, len(funds))
	for _, f := range funds {
		rates[f.TS] = f.Open
	}

	openMs, closeMs := open.UnixMilli(), closeTime.UnixMilli()
	var fees float64
	for _, mark := range marks {
		if mark.TS < openMs || mark.TS > closeMs {
			continue
		}
		rate, ok := rates[mark.TS]
		if !ok {
			if c.fallbackRate == nil {
				continue // inner join: unmatched mark rows drop out
			}
			rate = *c.fallbackRate
		}
		fees += mark.Open * rate * amount
	}

	if !isShort {
		fees = -fees
	}
	return fees, nil
}

// alignOpen drops the sub-second remainder when the open falls within the
// first second of an hour, so an opening cutoff on that hour is not skipped
// by the range filter.
func alignOpen(t time.Time) time.Time {
	if t.Minute() == 0 && t.Second() == 0 {
		return t.Truncate(time.Hour)
	}
	return t
}
