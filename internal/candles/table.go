// table.go holds the pure merge rules of the OHLCV cache. Everything here
// operates on plain candle slices; locking and fetch policy live in the
// Cache and Refresher.
package candles

import (
	"sort"

	"exchange-engine/pkg/types"
)

// Merge reconciles incoming candles with an existing table:
//
//  1. append, de-duplicate on TS keeping the later row,
//  2. sort ascending,
//  3. fill gaps with candles synthesized from the previous close (volume 0),
//  4. optionally drop the in-progress candle (TS >= currentOpen),
//  5. tail-bound to keepLast rows.
//
// Merging twice with identical inputs yields an identical table.
func Merge(existing, incoming []types.Candle, tfMs int64, keepLast int, dropPartial bool, currentOpen int64) []types.Candle {
	merged := make([]types.Candle, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	merged = append(merged, incoming...)

	// Later rows win on duplicate TS: walk in order, the map keeps the last.
	byTS := make(map[int64]types.Candle, len(merged))
	for _, c := range merged {
		byTS[c.TS] = c
	}
	merged = merged[:0]
	for _, c := range byTS {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TS < merged[j].TS })

	merged = fillGaps(merged, tfMs)

	if dropPartial {
		for len(merged) > 0 && merged[len(merged)-1].TS >= currentOpen {
			merged = merged[:len(merged)-1]
		}
	}

	if keepLast > 0 && len(merged) > keepLast {
		merged = merged[len(merged)-keepLast:]
	}
	return merged
}

// fillGaps synthesizes missing candles so consecutive rows are exactly one
// timeframe apart. A synthetic candle flat-lines at the previous close.
func fillGaps(rows []types.Candle, tfMs int64) []types.Candle {
	if len(rows) < 2 {
		return rows
	}
	out := make([]types.Candle, 0, len(rows))
	out = append(out, rows[0])
	for _, c := range rows[1:] {
		prev := out[len(out)-1]
		for ts := prev.TS + tfMs; ts < c.TS; ts += tfMs {
			out = append(out, types.Candle{
				TS:    ts,
				Open:  prev.Close,
				High:  prev.Close,
				Low:   prev.Close,
				Close: prev.Close,
			})
			prev = out[len(out)-1]
		}
		out = append(out, c)
	}
	return out
}

// PackFundingRates converts funding-rate rows into the uniform candle
// layout expected downstream: rate in Open, everything else zero.
func PackFundingRates(rates []types.Candle) []types.Candle {
	packed := make([]types.Candle, len(rates))
	for i, r := range rates {
		packed[i] = types.Candle{TS: r.TS, Open: r.Open}
	}
	return packed
}
