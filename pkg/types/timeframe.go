// timeframe.go converts timeframe strings ("5m", "1h", "1d") to millisecond
// durations and rounds timestamps to candle-open boundaries. All candle math
// in the engine works on UTC milliseconds.
package types

import (
	"fmt"
	"strconv"
	"time"
)

const (
	msSecond = int64(1000)
	msMinute = 60 * msSecond
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
	msWeek   = 7 * msDay
)

// TimeframeMs returns the duration of one candle in milliseconds.
// Supported units: s, m, h, d, w. Months are not supported; no venue the
// engine targets charges funding or serves candles on month boundaries.
func TimeframeMs(tf string) (int64, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var unit int64
	switch tf[len(tf)-1] {
	case 's':
		unit = msSecond
	case 'm':
		unit = msMinute
	case 'h':
		unit = msHour
	case 'd':
		unit = msDay
	case 'w':
		unit = msWeek
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", tf)
	}
	return int64(n) * unit, nil
}

// MustTimeframeMs is TimeframeMs for compile-time-known timeframes.
func MustTimeframeMs(tf string) int64 {
	ms, err := TimeframeMs(tf)
	if err != nil {
		panic(err)
	}
	return ms
}

// CandleOpen rounds ts down to the open of the candle containing it.
func CandleOpen(tfMs, ts int64) int64 {
	return ts - ts%tfMs
}

// CurrentCandleOpen returns the open time of the in-progress candle.
func CurrentCandleOpen(tfMs int64, now time.Time) int64 {
	return CandleOpen(tfMs, now.UnixMilli())
}

// PrevCandleOpen returns the open time of the last fully-closed candle.
func PrevCandleOpen(tfMs int64, now time.Time) int64 {
	return CurrentCandleOpen(tfMs, now) - tfMs
}

// NowMs returns the current time in UTC milliseconds.
func NowMs() int64 { return time.Now().UnixMilli() }
