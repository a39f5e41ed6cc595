// stake.go consolidates the market's trading limits into stake-amount
// bounds. Callers supply risk capital, not notional, so both bounds are
// divided by leverage on return.
package pricing

import (
	"math"

	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

// stoplossReserveCap bounds the stoploss reserve multiplier.
const stoplossReserveCap = 1.5

// MinStake returns the smallest stake amount the market accepts at the
// given price, padded by the amount reserve and the stoploss distance.
// Markets without amount or cost minimums return 0.
func MinStake(market *types.Market, price, stoploss, amountReservePct, leverage float64) (float64, error) {
	if price <= 0 {
		return 0, exerr.New(exerr.KindPricing, "no price to derive stake bounds for %s", market.Symbol)
	}
	if leverage <= 0 {
		leverage = 1
	}

	marginReserve := 1 + amountReservePct
	stoplossReserve := marginReserve / (1 - math.Abs(stoploss))
	if stoplossReserve < 1 {
		stoplossReserve = 1
	} else if stoplossReserve > stoplossReserveCap {
		stoplossReserve = stoplossReserveCap
	}

	var min float64
	if m := market.Limits.Amount.Min; m != nil {
		min = *m * price * marginReserve
	}
	if m := market.Limits.Cost.Min; m != nil {
		if v := *m * stoplossReserve; v > min {
			min = v
		}
	}
	return min / leverage, nil
}

// MaxStake returns the largest stake amount the market accepts at the given
// price. notionalCap, when positive, applies the leverage-tier ceiling.
// An unlimited market returns +Inf.
func MaxStake(market *types.Market, price, notionalCap, leverage float64) (float64, error) {
	if price <= 0 {
		return 0, exerr.New(exerr.KindPricing, "no price to derive stake bounds for %s", market.Symbol)
	}
	if leverage <= 0 {
		leverage = 1
	}

	max := math.Inf(1)
	if m := market.Limits.Amount.Max; m != nil {
		max = *m * price
	}
	if m := market.Limits.Cost.Max; m != nil && *m < max {
		max = *m
	}
	if notionalCap > 0 && notionalCap < max {
		max = notionalCap
	}
	return max / leverage, nil
}
