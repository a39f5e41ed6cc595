// liquidation.go estimates the liquidation price of isolated linear
// positions. Cross margin and inverse contracts are the venue's business;
// estimating them here would be wrong more often than useful.
package leverage

import (
	"math"

	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

// LiquidationInput carries everything the isolated estimate needs.
type LiquidationInput struct {
	Market        *types.Market
	MarginMode    types.MarginMode
	IsShort       bool
	OpenRate      float64
	Amount        float64 // base currency
	WalletBalance float64 // collateral backing the position
	MMRatio       float64 // maintenance margin ratio of the active tier
	TakerFeeRate  float64
	Buffer        float64 // fraction of the distance to shift away from zero
}

// LiquidationPrice estimates where an isolated linear position liquidates:
//
//	short: (open_rate + wallet/amount) / (1 + mmr + taker_fee)
//	long:  (open_rate - wallet/amount) / (1 - mmr - taker_fee)
//
// The configured buffer shifts the estimate away from zero by the buffer
// fraction of its distance to the open rate, for longs and shorts alike.
func LiquidationPrice(in LiquidationInput) (float64, error) {
	if in.Market.Kind == types.MarketInverseSwap {
		return 0, exerr.New(exerr.KindOperational, "liquidation estimate does not support inverse contracts")
	}
	if in.Market.Kind != types.MarketLinearSwap {
		return 0, exerr.New(exerr.KindOperational, "liquidation estimate requires a linear contract")
	}
	if in.MarginMode != types.MarginIsolated {
		return 0, exerr.New(exerr.KindOperational, "liquidation estimate requires isolated margin")
	}
	if in.Amount <= 0 || in.OpenRate <= 0 {
		return 0, exerr.New(exerr.KindInvalidOrder, "liquidation estimate needs a positive amount and open rate")
	}

	v := in.WalletBalance / in.Amount
	mmrPlus := in.MMRatio + in.TakerFeeRate

	var liq float64
	if in.IsShort {
		liq = (in.OpenRate + v) / (1 + mmrPlus)
	} else {
		liq = (in.OpenRate - v) / (1 - mmrPlus)
	}
	if liq < 0 {
		liq = 0
	}

	if in.Buffer > 0 {
		shift := math.Abs(in.OpenRate-liq) * in.Buffer
		liq += shift
		if liq < 0 {
			liq = 0
		}
	}
	return liq, nil
}
