// orderbook.go estimates market-order fill prices by walking L2 depth.
package pricing

import (
	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

// WalkBook estimates the average fill price of a market order of the given
// amount: it consumes the opposite book side level by level, summing
// price times volume. A book too shallow for the amount fills the
// remainder at the deepest level's price.
func WalkBook(book *types.OrderBook, side types.Side, amount float64) (float64, error) {
	levels := book.Asks
	if side == types.Sell {
		levels = book.Bids
	}
	if len(levels) == 0 || amount <= 0 {
		return 0, exerr.New(exerr.KindPricing, "empty order book side for %s %s", side, book.Symbol)
	}

	var cost, remaining float64
	remaining = amount
	for _, lvl := range levels {
		take := lvl.Amount
		if take > remaining {
			take = remaining
		}
		cost += lvl.Price * take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		cost += levels[len(levels)-1].Price * remaining
	}
	return cost / amount, nil
}

// CapSlippage clamps a walked fill price to rate*(1±slippage): buys may not
// exceed the upper clamp, sells may not undercut the lower one.
func CapSlippage(walked, rate float64, side types.Side, slippage float64) float64 {
	if rate <= 0 {
		return walked
	}
	if side == types.Buy {
		if cap := rate * (1 + slippage); walked > cap {
			return cap
		}
		return walked
	}
	if floor := rate * (1 - slippage); walked < floor {
		return floor
	}
	return walked
}
