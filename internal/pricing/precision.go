// precision.go rounds prices and amounts to venue precision. Two precision
// models coexist; the venue declares which is in force:
//
//   - decimal places: precision is an integer count of decimals
//   - tick size:      values must be integer multiples of an increment
//
// All arithmetic goes through shopspring/decimal so repeated rounding never
// drifts the way float64 powers of ten do.
package pricing

import (
	"github.com/shopspring/decimal"

	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

// minTickSize rejects degenerate tick sizes; a market declaring a smaller
// increment is untradable.
const minTickSize = 1e-11

// RoundToTick rounds x to a multiple of tick under the given mode.
func RoundToTick(x, tick float64, mode types.RoundingMode) (float64, error) {
	if tick <= minTickSize {
		return 0, exerr.New(exerr.KindOperational, "tick size %g below minimum, market untradable", tick)
	}
	t := decimal.NewFromFloat(tick)
	steps := decimal.NewFromFloat(x).Div(t)
	rounded := applyMode(steps, 0, mode)
	out, _ := rounded.Mul(t).Float64()
	return out, nil
}

// RoundToDecimals rounds x to places decimal digits under the given mode.
func RoundToDecimals(x float64, places int, mode types.RoundingMode) float64 {
	out, _ := applyMode(decimal.NewFromFloat(x), int32(places), mode).Float64()
	return out
}

func applyMode(d decimal.Decimal, places int32, mode types.RoundingMode) decimal.Decimal {
	switch mode {
	case types.RoundUp:
		return d.RoundCeil(places)
	case types.RoundDown:
		return d.RoundFloor(places)
	default:
		return d.Round(places)
	}
}

// PriceToPrecision rounds a price to the market's price precision.
func PriceToPrecision(mode types.PrecisionMode, market *types.Market, price float64, rounding types.RoundingMode) (float64, error) {
	return toPrecision(mode, market.PrecisionPrice, price, rounding)
}

// AmountToPrecision rounds an amount to the market's amount precision.
// Amounts always truncate: rounding up could exceed the caller's balance.
func AmountToPrecision(mode types.PrecisionMode, market *types.Market, amount float64) (float64, error) {
	return toPrecision(mode, market.PrecisionAmount, amount, types.RoundDown)
}

func toPrecision(mode types.PrecisionMode, precision, x float64, rounding types.RoundingMode) (float64, error) {
	if mode == types.PrecisionTickSize {
		return RoundToTick(x, precision, rounding)
	}
	return RoundToDecimals(x, int(precision), rounding), nil
}

// ————————————————————————————————————————————————————————————————————————
// Contract conversion
// ————————————————————————————————————————————————————————————————————————

// ContractsToAmount converts venue contracts to base-currency units.
func ContractsToAmount(contracts, contractSize float64) float64 {
	if contractSize <= 0 {
		contractSize = 1
	}
	return contracts * contractSize
}

// AmountToContracts converts base-currency units to venue contracts.
func AmountToContracts(amount, contractSize float64) float64 {
	if contractSize <= 0 {
		contractSize = 1
	}
	return amount / contractSize
}

// AmountToContractPrecision converts to contracts, truncates to the
// market's amount precision, and converts back. The result is the largest
// placeable amount not exceeding the input.
func AmountToContractPrecision(mode types.PrecisionMode, market *types.Market, amount float64) (float64, error) {
	contracts := AmountToContracts(amount, market.ContractSize)
	rounded, err := AmountToPrecision(mode, market, contracts)
	if err != nil {
		return 0, err
	}
	return ContractsToAmount(rounded, market.ContractSize), nil
}

// OrderFromContracts converts the order fields named in propsInContracts
// from contracts to base-currency units in place. Venues reporting order
// sizes in contracts are normalised here on ingress.
func OrderFromContracts(order *types.Order, contractSize float64, propsInContracts []string) {
	for _, prop := range propsInContracts {
		switch prop {
		case "amount":
			order.Amount = ContractsToAmount(order.Amount, contractSize)
		case "filled":
			order.Filled = ContractsToAmount(order.Filled, contractSize)
		case "remaining":
			order.Remaining = ContractsToAmount(order.Remaining, contractSize)
		}
	}
}
