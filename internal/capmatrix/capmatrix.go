// Package capmatrix resolves the per-venue capability matrix.
//
// Every venue is described by a flat dictionary of capabilities (bools,
// ints, strings, maps, lists). Four layers are merged, lowest to highest
// precedence: built-in defaults, per-venue overrides, futures overrides
// (applied only when trading futures), and user configuration. The merged
// dictionary is decoded into the typed Matrix; keys the engine does not
// recognize land in the Extra map so newer venue descriptors keep working.
//
// The core consults the Matrix before every call: "can this venue do X?"
// rather than switching on venue identity.
package capmatrix

import (
	"strings"

	"github.com/spf13/cast"

	"exchange-engine/internal/exerr"
)

// PaginationDialect selects the trade-history cursor type.
type PaginationDialect string

const (
	PaginateTime PaginationDialect = "time"
	PaginateID   PaginationDialect = "id"
)

// Matrix is the resolved capability set of one venue.
type Matrix struct {
	StoplossOnExchange bool              // venue accepts stop orders
	StopPriceParam     string            // request key carrying the trigger price
	StopPriceProp      string            // response key carrying the trigger price
	StoplossOrderTypes map[string]string // user intent (limit/market) -> venue order subtype

	OrderTimeInForce []string // supported TIF tokens, upper-cased

	OHLCVHasHistory              bool           // REST candle history available
	OHLCVPartialCandle           bool           // last candle may be in progress
	OHLCVRequireSince            bool           // since required even for latest pull
	OHLCVCandleLimit             int            // max rows per call
	OHLCVCandleLimitPerTimeframe map[string]int // per-timeframe override of the above

	TradesPagination        PaginationDialect // which cursor drives trade history
	TradesPaginationArg     string            // request key carrying the cursor
	TradesPaginationOverlap bool              // last trade of a page repeats as first of next
	TradesHasHistory        bool              // public trade history available

	L2LimitRange         []int // allowed depth parameters, ascending
	L2LimitRangeRequired bool  // depth must be one of L2LimitRange
	L2LimitUpper         int   // hard upper bound on depth, 0 = none

	MarkOHLCVPrice     string // candle kind expressing mark price ("mark" or "index")
	MarkOHLCVTimeframe string // timeframe of mark candles
	FundingFeeTimeframe string // interval at which funding is charged

	OrderPropsInContracts []string // order fields expressed in contracts

	FetchOrdersLimitMinutes int // chunk duration for windowed order history, 0 = single pull

	MarketOrderRequiresPrice bool // market orders must carry a reference price

	ExchangeHasOverrides      map[string]bool   // forces the truth value of a named capability
	StopPriceTypeValueMapping map[string]string // venue token per stop-trigger price type
	ProxyCoinMapping          map[string]string // alias table for conversion-rate lookup

	WSEnabled bool // WebSocket candle push is trusted

	// Extra holds unrecognized keys verbatim for forward compatibility.
	Extra map[string]any
}

// deepMergedKeys are the map-valued capabilities merged key-wise across
// layers instead of being replaced wholesale.
var deepMergedKeys = map[string]bool{
	"stoploss_order_types":             true,
	"exchange_has_overrides":           true,
	"stop_price_type_value_mapping":    true,
	"ohlcv_candle_limit_per_timeframe": true,
	"proxy_coin_mapping":               true,
}

// Defaults is the lowest-precedence layer shared by all venues.
func Defaults() map[string]any {
	return map[string]any{
		"stoploss_on_exchange":     false,
		"order_time_in_force":      []string{"GTC"},
		"ohlcv_has_history":        true,
		"ohlcv_partial_candle":     true,
		"ohlcv_require_since":      false,
		"ohlcv_candle_limit":       500,
		"trades_pagination":        "time",
		"trades_pagination_arg":    "since",
		"trades_has_history":       false,
		"mark_ohlcv_price":         "mark",
		"mark_ohlcv_timeframe":     "8h",
		"funding_fee_timeframe":    "8h",
		"ws_enabled":               false,
		"marketOrderRequiresPrice": false,
	}
}

// Merge folds layers left to right: later layers override earlier ones
// field-wise, with the nested map capabilities merged key-wise.
func Merge(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		for key, val := range layer {
			if deepMergedKeys[key] {
				existing, ok := out[key]
				if ok {
					out[key] = mergeMapValue(existing, val)
					continue
				}
			}
			out[key] = val
		}
	}
	return out
}

func mergeMapValue(base, overlay any) any {
	bm := cast.ToStringMap(base)
	om := cast.ToStringMap(overlay)
	if bm == nil || om == nil {
		return overlay
	}
	merged := make(map[string]any, len(bm)+len(om))
	for k, v := range bm {
		merged[k] = v
	}
	for k, v := range om {
		merged[k] = v
	}
	return merged
}

// Resolve merges the four layers and decodes the result. The futures layer
// is only consulted when trading futures.
func Resolve(venue, futures, user map[string]any, tradingFutures bool) (*Matrix, error) {
	layers := []map[string]any{Defaults(), venue}
	if tradingFutures {
		layers = append(layers, futures)
	}
	layers = append(layers, user)
	return Decode(Merge(layers...))
}

// Decode converts a merged dictionary into the typed Matrix.
func Decode(raw map[string]any) (*Matrix, error) {
	m := &Matrix{Extra: map[string]any{}}
	for key, val := range raw {
		switch key {
		case "stoploss_on_exchange":
			m.StoplossOnExchange = cast.ToBool(val)
		case "stop_price_param":
			m.StopPriceParam = cast.ToString(val)
		case "stop_price_prop":
			m.StopPriceProp = cast.ToString(val)
		case "stoploss_order_types":
			m.StoplossOrderTypes = cast.ToStringMapString(val)
		case "order_time_in_force":
			tifs, err := cast.ToStringSliceE(val)
			if err != nil {
				return nil, exerr.Wrap(exerr.KindConfiguration, err, "order_time_in_force")
			}
			m.OrderTimeInForce = make([]string, len(tifs))
			for i, tif := range tifs {
				m.OrderTimeInForce[i] = strings.ToUpper(tif)
			}
		case "ohlcv_has_history":
			m.OHLCVHasHistory = cast.ToBool(val)
		case "ohlcv_partial_candle":
			m.OHLCVPartialCandle = cast.ToBool(val)
		case "ohlcv_require_since":
			m.OHLCVRequireSince = cast.ToBool(val)
		case "ohlcv_candle_limit":
			m.OHLCVCandleLimit = cast.ToInt(val)
		case "ohlcv_candle_limit_per_timeframe":
			m.OHLCVCandleLimitPerTimeframe = cast.ToStringMapInt(val)
		case "trades_pagination":
			dialect := PaginationDialect(cast.ToString(val))
			if dialect != PaginateTime && dialect != PaginateID {
				return nil, exerr.New(exerr.KindConfiguration, "unknown trades_pagination %q", val)
			}
			m.TradesPagination = dialect
		case "trades_pagination_arg":
			m.TradesPaginationArg = cast.ToString(val)
		case "trades_pagination_overlap":
			m.TradesPaginationOverlap = cast.ToBool(val)
		case "trades_has_history":
			m.TradesHasHistory = cast.ToBool(val)
		case "l2_limit_range":
			limits, err := cast.ToIntSliceE(val)
			if err != nil {
				return nil, exerr.Wrap(exerr.KindConfiguration, err, "l2_limit_range")
			}
			m.L2LimitRange = limits
		case "l2_limit_range_required":
			m.L2LimitRangeRequired = cast.ToBool(val)
		case "l2_limit_upper":
			m.L2LimitUpper = cast.ToInt(val)
		case "mark_ohlcv_price":
			m.MarkOHLCVPrice = cast.ToString(val)
		case "mark_ohlcv_timeframe":
			m.MarkOHLCVTimeframe = cast.ToString(val)
		case "funding_fee_timeframe":
			m.FundingFeeTimeframe = cast.ToString(val)
		case "order_props_in_contracts":
			props, err := cast.ToStringSliceE(val)
			if err != nil {
				return nil, exerr.Wrap(exerr.KindConfiguration, err, "order_props_in_contracts")
			}
			m.OrderPropsInContracts = props
		case "fetch_orders_limit_minutes":
			m.FetchOrdersLimitMinutes = cast.ToInt(val)
		case "marketOrderRequiresPrice":
			m.MarketOrderRequiresPrice = cast.ToBool(val)
		case "exchange_has_overrides":
			m.ExchangeHasOverrides = cast.ToStringMapBool(val)
		case "stop_price_type_value_mapping":
			m.StopPriceTypeValueMapping = cast.ToStringMapString(val)
		case "proxy_coin_mapping":
			m.ProxyCoinMapping = cast.ToStringMapString(val)
		case "ws_enabled":
			m.WSEnabled = cast.ToBool(val)
		default:
			m.Extra[key] = val
		}
	}
	return m, nil
}

// CandleLimit returns the max candles per REST call for a timeframe:
// per-timeframe override, then the venue-wide limit, then 500.
func (m *Matrix) CandleLimit(timeframe string) int {
	if limit, ok := m.OHLCVCandleLimitPerTimeframe[timeframe]; ok && limit > 0 {
		return limit
	}
	if m.OHLCVCandleLimit > 0 {
		return m.OHLCVCandleLimit
	}
	return 500
}

// Has answers a named capability question, honoring exchange_has_overrides.
func (m *Matrix) Has(name string) bool {
	if forced, ok := m.ExchangeHasOverrides[name]; ok {
		return forced
	}
	switch name {
	case "stoploss_on_exchange":
		return m.StoplossOnExchange
	case "ohlcv_has_history":
		return m.OHLCVHasHistory
	case "trades_has_history":
		return m.TradesHasHistory
	case "ws_enabled":
		return m.WSEnabled
	}
	if v, ok := m.Extra[name]; ok {
		return cast.ToBool(v)
	}
	return false
}

// SupportsTimeInForce reports whether the venue accepts the TIF token.
func (m *Matrix) SupportsTimeInForce(tif string) bool {
	tif = strings.ToUpper(tif)
	for _, t := range m.OrderTimeInForce {
		if t == tif {
			return true
		}
	}
	return false
}

// SnapL2Limit validates and adjusts a requested depth against the venue's
// allowed range: the next allowed depth at or above the request (after
// clamping to the upper bound), or the request itself when no range is
// declared. A request above the whole range is rejected when the range is
// required and snapped to the largest allowed depth when it is advisory.
func (m *Matrix) SnapL2Limit(requested int) (int, error) {
	if m.L2LimitUpper > 0 && requested > m.L2LimitUpper {
		requested = m.L2LimitUpper
	}
	if len(m.L2LimitRange) == 0 {
		return requested, nil
	}
	for _, allowed := range m.L2LimitRange {
		if requested <= allowed {
			return allowed, nil
		}
	}
	if m.L2LimitRangeRequired {
		return 0, exerr.New(exerr.KindOperational, "order book depth %d exceeds venue maximum %d",
			requested, m.L2LimitRange[len(m.L2LimitRange)-1])
	}
	return m.L2LimitRange[len(m.L2LimitRange)-1], nil
}
