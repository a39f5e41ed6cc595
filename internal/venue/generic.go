// generic.go is the reference venue: a complete adapter speaking the plain
// JSON dialect of self-hosted exchange gateways. It doubles as the template
// a new venue integration starts from — embed Base, hold one RESTClient,
// override what the venue supports.
package venue

import (
	"context"
	"encoding/json"
	"strconv"

	"exchange-engine/internal/exerr"
	"exchange-engine/pkg/types"
)

// Generic is a stateless adapter over one REST gateway.
type Generic struct {
	Base
	rest *RESTClient
}

// NewGeneric creates the reference adapter against baseURL.
func NewGeneric(baseURL string) *Generic {
	return &Generic{
		Base: NewBase("generic"),
		rest: NewRESTClient("generic", baseURL, RateLimits{}),
	}
}

// Close releases the REST session.
func (g *Generic) Close() error {
	g.rest.Close()
	return nil
}

func (g *Generic) Capabilities() map[string]any {
	return map[string]any{
		"stoploss_on_exchange": true,
		"stop_price_param":     "stopPrice",
		"stop_price_prop":      "stopPrice",
		"stoploss_order_types": map[string]any{
			"limit":  "stop_limit",
			"market": "stop_market",
		},
		"order_time_in_force": []string{"GTC", "IOC"},
		"ohlcv_has_history":   true,
		"trades_has_history":  true,
		"trades_pagination":   "time",
		"l2_limit_range":      []int{5, 10, 20, 50, 100, 500},
		"ws_enabled":          true,
	}
}

func (g *Generic) FuturesCapabilities() map[string]any {
	return map[string]any{
		"mark_ohlcv_price":       "mark",
		"mark_ohlcv_timeframe":   "8h",
		"funding_fee_timeframe":  "8h",
		"fetch_leverage_tiers":   true,
		"exchange_has_overrides": map[string]any{"fetch_leverage_tiers": true},
	}
}

func (g *Generic) PrecisionMode() types.PrecisionMode { return types.PrecisionTickSize }

func (g *Generic) LoadMarkets(ctx context.Context) (map[string]types.Market, error) {
	var out []marketPayload
	if err := g.rest.Get(ctx, g.rest.Limiter().Market, "/api/v1/markets", nil, &out); err != nil {
		return nil, err
	}
	markets := make(map[string]types.Market, len(out))
	for _, m := range out {
		markets[m.Symbol] = m.toMarket()
	}
	return markets, nil
}

func (g *Generic) FetchOHLCV(ctx context.Context, pair, timeframe string, kind types.CandleKind, sinceMs int64, limit int) ([]types.Candle, error) {
	query := map[string]string{
		"symbol":   pair,
		"interval": timeframe,
		"kind":     string(kind),
		"limit":    strconv.Itoa(limit),
	}
	if sinceMs > 0 {
		query["since"] = FormatQueryInt(sinceMs)
	}
	var rows [][]float64
	if err := g.rest.Get(ctx, g.rest.Limiter().Candles, "/api/v1/klines", query, &rows); err != nil {
		return nil, err
	}
	out := make([]types.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			return nil, exerr.New(exerr.KindExchange, "malformed kline row of %d fields", len(r))
		}
		out = append(out, types.Candle{
			TS: int64(r[0]), Open: r[1], High: r[2], Low: r[3], Close: r[4], Volume: r[5],
		})
	}
	return out, nil
}

func (g *Generic) FetchFundingRateHistory(ctx context.Context, pair string, sinceMs int64) ([]types.Candle, error) {
	query := map[string]string{"symbol": pair}
	if sinceMs > 0 {
		query["since"] = FormatQueryInt(sinceMs)
	}
	var rows []struct {
		TS   int64   `json:"ts"`
		Rate float64 `json:"rate"`
	}
	if err := g.rest.Get(ctx, g.rest.Limiter().Candles, "/api/v1/funding-rates", query, &rows); err != nil {
		return nil, err
	}
	out := make([]types.Candle, len(rows))
	for i, r := range rows {
		out[i] = types.Candle{TS: r.TS, Open: r.Rate}
	}
	return out, nil
}

func (g *Generic) FetchTrades(ctx context.Context, pair string, sinceMs int64, limit int) ([]types.Trade, error) {
	query := map[string]string{"symbol": pair, "limit": strconv.Itoa(limit)}
	if sinceMs > 0 {
		query["since"] = FormatQueryInt(sinceMs)
	}
	var out []types.Trade
	if err := g.rest.Get(ctx, g.rest.Limiter().Trades, "/api/v1/trades", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generic) FetchL2OrderBook(ctx context.Context, pair string, depth int) (*types.OrderBook, error) {
	query := map[string]string{"symbol": pair}
	if depth > 0 {
		query["limit"] = strconv.Itoa(depth)
	}
	var out types.OrderBook
	if err := g.rest.Get(ctx, g.rest.Limiter().Market, "/api/v1/depth", query, &out); err != nil {
		return nil, err
	}
	out.Symbol = pair
	return &out, nil
}

func (g *Generic) FetchTicker(ctx context.Context, pair string) (*types.Ticker, error) {
	var out types.Ticker
	if err := g.rest.Get(ctx, g.rest.Limiter().Market, "/api/v1/ticker", map[string]string{"symbol": pair}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Generic) FetchTickers(ctx context.Context, symbols []string) (map[string]types.Ticker, error) {
	var out []types.Ticker
	if err := g.rest.Get(ctx, g.rest.Limiter().Market, "/api/v1/tickers", nil, &out); err != nil {
		return nil, err
	}
	tickers := make(map[string]types.Ticker, len(out))
	for _, t := range out {
		tickers[t.Symbol] = t
	}
	return tickers, nil
}

func (g *Generic) FetchBidsAsks(ctx context.Context, symbols []string) (map[string]types.Ticker, error) {
	return g.FetchTickers(ctx, symbols)
}

func (g *Generic) CreateOrder(ctx context.Context, req types.OrderRequest, params map[string]any) (*types.Order, error) {
	body := map[string]any{
		"symbol": req.Symbol,
		"side":   req.Side,
		"type":   req.Type,
		"amount": req.Amount,
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	for k, v := range params {
		body[k] = v
	}
	var out types.Order
	if err := g.rest.Post(ctx, g.rest.Limiter().Order, "/api/v1/orders", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Generic) CancelOrder(ctx context.Context, id, pair string) (*types.Order, error) {
	body := map[string]any{"id": id, "symbol": pair}
	var out types.Order
	if err := g.rest.Delete(ctx, g.rest.Limiter().Order, "/api/v1/orders", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Generic) FetchOrder(ctx context.Context, id, pair string) (*types.Order, error) {
	var out types.Order
	err := g.rest.Get(ctx, g.rest.Limiter().Order, "/api/v1/orders/"+id, map[string]string{"symbol": pair}, &out)
	if err != nil {
		if exerr.Is(err, exerr.KindExchange) {
			// The gateway answers 404 for orders it has not surfaced yet.
			return nil, exerr.Wrap(exerr.KindRetryableOrder, err, "order %s", id)
		}
		return nil, err
	}
	return &out, nil
}

func (g *Generic) FetchOrders(ctx context.Context, pair string, sinceMs, untilMs int64) ([]types.Order, error) {
	query := map[string]string{"symbol": pair}
	if sinceMs > 0 {
		query["since"] = FormatQueryInt(sinceMs)
	}
	if untilMs > 0 {
		query["until"] = FormatQueryInt(untilMs)
	}
	var out []types.Order
	if err := g.rest.Get(ctx, g.rest.Limiter().Order, "/api/v1/orders", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generic) FetchMyTrades(ctx context.Context, pair string, sinceMs int64) ([]types.MyTrade, error) {
	query := map[string]string{"symbol": pair}
	if sinceMs > 0 {
		query["since"] = FormatQueryInt(sinceMs)
	}
	var out []types.MyTrade
	if err := g.rest.Get(ctx, g.rest.Limiter().Order, "/api/v1/my-trades", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generic) FetchBalance(ctx context.Context) (map[string]types.Balance, error) {
	var out []types.Balance
	if err := g.rest.Get(ctx, g.rest.Limiter().Account, "/api/v1/balance", nil, &out); err != nil {
		return nil, err
	}
	balances := make(map[string]types.Balance, len(out))
	for _, b := range out {
		balances[b.Currency] = b
	}
	return balances, nil
}

func (g *Generic) FetchPositions(ctx context.Context, symbols ...string) ([]types.Position, error) {
	var out []types.Position
	if err := g.rest.Get(ctx, g.rest.Limiter().Account, "/api/v1/positions", nil, &out); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return out, nil
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	filtered := out[:0]
	for _, p := range out {
		if want[p.Symbol] {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (g *Generic) SetLeverage(ctx context.Context, pair string, lev float64) error {
	return g.rest.Post(ctx, g.rest.Limiter().Account, "/api/v1/leverage", map[string]any{
		"symbol":   pair,
		"leverage": lev,
	}, nil)
}

func (g *Generic) SetMarginMode(ctx context.Context, pair string, mode types.MarginMode) error {
	return g.rest.Post(ctx, g.rest.Limiter().Account, "/api/v1/margin-mode", map[string]any{
		"symbol": pair,
		"mode":   mode,
	}, nil)
}

func (g *Generic) FetchFundingHistory(ctx context.Context, pair string, sinceMs int64) ([]types.FundingPayment, error) {
	query := map[string]string{"symbol": pair}
	if sinceMs > 0 {
		query["since"] = FormatQueryInt(sinceMs)
	}
	var out []types.FundingPayment
	if err := g.rest.Get(ctx, g.rest.Limiter().Account, "/api/v1/funding-history", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generic) FetchLeverageTiers(ctx context.Context) (map[string][]types.LeverageTier, error) {
	var out map[string][]types.LeverageTier
	if err := g.rest.Get(ctx, g.rest.Limiter().Account, "/api/v1/leverage-tiers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generic) FetchMarketLeverageTiers(ctx context.Context, pair string) ([]types.LeverageTier, error) {
	var out []types.LeverageTier
	if err := g.rest.Get(ctx, g.rest.Limiter().Account, "/api/v1/leverage-tiers", map[string]string{"symbol": pair}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GenericWSDialect speaks the gateway's kline stream for the push feed.
type GenericWSDialect struct{}

type genericKlineFrame struct {
	Channel   string  `json:"channel"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Kind      string  `json:"kind"`
	TS        int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// SubscribeMessage builds the gateway subscription payload.
func (GenericWSDialect) SubscribeMessage(keys []types.TableKey) any {
	args := make([]map[string]string, len(keys))
	for i, k := range keys {
		args[i] = map[string]string{
			"symbol":   k.Pair,
			"interval": k.Timeframe,
			"kind":     string(k.Kind),
		}
	}
	return map[string]any{"op": "subscribe", "channel": "kline", "args": args}
}

// ParseCandle decodes one kline frame; non-kline frames report ok=false.
func (GenericWSDialect) ParseCandle(data []byte) (types.TableKey, types.Candle, bool) {
	var f genericKlineFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Channel != "kline" || f.Symbol == "" {
		return types.TableKey{}, types.Candle{}, false
	}
	kind := types.CandleKind(f.Kind)
	if kind == "" {
		kind = types.CandleSpot
	}
	key := types.TableKey{Pair: f.Symbol, Timeframe: f.Interval, Kind: kind}
	return key, types.Candle{TS: f.TS, Open: f.Open, High: f.High, Low: f.Low, Close: f.Close, Volume: f.Volume}, true
}

// marketPayload is the gateway's market descriptor.
type marketPayload struct {
	Symbol          string  `json:"symbol"`
	Base            string  `json:"base"`
	Quote           string  `json:"quote"`
	Settle          string  `json:"settle"`
	Kind            string  `json:"kind"`
	ContractSize    float64 `json:"contract_size"`
	PrecisionAmount float64 `json:"precision_amount"`
	PrecisionPrice  float64 `json:"precision_price"`
	AmountMin       *float64 `json:"amount_min"`
	AmountMax       *float64 `json:"amount_max"`
	CostMin         *float64 `json:"cost_min"`
	CostMax         *float64 `json:"cost_max"`
	Active          bool    `json:"active"`
	TakerFee        float64 `json:"taker_fee"`
	MakerFee        float64 `json:"maker_fee"`
}

func (m marketPayload) toMarket() types.Market {
	contractSize := m.ContractSize
	if contractSize <= 0 {
		contractSize = 1
	}
	return types.Market{
		Symbol:          m.Symbol,
		Base:            m.Base,
		Quote:           m.Quote,
		Settle:          m.Settle,
		Kind:            types.MarketKind(m.Kind),
		ContractSize:    contractSize,
		PrecisionAmount: m.PrecisionAmount,
		PrecisionPrice:  m.PrecisionPrice,
		Limits: types.MarketLimits{
			Amount: types.LimitRange{Min: m.AmountMin, Max: m.AmountMax},
			Cost:   types.LimitRange{Min: m.CostMin, Max: m.CostMax},
		},
		Active:   m.Active,
		TakerFee: m.TakerFee,
		MakerFee: m.MakerFee,
	}
}
