package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/pkg/ratelimit"
)

var pdxJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	paradexBaseURL = "https://api.prod.paradex.trade/v1"
	paradexWSURL   = "wss://ws.api.prod.paradex.trade/v1"

	// Дефолт Paradex - 8 часов, но funding_period варьируется по рынкам
	paradexFundingInterval = 8.0
)

// Paradex реализует интерфейс Client для Paradex perps.
//
// Единственная площадка из поддерживаемых, которая явно отдаёт
// per-symbol интервал финансирования (funding_period_hours в markets).
type Paradex struct {
	apiKey    string
	apiSecret string

	tr        *transport
	intervals *IntervalCache
	logger    *zap.Logger

	limitsCache sync.Map // symbol → *Limits

	ws         *WSReconnectManager
	wsOnce     sync.Once
	callbacks  map[string]func(*BBO)
	callbackMu sync.RWMutex
}

// NewParadex создает адаптер Paradex
func NewParadex(apiKey, apiSecret, proxyURL string, httpClient *http.Client, logger *zap.Logger) *Paradex {
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(CategoryOrders, 10, 20)
	limiter.Add(CategoryMarketData, 40, 80)
	limiter.Add(CategoryAccount, 10, 20)

	p := &Paradex{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		tr:        newTransport("paradex", httpClient, limiter, logger),
		intervals: NewIntervalCache("paradex", paradexFundingInterval, logger),
		logger:    logger,
		callbacks: make(map[string]func(*BBO)),
	}

	p.ws = NewWSReconnectManager("paradex", paradexWSURL, proxyURL, DefaultWSReconnectConfig(), logger)
	p.ws.SetOnMessage(p.handleWSMessage)

	return p
}

func (p *Paradex) Name() string { return "paradex" }

// Intervals даёт доступ к кэшу интервалов
func (p *Paradex) Intervals() *IntervalCache { return p.intervals }

// nativeSymbol: BTC → BTC-USD-PERP
func (p *Paradex) nativeSymbol(symbol string) string {
	return strings.ToUpper(symbol) + "-USD-PERP"
}

// baseSymbol: BTC-USD-PERP → BTC
func (p *Paradex) baseSymbol(native string) string {
	return strings.TrimSuffix(native, "-USD-PERP")
}

// sign подписывает приватный запрос
func (p *Paradex) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(p.apiSecret))
	mac.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// request выполняет запрос с опциональной подписью
func (p *Paradex) request(ctx context.Context, method, path, category string, params url.Values, body []byte, signed bool) ([]byte, error) {
	reqURL := paradexBaseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	headers := map[string]string{}
	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		headers["PARADEX-API-KEY"] = p.apiKey
		headers["PARADEX-TIMESTAMP"] = timestamp
		headers["PARADEX-SIGNATURE"] = p.sign(timestamp, method, path, string(body))
	}

	return p.tr.do(ctx, method, reqURL, category, headers, body)
}

func (p *Paradex) FetchBBO(ctx context.Context, symbol string) (*BBO, error) {
	params := url.Values{}
	params.Set("market", p.nativeSymbol(symbol))

	body, err := p.request(ctx, http.MethodGet, "/bbo", CategoryMarketData, params, nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Market    string `json:"market"`
		Bid       string `json:"bid"`
		Ask       string `json:"ask"`
		LastUpdatedAt int64 `json:"last_updated_at"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	bid, _ := strconv.ParseFloat(resp.Bid, 64)
	ask, _ := strconv.ParseFloat(resp.Ask, 64)
	if bid <= 0 || ask <= 0 {
		return nil, &Error{
			Venue:    "paradex",
			Message:  "no fresh quote for " + symbol,
			Original: ErrVenueUnavailable,
		}
	}

	return &BBO{
		Venue:  "paradex",
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Ts:     time.UnixMilli(resp.LastUpdatedAt),
	}, nil
}

// marketsResponse - ответ /markets с funding_period_hours per-market
type pdxMarket struct {
	Symbol             string `json:"symbol"`
	OrderSizeIncrement string `json:"order_size_increment"`
	PriceTickSize      string `json:"price_tick_size"`
	MinNotional        string `json:"min_notional"`
	MaxLeverage        string `json:"max_leverage"`
	FundingPeriodHours float64 `json:"funding_period_hours"`
}

func (p *Paradex) fetchMarkets(ctx context.Context) ([]pdxMarket, error) {
	body, err := p.request(ctx, http.MethodGet, "/markets", CategoryMarketData, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []pdxMarket `json:"results"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (p *Paradex) FetchFundingRates(ctx context.Context) (map[string]*models.FundingRateSample, error) {
	// Интервалы per-market загружаются при первом использовании
	// и кэшируются для стабильной нормализации
	markets, err := p.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range markets {
		if m.FundingPeriodHours > 0 {
			p.intervals.Observe(p.baseSymbol(m.Symbol), m.FundingPeriodHours)
		}
	}

	body, err := p.request(ctx, http.MethodGet, "/markets/summary", CategoryMarketData, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Symbol      string `json:"symbol"`
			FundingRate string `json:"funding_rate"`
			NextFundingAt int64 `json:"next_funding_at"`
		} `json:"results"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make(map[string]*models.FundingRateSample, len(resp.Results))
	for _, r := range resp.Results {
		rate, err := strconv.ParseFloat(r.FundingRate, 64)
		if err != nil {
			continue
		}

		base := p.baseSymbol(r.Symbol)
		sample := &models.FundingRateSample{
			Venue:         "paradex",
			Symbol:        base,
			RateNative:    rate,
			IntervalHours: p.intervals.Effective(base),
			ObservedAt:    now,
		}
		if r.NextFundingAt > 0 {
			t := time.UnixMilli(r.NextFundingAt)
			sample.NextPaymentAt = &t
		}
		p.intervals.Normalize(sample)
		out[base] = sample
	}

	return out, nil
}

func (p *Paradex) FetchMarketData(ctx context.Context) (map[string]models.MarketData, error) {
	body, err := p.request(ctx, http.MethodGet, "/markets/summary", CategoryMarketData, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Symbol       string `json:"symbol"`
			Volume24h    string `json:"volume_24h"`
			OpenInterest string `json:"open_interest"`
			MarkPrice    string `json:"mark_price"`
			Bid          string `json:"bid"`
			Ask          string `json:"ask"`
		} `json:"results"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]models.MarketData, len(resp.Results))
	for _, r := range resp.Results {
		vol, _ := strconv.ParseFloat(r.Volume24h, 64)
		oi, _ := strconv.ParseFloat(r.OpenInterest, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		bid, _ := strconv.ParseFloat(r.Bid, 64)
		ask, _ := strconv.ParseFloat(r.Ask, 64)

		md := models.MarketData{
			Volume24hUSD:    vol,
			OpenInterestUSD: oi * mark,
		}
		if bid > 0 && ask > bid {
			mid := (bid + ask) / 2
			md.SpreadBps = (ask - bid) / mid * 10000
		}
		out[p.baseSymbol(r.Symbol)] = md
	}

	return out, nil
}

func (p *Paradex) PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error) {
	tif := "GTC"
	if req.Tif == TifIOC {
		tif = "IOC"
	}

	payload, err := pdxJSON.Marshal(map[string]interface{}{
		"market":          p.nativeSymbol(req.Symbol),
		"side":            strings.ToUpper(req.Side),
		"type":            "LIMIT",
		"size":            strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"price":           strconv.FormatFloat(req.Price, 'f', -1, 64),
		"instruction":     tif,
		"post_only":       req.PostOnly,
		"client_order_id": req.ClientOrderID,
	})
	if err != nil {
		return "", err
	}

	body, err := p.request(ctx, http.MethodPost, "/orders", CategoryOrders, nil, payload, true)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &Error{Venue: "paradex", Message: "order rejected"}
	}
	return resp.ID, nil
}

func (p *Paradex) PlaceMarket(ctx context.Context, symbol, side string, qty float64) (string, error) {
	payload, err := pdxJSON.Marshal(map[string]interface{}{
		"market": p.nativeSymbol(symbol),
		"side":   strings.ToUpper(side),
		"type":   "MARKET",
		"size":   strconv.FormatFloat(qty, 'f', -1, 64),
	})
	if err != nil {
		return "", err
	}

	body, err := p.request(ctx, http.MethodPost, "/orders", CategoryOrders, nil, payload, true)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *Paradex) Cancel(ctx context.Context, symbol, orderID string) error {
	_, err := p.request(ctx, http.MethodDelete, "/orders/"+orderID, CategoryOrders, nil, nil, true)
	return err
}

func (p *Paradex) QueryOrder(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	body, err := p.request(ctx, http.MethodGet, "/orders/"+orderID, CategoryOrders, nil, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		Size          string `json:"size"`
		RemainingSize string `json:"remaining_size"`
		AvgFillPrice  string `json:"avg_fill_price"`
		Fees          string `json:"fees"`
		TradeIDs      []string `json:"trade_ids"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, ErrOrderNotFound
	}

	size, _ := strconv.ParseFloat(resp.Size, 64)
	remaining, _ := strconv.ParseFloat(resp.RemainingSize, 64)
	avgPx, _ := strconv.ParseFloat(resp.AvgFillPrice, 64)
	fees, _ := strconv.ParseFloat(resp.Fees, 64)
	filled := size - remaining

	status := OrderStatusOpen
	switch resp.Status {
	case "CLOSED":
		if remaining == 0 {
			status = OrderStatusFilled
		} else if filled > 0 {
			status = OrderStatusPartial
		} else {
			status = OrderStatusCancelled
		}
	case "REJECTED":
		status = OrderStatusRejected
	default:
		if filled > 0 {
			status = OrderStatusPartial
		}
	}

	return &OrderStatus{
		OrderID:   resp.ID,
		Status:    status,
		FilledQty: filled,
		AvgPrice:  avgPx,
		FeesUSD:   fees,
		TradeIDs:  resp.TradeIDs,
		UpdatedAt: time.Now(),
	}, nil
}

func (p *Paradex) FetchPosition(ctx context.Context, symbol string) (*Position, error) {
	body, err := p.request(ctx, http.MethodGet, "/positions", CategoryAccount, nil, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []struct {
			Market           string `json:"market"`
			Side             string `json:"side"`
			Size             string `json:"size"`
			AverageEntryPrice string `json:"average_entry_price"`
			UnrealizedPnl    string `json:"unrealized_pnl"`
			LiquidationPrice string `json:"liquidation_price"`
			Leverage         string `json:"leverage"`
			Margin           string `json:"margin"`
		} `json:"results"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	native := p.nativeSymbol(symbol)
	for _, pos := range resp.Results {
		if pos.Market != native {
			continue
		}

		qty, _ := strconv.ParseFloat(pos.Size, 64)
		if qty == 0 {
			return nil, nil
		}

		side := SideLong
		if strings.EqualFold(pos.Side, "SHORT") {
			side = SideShort
		}

		entry, _ := strconv.ParseFloat(pos.AverageEntryPrice, 64)
		upnl, _ := strconv.ParseFloat(pos.UnrealizedPnl, 64)
		liq, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
		lev, _ := strconv.ParseFloat(pos.Leverage, 64)
		margin, _ := strconv.ParseFloat(pos.Margin, 64)

		return &Position{
			Symbol:           symbol,
			Side:             side,
			Quantity:         qty,
			EntryPrice:       entry,
			UnrealizedPnl:    upnl,
			LiquidationPrice: liq,
			Leverage:         lev,
			MarginUsed:       margin,
		}, nil
	}

	return nil, nil
}

func (p *Paradex) FetchBalance(ctx context.Context) (*Balance, error) {
	body, err := p.request(ctx, http.MethodGet, "/account", CategoryAccount, nil, nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		AccountValue     string `json:"account_value"`
		FreeCollateral   string `json:"free_collateral"`
		MarginCumulative string `json:"margin_cumulative"`
	}
	if err := pdxJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	total, _ := strconv.ParseFloat(resp.AccountValue, 64)
	free, _ := strconv.ParseFloat(resp.FreeCollateral, 64)
	used, _ := strconv.ParseFloat(resp.MarginCumulative, 64)

	return &Balance{TotalUSD: total, FreeUSD: free, MarginUsedUSD: used}, nil
}

func (p *Paradex) Limits(ctx context.Context, symbol string) (*Limits, error) {
	if v, ok := p.limitsCache.Load(symbol); ok {
		return v.(*Limits), nil
	}

	markets, err := p.fetchMarkets(ctx)
	if err != nil {
		return nil, err
	}

	native := p.nativeSymbol(symbol)
	for _, m := range markets {
		if m.Symbol != native {
			continue
		}

		step, _ := strconv.ParseFloat(m.OrderSizeIncrement, 64)
		tick, _ := strconv.ParseFloat(m.PriceTickSize, 64)
		minNotional, _ := strconv.ParseFloat(m.MinNotional, 64)
		maxLev, _ := strconv.ParseFloat(m.MaxLeverage, 64)

		limits := &Limits{
			Symbol:      symbol,
			TickSize:    tick,
			StepSize:    step,
			MinNotional: minNotional,
			MaxLeverage: maxLev,
		}
		p.limitsCache.Store(symbol, limits)
		return limits, nil
	}

	return nil, fmt.Errorf("%w: %s on paradex", ErrUnknownSymbol, symbol)
}

// ============================================================
// WebSocket BBO
// ============================================================

type pdxWSSubscription struct {
	Method string `json:"method"`
	Params struct {
		Channel string `json:"channel"`
	} `json:"params"`
}

func (p *Paradex) SubscribeBBO(symbol string, callback func(*BBO)) error {
	var connErr error
	p.wsOnce.Do(func() {
		connErr = p.ws.Connect()
	})
	if connErr != nil {
		return connErr
	}

	native := p.nativeSymbol(symbol)

	p.callbackMu.Lock()
	p.callbacks[native] = callback
	p.callbackMu.Unlock()

	sub := pdxWSSubscription{Method: "subscribe"}
	sub.Params.Channel = "bbo." + native

	p.ws.AddSubscription(sub)
	if p.ws.IsConnected() {
		return p.ws.Send(sub)
	}
	return nil
}

func (p *Paradex) UnsubscribeBBO(symbol string) error {
	native := p.nativeSymbol(symbol)

	p.callbackMu.Lock()
	delete(p.callbacks, native)
	p.callbackMu.Unlock()

	p.ws.RemoveSubscription(func(s interface{}) bool {
		sub, ok := s.(pdxWSSubscription)
		return ok && sub.Params.Channel == "bbo."+native
	})

	unsub := pdxWSSubscription{Method: "unsubscribe"}
	unsub.Params.Channel = "bbo." + native

	if p.ws.IsConnected() {
		return p.ws.Send(unsub)
	}
	return nil
}

func (p *Paradex) handleWSMessage(message []byte) {
	var msg struct {
		Params struct {
			Channel string `json:"channel"`
			Data    struct {
				Market        string `json:"market"`
				Bid           string `json:"bid"`
				Ask           string `json:"ask"`
				LastUpdatedAt int64  `json:"last_updated_at"`
			} `json:"data"`
		} `json:"params"`
	}
	if err := pdxJSON.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Params.Channel, "bbo.") {
		return
	}

	p.callbackMu.RLock()
	callback := p.callbacks[msg.Params.Data.Market]
	p.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	bid, _ := strconv.ParseFloat(msg.Params.Data.Bid, 64)
	ask, _ := strconv.ParseFloat(msg.Params.Data.Ask, 64)
	if bid <= 0 || ask <= 0 {
		return
	}

	callback(&BBO{
		Venue:  "paradex",
		Symbol: p.baseSymbol(msg.Params.Data.Market),
		Bid:    bid,
		Ask:    ask,
		Ts:     time.UnixMilli(msg.Params.Data.LastUpdatedAt),
	})
}

func (p *Paradex) Close() error {
	return p.ws.Close()
}
