package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/pkg/ratelimit"
)

var hlJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	hyperliquidBaseURL = "https://api.hyperliquid.xyz"
	hyperliquidWSURL   = "wss://api.hyperliquid.xyz/ws"

	// Hyperliquid платит финансирование каждый час
	hyperliquidFundingInterval = 1.0
)

// Hyperliquid реализует интерфейс Client для Hyperliquid perps
type Hyperliquid struct {
	walletAddr string
	apiSecret  string

	tr        *transport
	intervals *IntervalCache
	logger    *zap.Logger

	// Кэш лимитов символов (заполняется при первом использовании)
	limitsCache sync.Map // symbol → *Limits

	// WebSocket для BBO
	ws         *WSReconnectManager
	wsOnce     sync.Once
	callbacks  map[string]func(*BBO)
	callbackMu sync.RWMutex
}

// NewHyperliquid создает адаптер Hyperliquid.
// httpClient уже привязан к egress прокси аккаунта.
func NewHyperliquid(walletAddr, apiSecret, proxyURL string, httpClient *http.Client, logger *zap.Logger) *Hyperliquid {
	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(CategoryOrders, 10, 20)
	limiter.Add(CategoryMarketData, 20, 40)
	limiter.Add(CategoryAccount, 10, 20)

	h := &Hyperliquid{
		walletAddr: walletAddr,
		apiSecret:  apiSecret,
		tr:         newTransport("hyperliquid", httpClient, limiter, logger),
		intervals:  NewIntervalCache("hyperliquid", hyperliquidFundingInterval, logger),
		logger:     logger,
		callbacks:  make(map[string]func(*BBO)),
	}

	h.ws = NewWSReconnectManager("hyperliquid", hyperliquidWSURL, proxyURL, DefaultWSReconnectConfig(), logger)
	h.ws.SetOnMessage(h.handleWSMessage)

	return h
}

func (h *Hyperliquid) Name() string { return "hyperliquid" }

// Intervals даёт доступ к кэшу интервалов (для персистенции переопределений)
func (h *Hyperliquid) Intervals() *IntervalCache { return h.intervals }

// sign подписывает приватный запрос HMAC-SHA256
func (h *Hyperliquid) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(h.apiSecret))
	mac.Write([]byte(timestamp + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// post выполняет POST запрос к /info или /exchange
func (h *Hyperliquid) post(ctx context.Context, endpoint, category string, payload interface{}, signed bool) ([]byte, error) {
	body, err := hlJSON.Marshal(payload)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		headers["HL-ADDRESS"] = h.walletAddr
		headers["HL-TIMESTAMP"] = timestamp
		headers["HL-SIGNATURE"] = h.sign(timestamp, string(body))
	}

	return h.tr.do(ctx, http.MethodPost, hyperliquidBaseURL+endpoint, category, headers, body)
}

// nativeSymbol переводит базовый актив в нативный тикер.
// Hyperliquid использует сам базовый актив: BTC, ETH.
func (h *Hyperliquid) nativeSymbol(symbol string) string {
	return strings.ToUpper(symbol)
}

func (h *Hyperliquid) FetchBBO(ctx context.Context, symbol string) (*BBO, error) {
	body, err := h.post(ctx, "/info", CategoryMarketData, map[string]string{
		"type": "l2Book",
		"coin": h.nativeSymbol(symbol),
	}, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Levels [][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
		Time int64 `json:"time"`
	}
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Levels) < 2 || len(resp.Levels[0]) == 0 || len(resp.Levels[1]) == 0 {
		return nil, &Error{
			Venue:    "hyperliquid",
			Message:  "no fresh quote for " + symbol,
			Original: ErrVenueUnavailable,
		}
	}

	bid, _ := strconv.ParseFloat(resp.Levels[0][0].Px, 64)
	ask, _ := strconv.ParseFloat(resp.Levels[1][0].Px, 64)

	return &BBO{
		Venue:  "hyperliquid",
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Ts:     time.UnixMilli(resp.Time),
	}, nil
}

func (h *Hyperliquid) FetchFundingRates(ctx context.Context) (map[string]*models.FundingRateSample, error) {
	body, err := h.post(ctx, "/info", CategoryMarketData, map[string]string{
		"type": "metaAndAssetCtxs",
	}, false)
	if err != nil {
		return nil, err
	}

	var resp []jsoniter.RawMessage
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("hyperliquid: unexpected metaAndAssetCtxs shape")
	}

	var meta struct {
		Universe []struct {
			Name         string `json:"name"`
			SzDecimals   int    `json:"szDecimals"`
			MaxLeverage  int    `json:"maxLeverage"`
		} `json:"universe"`
	}
	if err := hlJSON.Unmarshal(resp[0], &meta); err != nil {
		return nil, err
	}

	var ctxs []struct {
		Funding      string `json:"funding"`
		OpenInterest string `json:"openInterest"`
		DayNtlVlm    string `json:"dayNtlVlm"`
		MarkPx       string `json:"markPx"`
	}
	if err := hlJSON.Unmarshal(resp[1], &ctxs); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make(map[string]*models.FundingRateSample, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		rate, err := strconv.ParseFloat(ctxs[i].Funding, 64)
		if err != nil {
			continue
		}

		sample := &models.FundingRateSample{
			Venue:         "hyperliquid",
			Symbol:        asset.Name,
			RateNative:    rate,
			IntervalHours: hyperliquidFundingInterval,
			ObservedAt:    now,
		}
		// Обязательная нормализация к 8h базису
		h.intervals.Normalize(sample)
		out[asset.Name] = sample
	}

	return out, nil
}

func (h *Hyperliquid) FetchMarketData(ctx context.Context) (map[string]models.MarketData, error) {
	body, err := h.post(ctx, "/info", CategoryMarketData, map[string]string{
		"type": "metaAndAssetCtxs",
	}, false)
	if err != nil {
		return nil, err
	}

	var resp []jsoniter.RawMessage
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("hyperliquid: unexpected metaAndAssetCtxs shape")
	}

	var meta struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	if err := hlJSON.Unmarshal(resp[0], &meta); err != nil {
		return nil, err
	}

	var ctxs []struct {
		OpenInterest string `json:"openInterest"`
		DayNtlVlm    string `json:"dayNtlVlm"`
		MarkPx       string `json:"markPx"`
		ImpactPxs    []string `json:"impactPxs"`
	}
	if err := hlJSON.Unmarshal(resp[1], &ctxs); err != nil {
		return nil, err
	}

	out := make(map[string]models.MarketData, len(meta.Universe))
	for i, asset := range meta.Universe {
		if i >= len(ctxs) {
			break
		}
		oi, _ := strconv.ParseFloat(ctxs[i].OpenInterest, 64)
		vol, _ := strconv.ParseFloat(ctxs[i].DayNtlVlm, 64)
		mark, _ := strconv.ParseFloat(ctxs[i].MarkPx, 64)

		md := models.MarketData{
			Volume24hUSD:    vol,
			OpenInterestUSD: oi * mark, // OI приходит в монетах
		}
		if len(ctxs[i].ImpactPxs) == 2 {
			bid, _ := strconv.ParseFloat(ctxs[i].ImpactPxs[0], 64)
			ask, _ := strconv.ParseFloat(ctxs[i].ImpactPxs[1], 64)
			if bid > 0 && ask > bid {
				mid := (bid + ask) / 2
				md.SpreadBps = (ask - bid) / mid * 10000
			}
		}
		out[asset.Name] = md
	}

	return out, nil
}

func (h *Hyperliquid) PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error) {
	tif := "Gtc"
	if req.Tif == TifIOC {
		tif = "Ioc"
	}

	payload := map[string]interface{}{
		"action": map[string]interface{}{
			"type": "order",
			"orders": []map[string]interface{}{{
				"coin":    h.nativeSymbol(req.Symbol),
				"is_buy":  req.Side == SideBuy,
				"sz":      req.Quantity,
				"limit_px": req.Price,
				"order_type": map[string]interface{}{
					"limit": map[string]string{"tif": tif},
				},
				"reduce_only": false,
				"cloid":       req.ClientOrderID,
			}},
		},
	}
	if req.PostOnly {
		payload["action"].(map[string]interface{})["orders"].([]map[string]interface{})[0]["order_type"] = map[string]interface{}{
			"limit": map[string]string{"tif": "Alo"},
		}
	}

	body, err := h.post(ctx, "/exchange", CategoryOrders, payload, true)
	if err != nil {
		return "", err
	}

	return h.parseOrderResponse(body)
}

func (h *Hyperliquid) PlaceMarket(ctx context.Context, symbol, side string, qty float64) (string, error) {
	// У Hyperliquid нет чистых market ордеров - используется
	// агрессивная IOC лимитка с большим допуском по цене
	payload := map[string]interface{}{
		"action": map[string]interface{}{
			"type": "order",
			"orders": []map[string]interface{}{{
				"coin":   h.nativeSymbol(symbol),
				"is_buy": side == SideBuy,
				"sz":     qty,
				"order_type": map[string]interface{}{
					"market": map[string]string{},
				},
				"reduce_only": false,
			}},
		},
	}

	body, err := h.post(ctx, "/exchange", CategoryOrders, payload, true)
	if err != nil {
		return "", err
	}

	return h.parseOrderResponse(body)
}

// parseOrderResponse извлекает ID ордера из ответа /exchange
func (h *Hyperliquid) parseOrderResponse(body []byte) (string, error) {
	var resp struct {
		Status   string `json:"status"`
		Response struct {
			Data struct {
				Statuses []struct {
					Resting struct {
						Oid int64 `json:"oid"`
					} `json:"resting"`
					Filled struct {
						Oid int64 `json:"oid"`
					} `json:"filled"`
					Error string `json:"error"`
				} `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return "", err
	}

	if resp.Status != "ok" || len(resp.Response.Data.Statuses) == 0 {
		return "", &Error{Venue: "hyperliquid", Message: "order rejected: " + resp.Status}
	}

	st := resp.Response.Data.Statuses[0]
	if st.Error != "" {
		return "", &Error{Venue: "hyperliquid", Message: st.Error}
	}
	if st.Filled.Oid != 0 {
		return strconv.FormatInt(st.Filled.Oid, 10), nil
	}
	return strconv.FormatInt(st.Resting.Oid, 10), nil
}

func (h *Hyperliquid) Cancel(ctx context.Context, symbol, orderID string) error {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	payload := map[string]interface{}{
		"action": map[string]interface{}{
			"type": "cancel",
			"cancels": []map[string]interface{}{{
				"coin": h.nativeSymbol(symbol),
				"oid":  oid,
			}},
		},
	}

	_, err = h.post(ctx, "/exchange", CategoryOrders, payload, true)
	return err
}

func (h *Hyperliquid) QueryOrder(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	body, err := h.post(ctx, "/info", CategoryOrders, map[string]interface{}{
		"type": "orderStatus",
		"user": h.walletAddr,
		"oid":  oid,
	}, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status string `json:"status"`
		Order  struct {
			Order struct {
				OrigSz string `json:"origSz"`
				Sz     string `json:"sz"` // остаток
				AvgPx  string `json:"avgPx"`
			} `json:"order"`
			Status string `json:"status"`
			Fee    string `json:"fee"`
		} `json:"order"`
	}
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if resp.Status != "order" {
		return nil, ErrOrderNotFound
	}

	orig, _ := strconv.ParseFloat(resp.Order.Order.OrigSz, 64)
	remaining, _ := strconv.ParseFloat(resp.Order.Order.Sz, 64)
	avgPx, _ := strconv.ParseFloat(resp.Order.Order.AvgPx, 64)
	fee, _ := strconv.ParseFloat(resp.Order.Fee, 64)
	filled := orig - remaining

	status := OrderStatusOpen
	switch resp.Order.Status {
	case "filled":
		status = OrderStatusFilled
	case "canceled", "marginCanceled":
		status = OrderStatusCancelled
		if filled > 0 {
			status = OrderStatusPartial
		}
	case "rejected":
		status = OrderStatusRejected
	default:
		if filled > 0 && filled < orig {
			status = OrderStatusPartial
		}
	}

	return &OrderStatus{
		OrderID:   orderID,
		Status:    status,
		FilledQty: filled,
		AvgPrice:  avgPx,
		FeesUSD:   fee,
		UpdatedAt: time.Now(),
	}, nil
}

func (h *Hyperliquid) FetchPosition(ctx context.Context, symbol string) (*Position, error) {
	body, err := h.post(ctx, "/info", CategoryAccount, map[string]string{
		"type": "clearinghouseState",
		"user": h.walletAddr,
	}, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		AssetPositions []struct {
			Position struct {
				Coin           string `json:"coin"`
				Szi            string `json:"szi"` // знак = направление
				EntryPx        string `json:"entryPx"`
				UnrealizedPnl  string `json:"unrealizedPnl"`
				LiquidationPx  string `json:"liquidationPx"`
				MarginUsed     string `json:"marginUsed"`
				Leverage       struct {
					Value float64 `json:"value"`
				} `json:"leverage"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	native := h.nativeSymbol(symbol)
	for _, ap := range resp.AssetPositions {
		if ap.Position.Coin != native {
			continue
		}
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			return nil, nil
		}

		side := SideLong
		qty := szi
		if szi < 0 {
			side = SideShort
			qty = -szi
		}

		entry, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		upnl, _ := strconv.ParseFloat(ap.Position.UnrealizedPnl, 64)
		liq, _ := strconv.ParseFloat(ap.Position.LiquidationPx, 64)
		margin, _ := strconv.ParseFloat(ap.Position.MarginUsed, 64)

		return &Position{
			Symbol:           symbol,
			Side:             side,
			Quantity:         qty,
			EntryPrice:       entry,
			UnrealizedPnl:    upnl,
			LiquidationPrice: liq,
			Leverage:         ap.Position.Leverage.Value,
			MarginUsed:       margin,
		}, nil
	}

	return nil, nil
}

func (h *Hyperliquid) FetchBalance(ctx context.Context) (*Balance, error) {
	body, err := h.post(ctx, "/info", CategoryAccount, map[string]string{
		"type": "clearinghouseState",
		"user": h.walletAddr,
	}, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		MarginSummary struct {
			AccountValue    string `json:"accountValue"`
			TotalMarginUsed string `json:"totalMarginUsed"`
		} `json:"marginSummary"`
		Withdrawable string `json:"withdrawable"`
	}
	if err := hlJSON.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	total, _ := strconv.ParseFloat(resp.MarginSummary.AccountValue, 64)
	used, _ := strconv.ParseFloat(resp.MarginSummary.TotalMarginUsed, 64)
	free, _ := strconv.ParseFloat(resp.Withdrawable, 64)

	return &Balance{TotalUSD: total, FreeUSD: free, MarginUsedUSD: used}, nil
}

func (h *Hyperliquid) Limits(ctx context.Context, symbol string) (*Limits, error) {
	if v, ok := h.limitsCache.Load(symbol); ok {
		return v.(*Limits), nil
	}

	body, err := h.post(ctx, "/info", CategoryMarketData, map[string]string{"type": "meta"}, false)
	if err != nil {
		return nil, err
	}

	var meta struct {
		Universe []struct {
			Name        string `json:"name"`
			SzDecimals  int    `json:"szDecimals"`
			MaxLeverage int    `json:"maxLeverage"`
		} `json:"universe"`
	}
	if err := hlJSON.Unmarshal(body, &meta); err != nil {
		return nil, err
	}

	native := h.nativeSymbol(symbol)
	for _, asset := range meta.Universe {
		if asset.Name != native {
			continue
		}

		// szDecimals задаёт шаг количества: 3 → 0.001
		step := 1.0
		for i := 0; i < asset.SzDecimals; i++ {
			step /= 10
		}

		limits := &Limits{
			Symbol:      symbol,
			TickSize:    0.1, // уточняется по стакану при необходимости
			StepSize:    step,
			MinNotional: 10,
			MaxLeverage: float64(asset.MaxLeverage),
		}
		h.limitsCache.Store(symbol, limits)
		return limits, nil
	}

	return nil, fmt.Errorf("%w: %s on hyperliquid", ErrUnknownSymbol, symbol)
}

// ============================================================
// WebSocket BBO
// ============================================================

type hlWSSubscription struct {
	Method       string `json:"method"`
	Subscription struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	} `json:"subscription"`
}

func (h *Hyperliquid) SubscribeBBO(symbol string, callback func(*BBO)) error {
	var connErr error
	h.wsOnce.Do(func() {
		connErr = h.ws.Connect()
	})
	if connErr != nil {
		return connErr
	}

	native := h.nativeSymbol(symbol)

	h.callbackMu.Lock()
	h.callbacks[native] = callback
	h.callbackMu.Unlock()

	sub := hlWSSubscription{Method: "subscribe"}
	sub.Subscription.Type = "bbo"
	sub.Subscription.Coin = native

	h.ws.AddSubscription(sub)
	if h.ws.IsConnected() {
		return h.ws.Send(sub)
	}
	return nil
}

func (h *Hyperliquid) UnsubscribeBBO(symbol string) error {
	native := h.nativeSymbol(symbol)

	h.callbackMu.Lock()
	delete(h.callbacks, native)
	h.callbackMu.Unlock()

	h.ws.RemoveSubscription(func(s interface{}) bool {
		sub, ok := s.(hlWSSubscription)
		return ok && sub.Subscription.Coin == native
	})

	unsub := hlWSSubscription{Method: "unsubscribe"}
	unsub.Subscription.Type = "bbo"
	unsub.Subscription.Coin = native

	if h.ws.IsConnected() {
		return h.ws.Send(unsub)
	}
	return nil
}

// handleWSMessage разбирает BBO события.
// Доставка callback'ов последовательна: readPump один на соединение.
func (h *Hyperliquid) handleWSMessage(message []byte) {
	var msg struct {
		Channel string `json:"channel"`
		Data    struct {
			Coin string `json:"coin"`
			Time int64  `json:"time"`
			Bbo  []struct {
				Px string `json:"px"`
				Sz string `json:"sz"`
			} `json:"bbo"`
		} `json:"data"`
	}
	if err := hlJSON.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Channel != "bbo" || len(msg.Data.Bbo) < 2 {
		return
	}

	h.callbackMu.RLock()
	callback := h.callbacks[msg.Data.Coin]
	h.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	bid, _ := strconv.ParseFloat(msg.Data.Bbo[0].Px, 64)
	ask, _ := strconv.ParseFloat(msg.Data.Bbo[1].Px, 64)

	callback(&BBO{
		Venue:  "hyperliquid",
		Symbol: msg.Data.Coin,
		Bid:    bid,
		Ask:    ask,
		Ts:     time.UnixMilli(msg.Data.Time),
	})
}

func (h *Hyperliquid) Close() error {
	return h.ws.Close()
}
