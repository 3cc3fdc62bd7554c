package venue

import (
	"context"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Client определяет унифицированную поверхность возможностей площадки.
// Каждый адаптер реализует один и тот же набор операций.
type Client interface {
	// Name возвращает имя площадки
	Name() string

	// FetchBBO получает лучший bid/ask.
	// Возвращает ErrVenueUnavailable если свежей котировки нет.
	FetchBBO(ctx context.Context, symbol string) (*BBO, error)

	// FetchFundingRates получает ставки финансирования по всем символам.
	// Адаптер ОБЯЗАН заполнить нативный интервал и вызвать нормализацию,
	// чтобы каждый sample нес 8h-нормализованную ставку.
	FetchFundingRates(ctx context.Context) (map[string]*models.FundingRateSample, error)

	// FetchMarketData получает метрики ликвидности по всем символам
	FetchMarketData(ctx context.Context) (map[string]models.MarketData, error)

	// PlaceLimit размещает лимитный ордер, возвращает ID ордера
	PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error)

	// PlaceMarket размещает рыночный ордер
	PlaceMarket(ctx context.Context, symbol, side string, qty float64) (string, error)

	// Cancel отменяет ордер
	Cancel(ctx context.Context, symbol, orderID string) error

	// QueryOrder возвращает статус и фактическое исполнение ордера
	QueryOrder(ctx context.Context, symbol, orderID string) (*OrderStatus, error)

	// SubscribeBBO подписывается на поток BBO.
	// Доставка callback'ов последовательна в рамках одной подписки;
	// после reconnect текущий BBO доставляется повторно минимум один раз.
	SubscribeBBO(symbol string, callback func(*BBO)) error

	// UnsubscribeBBO снимает подписку
	UnsubscribeBBO(symbol string) error

	// FetchPosition возвращает открытую позицию по символу (nil если нет)
	FetchPosition(ctx context.Context, symbol string) (*Position, error)

	// FetchBalance возвращает баланс фьючерсного аккаунта
	FetchBalance(ctx context.Context) (*Balance, error)

	// Limits возвращает торговые ограничения символа (кэшируются)
	Limits(ctx context.Context, symbol string) (*Limits, error)

	// Close закрывает соединения
	Close() error
}

// BBO - лучший bid и ask
type BBO struct {
	Venue  string    `json:"venue"`
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Ts     time.Time `json:"ts"`
}

// TIF варианты лимитного ордера
const (
	TifIOC = "ioc" // immediate-or-cancel, для агрессивных лимиток
	TifGTC = "gtc"
)

// Side constants
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// LimitOrderRequest - параметры лимитного ордера
type LimitOrderRequest struct {
	Symbol        string
	Side          string // buy, sell
	Quantity      float64
	Price         float64
	Tif           string
	PostOnly      bool
	ClientOrderID string // свежий uuid на каждую попытку входа
}

// OrderStatus - фактическое состояние ордера на площадке
type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"` // filled, partial, cancelled, rejected, open
	FilledQty float64   `json:"filled_qty"`
	AvgPrice  float64   `json:"avg_price"`
	FeesUSD   float64   `json:"fees_usd"`
	TradeIDs  []string  `json:"trade_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Статусы ордеров
const (
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Position - открытая позиция на площадке
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // long, short
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	Leverage         float64 `json:"leverage"`
	MarginUsed       float64 `json:"margin_used"`
}

// Стороны позиций
const (
	SideLong  = "long"
	SideShort = "short"
)

// Balance - баланс фьючерсного аккаунта в USD
type Balance struct {
	TotalUSD      float64 `json:"total_usd"`
	FreeUSD       float64 `json:"free_usd"`
	MarginUsedUSD float64 `json:"margin_used_usd"`
}

// Limits - торговые ограничения символа
type Limits struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinNotional float64 `json:"min_notional"`
	MaxLeverage float64 `json:"max_leverage"`
}

// ============================================================
// Ошибки
// ============================================================

var (
	// ErrVenueUnavailable - transient ошибки исчерпали retry,
	// либо нет свежей котировки
	ErrVenueUnavailable = errors.New("venue unavailable")

	// ErrNoProxy - у не-админского аккаунта нет активного прокси
	ErrNoProxy = errors.New("no active proxy assigned for account")

	// ErrUnknownSymbol - символ не торгуется на площадке
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrOrderNotFound - ордер не найден
	ErrOrderNotFound = errors.New("order not found")
)

// Error - типизированная ошибка площадки
type Error struct {
	Venue    string
	Code     string
	Message  string
	Original error
}

func (e *Error) Error() string {
	return e.Venue + ": " + e.Message
}

// Unwrap поддерживает errors.Is() и errors.As()
func (e *Error) Unwrap() error {
	return e.Original
}
