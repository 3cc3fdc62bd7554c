package models

import "time"

// PairedPosition - связанная long+short пара на двух площадках,
// единая логическая позиция для PnL и жизненного цикла.
//
// Инварианты:
//   - обе ноги имеют равное количество базового актива в покое
//   - статус меняется монотонно: open → pending_close → closed
//   - не более одной активной позиции на (account, symbol, long_venue, short_venue)
//   - cumulative_funding_usd = сумма net_payment по всем выплатам
type PairedPosition struct {
	ID              int     `json:"id" db:"id"`
	AccountID       int     `json:"account_id" db:"account_id"`
	StrategyName    string  `json:"strategy_name" db:"strategy_name"`
	Symbol          string  `json:"symbol" db:"symbol"`
	LongVenue       string  `json:"long_venue" db:"long_venue"`
	ShortVenue      string  `json:"short_venue" db:"short_venue"`
	SizeUSD         float64 `json:"size_usd" db:"size_usd"`
	Quantity        float64 `json:"quantity" db:"quantity"` // базовый актив, одинаково на обеих ногах
	LongEntryPrice  float64 `json:"long_entry_price" db:"long_entry_price"`
	ShortEntryPrice float64 `json:"short_entry_price" db:"short_entry_price"`
	EntryFeesUSD    float64 `json:"entry_fees_usd" db:"entry_fees_usd"`

	// Ставки на момент входа (8h-нормализованные)
	EntryLongRate   float64 `json:"entry_long_rate" db:"entry_long_rate"`
	EntryShortRate  float64 `json:"entry_short_rate" db:"entry_short_rate"`
	EntryDivergence float64 `json:"entry_divergence" db:"entry_divergence"`

	Status   string    `json:"status" db:"status"`
	OpenedAt time.Time `json:"opened_at" db:"opened_at"`

	// Накопленное финансирование
	CumulativeFundingUSD float64 `json:"cumulative_funding_usd" db:"cumulative_funding_usd"`
	FundingPaymentsCount int     `json:"funding_payments_count" db:"funding_payments_count"`

	// Заполняются при закрытии
	ClosedAt       *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	ExitReason     *string    `json:"exit_reason,omitempty" db:"exit_reason"`
	RealizedPnlUSD *float64   `json:"realized_pnl_usd,omitempty" db:"realized_pnl_usd"`
}

// Статусы позиции (монотонные переходы)
const (
	PositionStatusOpen         = "open"
	PositionStatusPendingClose = "pending_close"
	PositionStatusClosed       = "closed"
	PositionStatusError        = "error" // закрылась только одна нога, нужно вмешательство
)

// Причины выхода
const (
	ExitReasonProfitTaking     = "profit_taking"
	ExitReasonFundingFlip      = "funding_flip"
	ExitReasonProfitErosion    = "profit_erosion"
	ExitReasonTimeLimit        = "time_limit"
	ExitReasonLiquidationRisk  = "liquidation_risk"
	ExitReasonLiquidated       = "liquidated"
	ExitReasonLegImbalance     = "leg_imbalance"
	ExitReasonUserRequested    = "user_requested"
	ExitReasonStrategyShutdown = "strategy_shutdown"
)

// IsActive возвращает true пока позиция не закрыта окончательно
func (p *PairedPosition) IsActive() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusPendingClose
}

// LiveLeg - живой снимок одной ноги с площадки
type LiveLeg struct {
	Venue            string  `json:"venue"`
	Side             string  `json:"side"` // long, short
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`
	Leverage         float64 `json:"leverage"`
	MarginUsed       float64 `json:"margin_used"`
}

// PositionSnapshot - агрегированный снимок пары, кэшируется монитором
type PositionSnapshot struct {
	PositionID        int       `json:"position_id"`
	Long              LiveLeg   `json:"long"`
	Short             LiveLeg   `json:"short"`
	CurrentDivergence float64   `json:"current_divergence"` // 8h-нормализованная
	UnrealizedPnlUSD  float64   `json:"unrealized_pnl_usd"`
	TakenAt           time.Time `json:"taken_at"`
}

// Age возвращает возраст снимка
func (s *PositionSnapshot) Age() time.Duration {
	return time.Since(s.TakenAt)
}
