package models

import "time"

// FundingRateSample - одно наблюдение ставки финансирования
type FundingRateSample struct {
	Venue         string     `json:"venue" db:"venue"`
	Symbol        string     `json:"symbol" db:"symbol"`
	RateNative    float64    `json:"rate_native" db:"rate_native"`       // ставка в нативном интервале
	Rate8h        float64    `json:"rate_8h" db:"rate_8h"`               // нормализованная к 8 часам
	IntervalHours float64    `json:"interval_hours" db:"interval_hours"` // нативный интервал выплат
	ObservedAt    time.Time  `json:"observed_at" db:"observed_at"`
	NextPaymentAt *time.Time `json:"next_payment_at,omitempty" db:"next_payment_at"`
}

// FundingPayment - зафиксированная выплата финансирования по паре ног.
// net_payment = long_payment + short_payment, положительное = прибыль.
type FundingPayment struct {
	ID           int       `json:"id" db:"id"`
	PositionID   int       `json:"position_id" db:"position_id"`
	PaymentTime  time.Time `json:"payment_time" db:"payment_time"`
	LongPayment  float64   `json:"long_payment" db:"long_payment"`
	ShortPayment float64   `json:"short_payment" db:"short_payment"`
	NetPayment   float64   `json:"net_payment" db:"net_payment"`
	LongRate     float64   `json:"long_rate" db:"long_rate"`
	ShortRate    float64   `json:"short_rate" db:"short_rate"`
	Divergence   float64   `json:"divergence" db:"divergence"`
}

// MarketData - метрики ликвидности символа на площадке
type MarketData struct {
	Volume24hUSD    float64 `json:"volume_24h_usd"`
	OpenInterestUSD float64 `json:"open_interest_usd"`
	SpreadBps       float64 `json:"spread_bps,omitempty"`
}
