package models

import "time"

// Venue представляет деривативную площадку
type Venue struct {
	ID                   int       `json:"id" db:"id"`
	Name                 string    `json:"name" db:"name"`                                     // hyperliquid, paradex
	FundingIntervalHours float64   `json:"funding_interval_hours" db:"funding_interval_hours"` // дефолтный интервал выплат
	MakerFeePct          float64   `json:"maker_fee_pct" db:"maker_fee_pct"`
	TakerFeePct          float64   `json:"taker_fee_pct" db:"taker_fee_pct"`
	LastSuccessAt        time.Time `json:"last_success_at" db:"last_success_at"`
	ConsecutiveErrors    int       `json:"consecutive_errors" db:"consecutive_errors"`
	Active               bool      `json:"active" db:"active"`
}

// DefaultVenues - параметры поддерживаемых площадок.
// Используются экземпляром стратегии, когда переопределений в БД нет.
func DefaultVenues() []Venue {
	return []Venue{
		{
			Name:                 "hyperliquid",
			FundingIntervalHours: 1,
			MakerFeePct:          0.00015,
			TakerFeePct:          0.00035,
			Active:               true,
		},
		{
			Name:                 "paradex",
			FundingIntervalHours: 8,
			MakerFeePct:          0.0002,
			TakerFeePct:          0.0003,
			Active:               true,
		},
	}
}

// VenueSymbol - маппинг (venue, symbol) → нативный символ площадки
type VenueSymbol struct {
	ID           int     `json:"id" db:"id"`
	Venue        string  `json:"venue" db:"venue"`
	Symbol       string  `json:"symbol" db:"symbol"`             // базовый актив: BTC, ETH
	NativeSymbol string  `json:"native_symbol" db:"native_symbol"` // нативный тикер площадки
	TickSize     float64 `json:"tick_size" db:"tick_size"`
	StepSize     float64 `json:"step_size" db:"step_size"`
	MinNotional  float64 `json:"min_notional" db:"min_notional"`

	// Переопределение интервала финансирования для конкретного символа.
	// nil = используется дефолт площадки.
	FundingIntervalHours *float64 `json:"funding_interval_hours,omitempty" db:"funding_interval_hours"`

	// Рыночные метрики, обновляются коллектором
	Volume24hUSD    float64   `json:"volume_24h_usd" db:"volume_24h_usd"`
	OpenInterestUSD float64   `json:"open_interest_usd" db:"open_interest_usd"`
	AvgSpreadBps    float64   `json:"avg_spread_bps" db:"avg_spread_bps"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveInterval возвращает действующий интервал финансирования:
// переопределение символа > дефолт площадки > 8 часов.
func (vs *VenueSymbol) EffectiveInterval(venueDefault float64) float64 {
	if vs.FundingIntervalHours != nil && *vs.FundingIntervalHours > 0 {
		return *vs.FundingIntervalHours
	}
	if venueDefault > 0 {
		return venueDefault
	}
	return 8
}
