package repository

import (
	"database/sql"
	"time"

	"fundingarb/internal/models"
)

// FundingRepository - работа с таблицами funding_rates и venue_symbols
type FundingRepository struct {
	db *sql.DB
}

// NewFundingRepository создает новый экземпляр репозитория
func NewFundingRepository(db *sql.DB) *FundingRepository {
	return &FundingRepository{db: db}
}

// InsertSamples записывает пачку наблюдений ставок
func (r *FundingRepository) InsertSamples(samples []*models.FundingRateSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO funding_rates (venue, symbol, rate_native, rate_8h, interval_hours, observed_at, next_payment_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(s.Venue, s.Symbol, s.RateNative, s.Rate8h, s.IntervalHours, s.ObservedAt, s.NextPaymentAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetLatest возвращает последнее наблюдение каждого символа площадки
func (r *FundingRepository) GetLatest(venueName string) (map[string]*models.FundingRateSample, error) {
	query := `
		SELECT DISTINCT ON (symbol) venue, symbol, rate_native, rate_8h, interval_hours, observed_at, next_payment_at
		FROM funding_rates
		WHERE venue = $1
		ORDER BY symbol, observed_at DESC`

	rows, err := r.db.Query(query, venueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*models.FundingRateSample)
	for rows.Next() {
		s := &models.FundingRateSample{}
		err := rows.Scan(&s.Venue, &s.Symbol, &s.RateNative, &s.Rate8h, &s.IntervalHours, &s.ObservedAt, &s.NextPaymentAt)
		if err != nil {
			return nil, err
		}
		out[s.Symbol] = s
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// GetHistory возвращает наблюдения символа на площадке за период
func (r *FundingRepository) GetHistory(venueName, symbol string, from, to time.Time) ([]*models.FundingRateSample, error) {
	query := `
		SELECT venue, symbol, rate_native, rate_8h, interval_hours, observed_at, next_payment_at
		FROM funding_rates
		WHERE venue = $1 AND symbol = $2 AND observed_at >= $3 AND observed_at <= $4
		ORDER BY observed_at`

	rows, err := r.db.Query(query, venueName, symbol, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*models.FundingRateSample
	for rows.Next() {
		s := &models.FundingRateSample{}
		err := rows.Scan(&s.Venue, &s.Symbol, &s.RateNative, &s.Rate8h, &s.IntervalHours, &s.ObservedAt, &s.NextPaymentAt)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return samples, nil
}

// DeleteOlderThan удаляет наблюдения старше указанной даты
func (r *FundingRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM funding_rates WHERE observed_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// UpsertIntervalOverride сохраняет наблюдённый per-symbol интервал
// финансирования. Переопределение переживает рестарт и используется
// для стабильной нормализации.
func (r *FundingRepository) UpsertIntervalOverride(venueName, symbol string, intervalHours float64) error {
	query := `
		INSERT INTO venue_symbols (venue, symbol, funding_interval_hours, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (venue, symbol)
		DO UPDATE SET funding_interval_hours = EXCLUDED.funding_interval_hours, updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(query, venueName, symbol, intervalHours, time.Now())
	return err
}

// GetIntervalOverrides возвращает сохранённые интервалы площадки
func (r *FundingRepository) GetIntervalOverrides(venueName string) (map[string]float64, error) {
	query := `
		SELECT symbol, funding_interval_hours
		FROM venue_symbols
		WHERE venue = $1 AND funding_interval_hours IS NOT NULL`

	rows, err := r.db.Query(query, venueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var interval float64
		if err := rows.Scan(&symbol, &interval); err != nil {
			return nil, err
		}
		out[symbol] = interval
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// UpsertMarketData сохраняет метрики ликвидности символа
func (r *FundingRepository) UpsertMarketData(venueName, symbol string, md models.MarketData) error {
	query := `
		INSERT INTO venue_symbols (venue, symbol, volume_24h_usd, open_interest_usd, spread_bps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (venue, symbol)
		DO UPDATE SET volume_24h_usd = EXCLUDED.volume_24h_usd,
			open_interest_usd = EXCLUDED.open_interest_usd,
			spread_bps = EXCLUDED.spread_bps,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(query, venueName, symbol, md.Volume24hUSD, md.OpenInterestUSD, md.SpreadBps, time.Now())
	return err
}

// GetMarketData возвращает сохранённые метрики ликвидности площадки
func (r *FundingRepository) GetMarketData(venueName string) (map[string]models.MarketData, error) {
	query := `
		SELECT symbol, COALESCE(volume_24h_usd, 0), COALESCE(open_interest_usd, 0), COALESCE(spread_bps, 0)
		FROM venue_symbols
		WHERE venue = $1`

	rows, err := r.db.Query(query, venueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.MarketData)
	for rows.Next() {
		var symbol string
		var md models.MarketData
		if err := rows.Scan(&symbol, &md.Volume24hUSD, &md.OpenInterestUSD, &md.SpreadBps); err != nil {
			return nil, err
		}
		out[symbol] = md
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
