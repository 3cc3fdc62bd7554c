package repository

import (
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrDuplicatePosition = errors.New("active position already exists for this pair")
	ErrInvalidTransition = errors.New("invalid position status transition")
)

const positionColumns = `id, account_id, strategy_name, symbol, long_venue, short_venue,
		size_usd, quantity, long_entry_price, short_entry_price, entry_fees_usd,
		entry_long_rate, entry_short_rate, entry_divergence,
		status, opened_at, cumulative_funding_usd, funding_payments_count,
		closed_at, exit_reason, realized_pnl_usd`

// PositionRepository - работа с таблицами positions и funding_payments
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func scanPosition(row interface{ Scan(...interface{}) error }, p *models.PairedPosition) error {
	return row.Scan(
		&p.ID,
		&p.AccountID,
		&p.StrategyName,
		&p.Symbol,
		&p.LongVenue,
		&p.ShortVenue,
		&p.SizeUSD,
		&p.Quantity,
		&p.LongEntryPrice,
		&p.ShortEntryPrice,
		&p.EntryFeesUSD,
		&p.EntryLongRate,
		&p.EntryShortRate,
		&p.EntryDivergence,
		&p.Status,
		&p.OpenedAt,
		&p.CumulativeFundingUSD,
		&p.FundingPaymentsCount,
		&p.ClosedAt,
		&p.ExitReason,
		&p.RealizedPnlUSD,
	)
}

// CreateOpen создает открытую позицию.
//
// Запись защищена частичным уникальным индексом по
// (account_id, symbol, long_venue, short_venue) для активных статусов:
// конфликт означает, что пара уже открыта, и возвращается
// ErrDuplicatePosition вместо второй записи.
func (r *PositionRepository) CreateOpen(p *models.PairedPosition) error {
	query := `
		INSERT INTO positions (account_id, strategy_name, symbol, long_venue, short_venue,
			size_usd, quantity, long_entry_price, short_entry_price, entry_fees_usd,
			entry_long_rate, entry_short_rate, entry_divergence, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account_id, symbol, long_venue, short_venue) WHERE status IN ('open', 'pending_close')
		DO NOTHING
		RETURNING id`

	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	p.Status = models.PositionStatusOpen

	err := r.db.QueryRow(
		query,
		p.AccountID,
		p.StrategyName,
		p.Symbol,
		p.LongVenue,
		p.ShortVenue,
		p.SizeUSD,
		p.Quantity,
		p.LongEntryPrice,
		p.ShortEntryPrice,
		p.EntryFeesUSD,
		p.EntryLongRate,
		p.EntryShortRate,
		p.EntryDivergence,
		p.Status,
		p.OpenedAt,
	).Scan(&p.ID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// ON CONFLICT DO NOTHING без RETURNING строки
			return ErrDuplicatePosition
		}
		return err
	}

	return nil
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(id int) (*models.PairedPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	p := &models.PairedPosition{}
	err := scanPosition(r.db.QueryRow(query, id), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}

	return p, nil
}

// GetActiveByAccount возвращает активные позиции аккаунта
func (r *PositionRepository) GetActiveByAccount(accountID int) ([]*models.PairedPosition, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status IN ($2, $3)
		ORDER BY opened_at`

	return r.queryPositions(query, accountID, models.PositionStatusOpen, models.PositionStatusPendingClose)
}

// FindActive ищет активную позицию по точной паре площадок.
// nil без ошибки означает, что позиции нет.
func (r *PositionRepository) FindActive(accountID int, symbol, longVenue, shortVenue string) (*models.PairedPosition, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND symbol = $2 AND long_venue = $3 AND short_venue = $4
			AND status IN ($5, $6)
		LIMIT 1`

	p := &models.PairedPosition{}
	err := scanPosition(r.db.QueryRow(query, accountID, symbol, longVenue, shortVenue,
		models.PositionStatusOpen, models.PositionStatusPendingClose), p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}

// GetClosedByAccount возвращает историю закрытых позиций аккаунта
func (r *PositionRepository) GetClosedByAccount(accountID, limit int) ([]*models.PairedPosition, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status = $2
		ORDER BY closed_at DESC
		LIMIT $3`

	return r.queryPositions(query, accountID, models.PositionStatusClosed, limit)
}

func (r *PositionRepository) queryPositions(query string, args ...interface{}) ([]*models.PairedPosition, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.PairedPosition
	for rows.Next() {
		p := &models.PairedPosition{}
		if err := scanPosition(rows, p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// MarkPendingClose переводит open → pending_close.
// Переход проверяется в самом UPDATE: 0 затронутых строк означает,
// что позиция уже не в статусе open.
func (r *PositionRepository) MarkPendingClose(id int) error {
	query := `UPDATE positions SET status = $1 WHERE id = $2 AND status = $3`

	result, err := r.db.Exec(query, models.PositionStatusPendingClose, id, models.PositionStatusOpen)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrInvalidTransition
	}

	return nil
}

// Close переводит pending_close → closed с финальными полями
func (r *PositionRepository) Close(id int, exitReason string, realizedPnlUSD float64, closedAt time.Time) error {
	query := `
		UPDATE positions
		SET status = $1, closed_at = $2, exit_reason = $3, realized_pnl_usd = $4
		WHERE id = $5 AND status = $6`

	result, err := r.db.Exec(query, models.PositionStatusClosed, closedAt, exitReason, realizedPnlUSD,
		id, models.PositionStatusPendingClose)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrInvalidTransition
	}

	return nil
}

// MarkError переводит активную позицию в error: закрылась только
// одна нога, пара требует ручного вмешательства
func (r *PositionRepository) MarkError(id int, exitReason string) error {
	query := `
		UPDATE positions
		SET status = $1, exit_reason = $2
		WHERE id = $3 AND status IN ($4, $5)`

	result, err := r.db.Exec(query, models.PositionStatusError, exitReason, id,
		models.PositionStatusOpen, models.PositionStatusPendingClose)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrInvalidTransition
	}

	return nil
}

// AddFundingPayment атомарно записывает выплату финансирования и
// обновляет накопленный итог позиции.
//
// Дедупликация на уникальном индексе (position_id, payment_time):
// повторная запись того же цикла выплат не меняет ни журнал,
// ни cumulative_funding_usd.
func (r *PositionRepository) AddFundingPayment(payment *models.FundingPayment) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO funding_payments (position_id, payment_time, long_payment, short_payment,
			net_payment, long_rate, short_rate, divergence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (position_id, payment_time) DO NOTHING
		RETURNING id`

	err = tx.QueryRow(
		insertQuery,
		payment.PositionID,
		payment.PaymentTime,
		payment.LongPayment,
		payment.ShortPayment,
		payment.NetPayment,
		payment.LongRate,
		payment.ShortRate,
		payment.Divergence,
	).Scan(&payment.ID)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Выплата этого цикла уже записана
			return tx.Commit()
		}
		return err
	}

	updateQuery := `
		UPDATE positions
		SET cumulative_funding_usd = cumulative_funding_usd + $1,
			funding_payments_count = funding_payments_count + 1
		WHERE id = $2`

	result, err := tx.Exec(updateQuery, payment.NetPayment, payment.PositionID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return tx.Commit()
}

// GetFundingPayments возвращает журнал выплат позиции
func (r *PositionRepository) GetFundingPayments(positionID int) ([]*models.FundingPayment, error) {
	query := `
		SELECT id, position_id, payment_time, long_payment, short_payment,
			net_payment, long_rate, short_rate, divergence
		FROM funding_payments
		WHERE position_id = $1
		ORDER BY payment_time`

	rows, err := r.db.Query(query, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.FundingPayment
	for rows.Next() {
		p := &models.FundingPayment{}
		err := rows.Scan(
			&p.ID,
			&p.PositionID,
			&p.PaymentTime,
			&p.LongPayment,
			&p.ShortPayment,
			&p.NetPayment,
			&p.LongRate,
			&p.ShortRate,
			&p.Divergence,
		)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

// CountActiveByAccount возвращает количество активных позиций аккаунта
func (r *PositionRepository) CountActiveByAccount(accountID int) (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE account_id = $1 AND status IN ($2, $3)`

	var count int
	err := r.db.QueryRow(query, accountID,
		models.PositionStatusOpen, models.PositionStatusPendingClose).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

// SumActiveSizeByAccount возвращает суммарный размер активных позиций в USD
func (r *PositionRepository) SumActiveSizeByAccount(accountID int) (float64, error) {
	query := `SELECT COALESCE(SUM(size_usd), 0) FROM positions WHERE account_id = $1 AND status IN ($2, $3)`

	var total float64
	err := r.db.QueryRow(query, accountID,
		models.PositionStatusOpen, models.PositionStatusPendingClose).Scan(&total)
	if err != nil {
		return 0, err
	}

	return total, nil
}
