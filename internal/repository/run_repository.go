package repository

import (
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория запусков
var (
	ErrRunNotFound = errors.New("strategy run not found")
)

const runColumns = `id, user_id, account_id, config_id, program_name, control_port,
		status, health, last_heartbeat, error_count, error_message, started_at, stopped_at`

// RunRepository - работа с таблицей strategy_runs
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository создает новый экземпляр репозитория
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

func scanRun(row interface{ Scan(...interface{}) error }, run *models.StrategyRun) error {
	return row.Scan(
		&run.ID,
		&run.UserID,
		&run.AccountID,
		&run.ConfigID,
		&run.ProgramName,
		&run.ControlPort,
		&run.Status,
		&run.Health,
		&run.LastHeartbeat,
		&run.ErrorCount,
		&run.ErrorMessage,
		&run.StartedAt,
		&run.StoppedAt,
	)
}

// Create создает запись запуска в статусе starting.
// program_name заполняется после получения ID, так как выводится из него.
func (r *RunRepository) Create(run *models.StrategyRun) error {
	run.Status = models.RunStatusStarting
	run.Health = models.HealthUnknown
	run.StartedAt = time.Now()

	insertQuery := `
		INSERT INTO strategy_runs (user_id, account_id, config_id, program_name, control_port, status, health, started_at)
		VALUES ($1, $2, $3, '', $4, $5, $6, $7)
		RETURNING id`

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRow(insertQuery, run.UserID, run.AccountID, run.ConfigID,
		run.ControlPort, run.Status, run.Health, run.StartedAt).Scan(&run.ID)
	if err != nil {
		return err
	}

	run.ProgramName = models.ProgramNameForRun(run.ID)

	if _, err := tx.Exec(`UPDATE strategy_runs SET program_name = $1 WHERE id = $2`, run.ProgramName, run.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByID возвращает запуск по ID
func (r *RunRepository) GetByID(id int) (*models.StrategyRun, error) {
	query := `SELECT ` + runColumns + ` FROM strategy_runs WHERE id = $1`

	run := &models.StrategyRun{}
	if err := scanRun(r.db.QueryRow(query, id), run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	return run, nil
}

// GetByProgramName возвращает запуск по имени программы
func (r *RunRepository) GetByProgramName(programName string) (*models.StrategyRun, error) {
	query := `SELECT ` + runColumns + ` FROM strategy_runs WHERE program_name = $1`

	run := &models.StrategyRun{}
	if err := scanRun(r.db.QueryRow(query, programName), run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	return run, nil
}

// GetAlive возвращает запуски, для которых ожидается живой процесс.
// Пауза процесс не убивает: paused тоже считается живым.
func (r *RunRepository) GetAlive() ([]*models.StrategyRun, error) {
	query := `SELECT ` + runColumns + `
		FROM strategy_runs
		WHERE status IN ($1, $2, $3)
		ORDER BY started_at`

	return r.queryRuns(query, models.RunStatusStarting, models.RunStatusRunning, models.RunStatusPaused)
}

// GetByUser возвращает запуски пользователя
func (r *RunRepository) GetByUser(userID, limit int) ([]*models.StrategyRun, error) {
	query := `SELECT ` + runColumns + `
		FROM strategy_runs
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	return r.queryRuns(query, userID, limit)
}

func (r *RunRepository) queryRuns(query string, args ...interface{}) ([]*models.StrategyRun, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.StrategyRun
	for rows.Next() {
		run := &models.StrategyRun{}
		if err := scanRun(rows, run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// UpdateStatus обновляет статус запуска
func (r *RunRepository) UpdateStatus(id int, status string) error {
	query := `UPDATE strategy_runs SET status = $1 WHERE id = $2`

	return r.execExpectRow(query, status, id)
}

// UpdateHealth обновляет здоровье запуска, не трогая heartbeat.
// Используется watcher'ом супервизора при пропуске heartbeat'ов.
func (r *RunRepository) UpdateHealth(id int, health string) error {
	query := `UPDATE strategy_runs SET health = $1 WHERE id = $2`

	return r.execExpectRow(query, health, id)
}

// MarkStopped переводит запуск в терминальный статус с отметкой
// времени. Уже терминальная запись не перезаписывается: при гонке
// оператора и exit-хендлера выигрывает первый финализатор, повторный
// вызов идемпотентен.
func (r *RunRepository) MarkStopped(id int, status, errorMessage string) error {
	query := `
		UPDATE strategy_runs
		SET status = $1, error_message = $2, stopped_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)`

	_, err := r.db.Exec(query, status, errorMessage, time.Now(), id,
		models.RunStatusStopped, models.RunStatusError)
	return err
}

// Heartbeat обновляет отметку живости и здоровье запуска
func (r *RunRepository) Heartbeat(id int, health string, errorCount int) error {
	query := `
		UPDATE strategy_runs
		SET last_heartbeat = $1, health = $2, error_count = $3
		WHERE id = $4`

	return r.execExpectRow(query, time.Now(), health, errorCount, id)
}

// CountStartsSince возвращает количество запусков пользователя после отметки.
// Используется для дневного лимита запусков.
func (r *RunRepository) CountStartsSince(userID int, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM strategy_runs WHERE user_id = $1 AND started_at >= $2`

	var count int
	if err := r.db.QueryRow(query, userID, since).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

// LastStartAt возвращает время последнего запуска пользователя.
// nil без ошибки означает, что запусков не было.
func (r *RunRepository) LastStartAt(userID int) (*time.Time, error) {
	query := `SELECT MAX(started_at) FROM strategy_runs WHERE user_id = $1`

	var last sql.NullTime
	if err := r.db.QueryRow(query, userID).Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}

	return &last.Time, nil
}

// RecentOutcomes возвращает статусы последних завершённых запусков
// пользователя, новые первыми. Используется для расчёта error rate.
func (r *RunRepository) RecentOutcomes(userID, limit int) ([]string, error) {
	query := `
		SELECT status
		FROM strategy_runs
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY stopped_at DESC NULLS LAST
		LIMIT $4`

	rows, err := r.db.Query(query, userID, models.RunStatusStopped, models.RunStatusError, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return statuses, nil
}

// UsedPorts возвращает порты, занятые живыми запусками,
// включая приостановленные: их процессы продолжают слушать
func (r *RunRepository) UsedPorts() ([]int, error) {
	query := `SELECT control_port FROM strategy_runs WHERE status IN ($1, $2, $3)`

	rows, err := r.db.Query(query, models.RunStatusStarting, models.RunStatusRunning, models.RunStatusPaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return ports, nil
}

func (r *RunRepository) execExpectRow(query string, args ...interface{}) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrRunNotFound
	}

	return nil
}
