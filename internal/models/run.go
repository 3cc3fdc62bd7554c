package models

import (
	"fmt"
	"time"
)

// StrategyRun - запись о запущенном экземпляре стратегии.
// Один экземпляр = один OS процесс под супервизором.
type StrategyRun struct {
	ID          int    `json:"id" db:"id"`
	UserID      int    `json:"user_id" db:"user_id"`
	AccountID   int    `json:"account_id" db:"account_id"`
	ConfigID    int    `json:"config_id" db:"config_id"`
	ProgramName string `json:"program_name" db:"program_name"` // уникально, выводится из ID
	ControlPort int    `json:"control_port" db:"control_port"`

	Status        string     `json:"status" db:"status"`
	Health        string     `json:"health" db:"health"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	ErrorCount    int        `json:"error_count" db:"error_count"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
}

// Статусы запуска (starting → running → stopped|error; paused ↔ running)
const (
	RunStatusStarting = "starting"
	RunStatusRunning  = "running"
	RunStatusStopped  = "stopped"
	RunStatusError    = "error"
	RunStatusPaused   = "paused"
)

// Здоровье по heartbeat
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// ProgramNameForRun детерминированно выводит имя программы из ID запуска.
// Имя уникально по всему флоту.
func ProgramNameForRun(runID int) string {
	return fmt.Sprintf("fundingarb-run-%d", runID)
}

// IsTerminal возвращает true для терминальных статусов
func IsTerminalRunStatus(status string) bool {
	return status == RunStatusStopped || status == RunStatusError
}

// IsAliveRunStatus - статусы, при которых ожидается живой процесс.
// Приостановленный запуск процесс не завершает: paused тоже живой.
func IsAliveRunStatus(status string) bool {
	return status == RunStatusStarting || status == RunStatusRunning || status == RunStatusPaused
}

// SafetyLimits - лимиты запусков per-user
type SafetyLimits struct {
	UserID            int           `json:"user_id" db:"user_id"`
	DailyStartLimit   int           `json:"daily_start_limit" db:"daily_start_limit"`
	StartCooldown     time.Duration `json:"start_cooldown" db:"start_cooldown"`
	MaxErrorRate      float64       `json:"max_error_rate" db:"max_error_rate"`
	ErrorRateWindow   int           `json:"error_rate_window" db:"error_rate_window"`
}

// DefaultSafetyLimits - значения по умолчанию
func DefaultSafetyLimits(userID int) *SafetyLimits {
	return &SafetyLimits{
		UserID:          userID,
		DailyStartLimit: 10,
		StartCooldown:   5 * time.Minute,
		MaxErrorRate:    0.5,
		ErrorRateWindow: 10,
	}
}
