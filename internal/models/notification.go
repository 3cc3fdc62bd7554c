package models

import "time"

// Notification - строка для chat-delivery коллаборатора.
// Одно уведомление на событие жизненного цикла.
type Notification struct {
	ID        int       `json:"id" db:"id"`
	AccountID int       `json:"account_id" db:"account_id"`
	Type      string    `json:"type" db:"type"`
	Severity  string    `json:"severity" db:"severity"`
	Message   string    `json:"message" db:"message"`
	Meta      string    `json:"meta,omitempty" db:"meta"` // JSON с контекстом (size, symbol, venues)
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Типы уведомлений (закрытое перечисление)
const (
	NotificationPositionOpened     = "position_opened"
	NotificationPositionClosed     = "position_closed"
	NotificationInsufficientMargin = "insufficient_margin"
	NotificationLiquidationRisk    = "liquidation_risk"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// ValidNotificationType проверяет вхождение в перечисление
func ValidNotificationType(t string) bool {
	switch t {
	case NotificationPositionOpened, NotificationPositionClosed,
		NotificationInsufficientMargin, NotificationLiquidationRisk:
		return true
	}
	return false
}

// Ts нужен websocket hub'у для push без повторного чтения БД
func (n *Notification) Ts() time.Time {
	if n.CreatedAt.IsZero() {
		return time.Now()
	}
	return n.CreatedAt
}
