package strategy

import (
	"errors"
	"time"

	"fundingarb/internal/models"
)

// PositionStore - персистенция парных позиций.
// Реализуется repository.PositionRepository.
type PositionStore interface {
	CreateOpen(p *models.PairedPosition) error
	GetByID(id int) (*models.PairedPosition, error)
	GetActiveByAccount(accountID int) ([]*models.PairedPosition, error)
	FindActive(accountID int, symbol, longVenue, shortVenue string) (*models.PairedPosition, error)
	MarkPendingClose(id int) error
	Close(id int, exitReason string, realizedPnlUSD float64, closedAt time.Time) error
	MarkError(id int, exitReason string) error
	AddFundingPayment(payment *models.FundingPayment) error
	CountActiveByAccount(accountID int) (int, error)
	SumActiveSizeByAccount(accountID int) (float64, error)
}

// Notifier доставляет пользовательские уведомления
type Notifier interface {
	Notify(n *models.Notification)
}

// NopNotifier - заглушка для тестов и отключённых уведомлений
type NopNotifier struct{}

func (NopNotifier) Notify(*models.Notification) {}

// Publisher транслирует live события экземпляра подписчикам
// control surface. Реализуется websocket.Hub.
type Publisher interface {
	BroadcastBBO(venue, symbol string, bid, ask float64, ts time.Time)
	BroadcastFunding(venue, symbol string, rate8h, intervalHours float64)
	BroadcastPositionUpdate(accountID int, data interface{})
}

// NopPublisher - заглушка при отключённом стриме
type NopPublisher struct{}

func (NopPublisher) BroadcastBBO(string, string, float64, float64, time.Time) {}
func (NopPublisher) BroadcastFunding(string, string, float64, float64)        {}
func (NopPublisher) BroadcastPositionUpdate(int, interface{})                 {}

// Ошибки pre-flight проверок входа
var (
	ErrSizeTooSmall       = errors.New("position size below venue minimum notional")
	ErrInsufficientMargin = errors.New("insufficient free margin")
	ErrDuplicatePosition  = errors.New("pair already held")
	ErrLiquidationRisk    = errors.New("estimated liquidation too close to reference price")
)
