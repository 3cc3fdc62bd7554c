package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
)

const relayBatchLimit = 200

// NotificationSource - хвост таблицы notifications.
// Реализуется repository.NotificationRepository.
type NotificationSource interface {
	LatestID() (int, error)
	GetCreatedAfter(afterID, limit int) ([]*models.Notification, error)
}

// NotificationRelay доставляет уведомления экземпляров подписчикам
// operator API. Экземпляры пишут уведомления в БД; relay читает
// хвост таблицы и рассылает новые строки через hub, фильтрация по
// владельцу аккаунта происходит в hub'е.
type NotificationRelay struct {
	hub    *Hub
	source NotificationSource
	logger *zap.Logger

	lastID int
}

// NewNotificationRelay создает relay. Стартовая позиция - текущий
// максимум таблицы, исторические строки не переигрываются.
func NewNotificationRelay(hub *Hub, source NotificationSource, logger *zap.Logger) (*NotificationRelay, error) {
	lastID, err := source.LatestID()
	if err != nil {
		return nil, err
	}
	return &NotificationRelay{
		hub:    hub,
		source: source,
		logger: logger,
		lastID: lastID,
	}, nil
}

// Run опрашивает хвост таблицы до отмены контекста.
// Запускать в горутине: go relay.Run(ctx, interval)
func (rl *NotificationRelay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.relayOnce()
		}
	}
}

func (rl *NotificationRelay) relayOnce() {
	batch, err := rl.source.GetCreatedAfter(rl.lastID, relayBatchLimit)
	if err != nil {
		rl.logger.Error("notification relay: tail read failed", zap.Error(err))
		return
	}

	for _, n := range batch {
		rl.hub.BroadcastNotification(n)
		if n.ID > rl.lastID {
			rl.lastID = n.ID
		}
	}
}
