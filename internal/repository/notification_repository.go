package repository

import (
	"database/sql"
	"errors"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория уведомлений
var (
	ErrInvalidNotificationType = errors.New("invalid notification type")
)

// NotificationRepository - работа с таблицей notifications
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create записывает уведомление. Тип проверяется по закрытому
// перечислению до записи.
func (r *NotificationRepository) Create(n *models.Notification) error {
	if !models.ValidNotificationType(n.Type) {
		return ErrInvalidNotificationType
	}

	query := `
		INSERT INTO notifications (account_id, type, severity, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	return r.db.QueryRow(query, n.AccountID, n.Type, n.Severity, n.Message, n.Meta, n.CreatedAt).Scan(&n.ID)
}

// GetRecent возвращает последние уведомления аккаунта
func (r *NotificationRepository) GetRecent(accountID, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, account_id, type, severity, message, meta, created_at
		FROM notifications
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		err := rows.Scan(&n.ID, &n.AccountID, &n.Type, &n.Severity, &n.Message, &n.Meta, &n.CreatedAt)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}

// LatestID возвращает наибольший id таблицы, 0 если она пуста
func (r *NotificationRepository) LatestID() (int, error) {
	var id int
	err := r.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM notifications`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetCreatedAfter возвращает уведомления с id больше указанного,
// по всем аккаунтам, в порядке создания
func (r *NotificationRepository) GetCreatedAfter(afterID, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, account_id, type, severity, message, meta, created_at
		FROM notifications
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := r.db.Query(query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		err := rows.Scan(&n.ID, &n.AccountID, &n.Type, &n.Severity, &n.Message, &n.Meta, &n.CreatedAt)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}

// DeleteOlderThan удаляет уведомления старше указанной даты
func (r *NotificationRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	query := `DELETE FROM notifications WHERE created_at < $1`

	result, err := r.db.Exec(query, timestamp)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
