package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"fundingarb/internal/repository"
)

// NotificationHandler отдает уведомления жизненного цикла позиций
type NotificationHandler struct {
	notifications *repository.NotificationRepository
	accounts      *repository.AccountRepository
	logger        *zap.Logger
}

// NewNotificationHandler создает handler уведомлений
func NewNotificationHandler(notifications *repository.NotificationRepository, accounts *repository.AccountRepository, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, accounts: accounts, logger: logger}
}

// Recent возвращает последние уведомления аккаунта
// GET /api/v1/accounts/{id}/notifications?limit=N
func (h *NotificationHandler) Recent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := authorizedAccount(w, r, h.accounts)
	if !ok {
		return
	}

	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		if parsed, err := strconv.Atoi(param); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	notifications, err := h.notifications.GetRecent(accountID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load notifications: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"total":         len(notifications),
	})
}
