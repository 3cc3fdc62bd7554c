package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fundingarb/internal/api/middleware"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// PositionHandler отдает парные позиции и выплаты funding
//
// Endpoints:
//   - GET /api/v1/accounts/{id}/positions           - активные позиции
//   - GET /api/v1/accounts/{id}/positions/closed    - закрытые позиции
//   - GET /api/v1/positions/{id}                    - одна позиция
//   - GET /api/v1/positions/{id}/funding            - выплаты funding позиции
type PositionHandler struct {
	positions *repository.PositionRepository
	accounts  *repository.AccountRepository
	logger    *zap.Logger
}

// NewPositionHandler создает handler позиций
func NewPositionHandler(positions *repository.PositionRepository, accounts *repository.AccountRepository, logger *zap.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, accounts: accounts, logger: logger}
}

// Active возвращает активные позиции аккаунта
func (h *PositionHandler) Active(w http.ResponseWriter, r *http.Request) {
	accountID, ok := authorizedAccount(w, r, h.accounts)
	if !ok {
		return
	}

	positions, err := h.positions.GetActiveByAccount(accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load positions: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": positions, "total": len(positions)})
}

// Closed возвращает закрытые позиции аккаунта, свежие первыми
func (h *PositionHandler) Closed(w http.ResponseWriter, r *http.Request) {
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

	positions, err := h.positions.GetClosedByAccount(accountID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load positions: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": positions, "total": len(positions)})
}

// Get возвращает одну позицию
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	position, ok := h.authorizedPosition(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, position)
}

// Funding возвращает выплаты funding по позиции
func (h *PositionHandler) Funding(w http.ResponseWriter, r *http.Request) {
	position, ok := h.authorizedPosition(w, r)
	if !ok {
		return
	}

	payments, err := h.positions.GetFundingPayments(position.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load funding payments: "+err.Error())
		return
	}

	total := 0.0
	for _, p := range payments {
		total += p.NetPayment
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"payments":  payments,
		"total_usd": total,
	})
}

// authorizedPosition загружает позицию и проверяет владение через ее аккаунт
func (h *PositionHandler) authorizedPosition(w http.ResponseWriter, r *http.Request) (*models.PairedPosition, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no user in context")
		return nil, false
	}

	positionID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid position id")
		return nil, false
	}

	position, err := h.positions.GetByID(positionID)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			respondError(w, http.StatusNotFound, "position not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "load position: "+err.Error())
		return nil, false
	}

	account, err := h.accounts.GetAccountByID(position.AccountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load account: "+err.Error())
		return nil, false
	}

	if !ownsAccount(user, account) {
		respondError(w, http.StatusForbidden, "position belongs to another user")
		return nil, false
	}

	return position, true
}
