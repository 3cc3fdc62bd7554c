package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fundingarb/internal/repository"
	"fundingarb/internal/strategy"
)

// ControlHandler - control surface одного экземпляра стратегии.
// Сервится из cmd/strategy на control_api_port, ходит по нему только
// control plane по локальной сети.
//
// Endpoints:
//   - GET  /status                 - здоровье экземпляра
//   - GET  /limits                 - действующие лимиты
//   - GET  /positions              - активные позиции аккаунта
//   - POST /pause                  - приостановить сканирование
//   - POST /resume                 - возобновить
//   - POST /positions/{id}/close   - закрыть позицию на следующем тике
type ControlHandler struct {
	strat     *strategy.FundingArbStrategy
	positions *repository.PositionRepository
	runID     int
	accountID int
	logger    *zap.Logger
}

// NewControlHandler создает control surface экземпляра
func NewControlHandler(strat *strategy.FundingArbStrategy, positions *repository.PositionRepository, runID, accountID int, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{
		strat:     strat,
		positions: positions,
		runID:     runID,
		accountID: accountID,
		logger:    logger,
	}
}

// StatusResponse - снимок состояния экземпляра
type StatusResponse struct {
	RunID      int    `json:"run_id"`
	AccountID  int    `json:"account_id"`
	Health     string `json:"health"`
	ErrorCount int    `json:"error_count"`
	Paused     bool   `json:"paused"`
}

// Status возвращает здоровье экземпляра
func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		RunID:      h.runID,
		AccountID:  h.accountID,
		Health:     h.strat.Health(),
		ErrorCount: h.strat.ErrorCount(),
		Paused:     h.strat.Paused(),
	})
}

// Limits возвращает действующие лимиты экземпляра
func (h *ControlHandler) Limits(w http.ResponseWriter, r *http.Request) {
	cfg := h.strat.Config()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"size_usd_per_position":    cfg.SizeUSDPerPosition,
		"max_positions_total":      cfg.MaxPositionsTotal,
		"max_positions_per_symbol": cfg.MaxPositionsPerSymbol,
		"max_positions_per_venue":  cfg.MaxPositionsPerVenue,
		"min_profit_pct":           cfg.MinProfitPct,
		"min_divergence_pct":       cfg.MinDivergencePct,
	})
}

// Positions возвращает активные позиции аккаунта экземпляра
func (h *ControlHandler) Positions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.GetActiveByAccount(h.accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load positions: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"positions": positions, "total": len(positions)})
}

// Pause приостанавливает сканирование. Открытые позиции продолжают
// мониториться и закрываться по правилам риска.
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.strat.Pause()
	h.logger.Info("scanning paused via control api", zap.Int("run_id", h.runID))
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume возобновляет сканирование
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.strat.Resume()
	h.logger.Info("scanning resumed via control api", zap.Int("run_id", h.runID))
	respondJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// ClosePosition помечает позицию к закрытию на следующем тике монитора
func (h *ControlHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	position, err := h.positions.GetByID(positionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "position not found")
		return
	}
	if position.AccountID != h.accountID {
		respondError(w, http.StatusForbidden, "position belongs to another account")
		return
	}

	h.strat.Monitor().RequestClose(positionID)
	h.logger.Info("close requested via control api",
		zap.Int("run_id", h.runID),
		zap.Int("position_id", positionID),
	)
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "close_requested"})
}
