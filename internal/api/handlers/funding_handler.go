package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"fundingarb/internal/repository"
)

// FundingHandler отдает снимки и историю ставок финансирования.
// Данные пишет collector, API только читает. Доступ - любому
// авторизованному пользователю, ставки не приватны.
type FundingHandler struct {
	funding *repository.FundingRepository
	logger  *zap.Logger
}

// NewFundingHandler создает handler ставок финансирования
func NewFundingHandler(funding *repository.FundingRepository, logger *zap.Logger) *FundingHandler {
	return &FundingHandler{funding: funding, logger: logger}
}

// Latest возвращает последний снимок ставок площадки
// GET /api/v1/funding/{venue}
func (h *FundingHandler) Latest(w http.ResponseWriter, r *http.Request) {
	venueName := mux.Vars(r)["venue"]

	rates, err := h.funding.GetLatest(venueName)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load funding rates: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"venue": venueName,
		"rates": rates,
		"total": len(rates),
	})
}

// History возвращает историю ставок символа за период
// GET /api/v1/funding/{venue}/{symbol}/history?hours=N
func (h *FundingHandler) History(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	venueName := vars["venue"]
	symbol := vars["symbol"]

	hours := 24
	if param := r.URL.Query().Get("hours"); param != "" {
		if parsed, err := parsePositiveInt(param, 24*30); err == nil {
			hours = parsed
		}
	}

	to := time.Now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)

	samples, err := h.funding.GetHistory(venueName, symbol, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load funding history: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"venue":   venueName,
		"symbol":  symbol,
		"from":    from,
		"to":      to,
		"samples": samples,
	})
}
