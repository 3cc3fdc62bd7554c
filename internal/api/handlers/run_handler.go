package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"fundingarb/internal/api/middleware"
	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/internal/supervisor"
)

// RunHandler управляет жизненным циклом запусков стратегий
//
// Endpoints:
//   - GET    /api/v1/runs              - запуски пользователя
//   - POST   /api/v1/runs              - запустить экземпляр
//   - GET    /api/v1/runs/{id}         - один запуск
//   - POST   /api/v1/runs/{id}/stop    - остановить
//   - POST   /api/v1/runs/{id}/pause   - приостановить
//   - POST   /api/v1/runs/{id}/resume  - возобновить
//   - GET    /api/v1/limits            - лимиты и текущее потребление
type RunHandler struct {
	sup    *supervisor.Supervisor
	runs   *repository.RunRepository
	logger *zap.Logger
}

// NewRunHandler создает handler запусков
func NewRunHandler(sup *supervisor.Supervisor, runs *repository.RunRepository, logger *zap.Logger) *RunHandler {
	return &RunHandler{sup: sup, runs: runs, logger: logger}
}

// SpawnRequestBody - тело запроса запуска.
// Конфиг экземпляра передаётся YAML-строкой и декодируется с
// закрытым набором ключей, как при загрузке с диска.
type SpawnRequestBody struct {
	AccountID  int    `json:"account_id"`
	ConfigID   int    `json:"config_id"`
	ConfigYAML string `json:"config_yaml"`
}

// Spawn запускает новый экземпляр стратегии
func (h *RunHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no user in context")
		return
	}

	var body SpawnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.AccountID <= 0 || body.ConfigYAML == "" {
		respondError(w, http.StatusBadRequest, "account_id and config_yaml are required")
		return
	}

	cfg := config.DefaultStrategyConfig()
	decoder := yaml.NewDecoder(strings.NewReader(body.ConfigYAML))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid strategy config: "+err.Error())
		return
	}

	run, err := h.sup.Spawn(supervisor.SpawnRequest{
		UserID:    user.ID,
		AccountID: body.AccountID,
		ConfigID:  body.ConfigID,
		Config:    cfg,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrStartRejected) {
			respondError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		if errors.Is(err, supervisor.ErrNoFreePorts) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("spawn failed", zap.Int("user_id", user.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "spawn failed: "+err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, run)
}

// List возвращает запуски пользователя
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no user in context")
		return
	}

	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		if parsed, err := strconv.Atoi(param); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	runs, err := h.runs.GetByUser(user.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "load runs: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "total": len(runs)})
}

// Get возвращает один запуск
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authorizedRun(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// Stop останавливает запуск
func (h *RunHandler) Stop(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authorizedRun(w, r)
	if !ok {
		return
	}

	if err := h.sup.Stop(run.ID, run.UserID); err != nil {
		respondError(w, http.StatusInternalServerError, "stop failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": models.RunStatusStopped})
}

// Pause приостанавливает сканирование запуска
func (h *RunHandler) Pause(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authorizedRun(w, r)
	if !ok {
		return
	}

	if err := h.sup.Pause(run.ID); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": models.RunStatusPaused})
}

// Resume возобновляет приостановленный запуск
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	run, ok := h.authorizedRun(w, r)
	if !ok {
		return
	}

	if err := h.sup.Resume(run.ID); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": models.RunStatusRunning})
}

// LimitsResponse - лимиты пользователя и текущее потребление
type LimitsResponse struct {
	DailyStartLimit int        `json:"daily_start_limit"`
	StartsToday     int        `json:"starts_today"`
	StartCooldownS  float64    `json:"start_cooldown_sec"`
	LastStartAt     *time.Time `json:"last_start_at,omitempty"`
	MaxErrorRate    float64    `json:"max_error_rate"`
	ErrorRateWindow int        `json:"error_rate_window"`
}

// Limits возвращает лимиты запусков и их потребление
func (h *RunHandler) Limits(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no user in context")
		return
	}

	limits := models.DefaultSafetyLimits(user.ID)

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	startsToday, err := h.runs.CountStartsSince(user.ID, dayStart)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count starts: "+err.Error())
		return
	}
	lastStart, err := h.runs.LastStartAt(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "last start: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, LimitsResponse{
		DailyStartLimit: limits.DailyStartLimit,
		StartsToday:     startsToday,
		StartCooldownS:  limits.StartCooldown.Seconds(),
		LastStartAt:     lastStart,
		MaxErrorRate:    limits.MaxErrorRate,
		ErrorRateWindow: limits.ErrorRateWindow,
	})
}

// HeartbeatBody - тело heartbeat от экземпляра
type HeartbeatBody struct {
	Health     string `json:"health"`
	ErrorCount int    `json:"error_count"`
}

// Heartbeat принимает heartbeat экземпляра стратегии.
// Регистрируется на внутреннем subrouter'е без API-key auth:
// экземпляры ходят по локальной сети control plane.
func (h *RunHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	var body HeartbeatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid heartbeat body")
		return
	}

	if err := h.sup.RecordHeartbeat(runID, body.Health, body.ErrorCount); err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorizedRun загружает запуск из path и проверяет владение
func (h *RunHandler) authorizedRun(w http.ResponseWriter, r *http.Request) (*models.StrategyRun, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no user in context")
		return nil, false
	}

	runID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return nil, false
	}

	run, err := h.runs.GetByID(runID)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, "load run: "+err.Error())
		return nil, false
	}

	if run.UserID != user.ID && !user.IsAdmin {
		respondError(w, http.StatusForbidden, "run belongs to another user")
		return nil, false
	}

	return run, true
}
