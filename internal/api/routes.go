package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fundingarb/internal/api/handlers"
	"fundingarb/internal/api/middleware"
	"fundingarb/internal/repository"
	"fundingarb/internal/strategy"
	"fundingarb/internal/supervisor"
	"fundingarb/internal/websocket"
)

// Dependencies содержит все зависимости operator API
type Dependencies struct {
	Supervisor    *supervisor.Supervisor
	Runs          *repository.RunRepository
	Positions     *repository.PositionRepository
	Accounts      *repository.AccountRepository
	Notifications *repository.NotificationRepository
	Funding       *repository.FundingRepository
	Hub           *websocket.Hub
	Logger        *zap.Logger
}

// SetupRoutes настраивает маршруты control plane
//
// Структура:
//
// /api/v1/  (X-API-Key auth)
//
//	├── /runs/
//	│   ├── GET  /             - запуски пользователя
//	│   ├── POST /             - запустить экземпляр
//	│   ├── GET  /{id}         - один запуск
//	│   ├── POST /{id}/stop    - остановить
//	│   ├── POST /{id}/pause   - приостановить
//	│   └── POST /{id}/resume  - возобновить
//	├── /limits                - лимиты запусков
//	├── /accounts/{id}/
//	│   ├── GET /positions         - активные позиции
//	│   ├── GET /positions/closed  - закрытые позиции
//	│   └── GET /notifications     - уведомления
//	├── /positions/{id}        - одна позиция
//	├── /positions/{id}/funding - выплаты funding
//	├── /funding/{venue}       - снимок ставок
//	├── /funding/{venue}/{symbol}/history - история ставок
//	└── /ws/stream             - live BBO и уведомления
//
// /internal/runs/{id}/heartbeat - heartbeat от экземпляров, без auth
// /health, /metrics             - без auth
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))

	runHandler := handlers.NewRunHandler(deps.Supervisor, deps.Runs, deps.Logger)
	positionHandler := handlers.NewPositionHandler(deps.Positions, deps.Accounts, deps.Logger)
	notificationHandler := handlers.NewNotificationHandler(deps.Notifications, deps.Accounts, deps.Logger)
	fundingHandler := handlers.NewFundingHandler(deps.Funding, deps.Logger)

	// API v1 routes, весь блок за API-key auth
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.APIKeyAuth(deps.Accounts, deps.Logger))

	// Run routes
	api.HandleFunc("/runs", runHandler.List).Methods("GET")
	api.HandleFunc("/runs", runHandler.Spawn).Methods("POST")
	api.HandleFunc("/runs/{id}", runHandler.Get).Methods("GET")
	api.HandleFunc("/runs/{id}/stop", runHandler.Stop).Methods("POST")
	api.HandleFunc("/runs/{id}/pause", runHandler.Pause).Methods("POST")
	api.HandleFunc("/runs/{id}/resume", runHandler.Resume).Methods("POST")
	api.HandleFunc("/limits", runHandler.Limits).Methods("GET")

	// Position routes
	api.HandleFunc("/accounts/{id}/positions", positionHandler.Active).Methods("GET")
	api.HandleFunc("/accounts/{id}/positions/closed", positionHandler.Closed).Methods("GET")
	api.HandleFunc("/positions/{id}", positionHandler.Get).Methods("GET")
	api.HandleFunc("/positions/{id}/funding", positionHandler.Funding).Methods("GET")

	// Notification routes
	api.HandleFunc("/accounts/{id}/notifications", notificationHandler.Recent).Methods("GET")

	// Funding rate routes
	api.HandleFunc("/funding/{venue}", fundingHandler.Latest).Methods("GET")
	api.HandleFunc("/funding/{venue}/{symbol}/history", fundingHandler.History).Methods("GET")

	// WebSocket stream, тот же auth что и REST
	if deps.Hub != nil {
		api.HandleFunc("/ws/stream", deps.Hub.ServeWS)
	}

	// Heartbeat от экземпляров. Экземпляры не имеют API ключей
	// пользователей, поэтому отдельный префикс без auth: он слушается
	// только на loopback control plane.
	internal := router.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/runs/{id}/heartbeat", runHandler.Heartbeat).Methods("POST")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// SetupControlRoutes настраивает control surface экземпляра стратегии.
// Сервится из cmd/strategy на выделенном порту, auth нет: порт
// доступен только control plane.
func SetupControlRoutes(strat *strategy.FundingArbStrategy, positions *repository.PositionRepository, hub *websocket.Hub, runID, accountID int, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))

	control := handlers.NewControlHandler(strat, positions, runID, accountID, logger)

	router.HandleFunc("/status", control.Status).Methods("GET")
	router.HandleFunc("/limits", control.Limits).Methods("GET")
	router.HandleFunc("/positions", control.Positions).Methods("GET")
	router.HandleFunc("/pause", control.Pause).Methods("POST")
	router.HandleFunc("/resume", control.Resume).Methods("POST")
	router.HandleFunc("/positions/{id}/close", control.ClosePosition).Methods("POST")

	// Live BBO, ставки и позиции экземпляра
	if hub != nil {
		router.HandleFunc("/ws/stream", hub.ServeWS)
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
