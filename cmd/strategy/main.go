package main

import (
	"bytes"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"fundingarb/internal/api"
	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/internal/strategy"
	"fundingarb/internal/venue"
	"fundingarb/internal/websocket"
	"fundingarb/pkg/utils"

	_ "github.com/lib/pq"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Экземпляр стратегии: один процесс = один аккаунт = один запуск.
// Запускается супервизором, который материализует YAML конфиг и
// передает его через -config. Окружение (БД, ключ шифрования)
// наследуется от процесса супервизора.
func main() {
	configPath := flag.String("config", "", "path to strategy YAML config")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-config is required")
		os.Exit(2)
	}

	strategyCfg, err := config.LoadStrategyConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load strategy config: %v\n", err)
		os.Exit(1)
	}

	envCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load environment config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.MustLogger(envCfg.Logging.Level, envCfg.Logging.Format).With(
		zap.Int("run_id", strategyCfg.RunID),
		zap.Int("account_id", strategyCfg.AccountID),
	)
	defer logger.Sync()

	db, err := initDatabase(envCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	accountRepo := repository.NewAccountRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	fundingRepo := repository.NewFundingRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	account, err := accountRepo.GetAccountByID(strategyCfg.AccountID)
	if err != nil {
		logger.Fatal("failed to load account", zap.Error(err))
	}
	creds, err := accountRepo.GetAllCredentials(account.ID)
	if err != nil {
		logger.Fatal("failed to load credentials", zap.Error(err))
	}
	proxies, err := accountRepo.GetProxies(account.ID)
	if err != nil {
		logger.Fatal("failed to load proxies", zap.Error(err))
	}

	factory, err := venue.NewFactory([]byte(envCfg.Security.EncryptionKey), logger)
	if err != nil {
		logger.Fatal("failed to create venue factory", zap.Error(err))
	}

	clients, err := factory.BuildAll(venue.SupportedVenues(), account, creds, proxies)
	if err != nil {
		logger.Fatal("failed to build venue clients", zap.Error(err))
	}
	defer func() {
		for _, client := range clients {
			client.Close()
		}
	}()

	// Стрим экземпляра отдает только данные своего аккаунта, порт
	// слушается на loopback: авторизация сводится к разрешению всего
	hub := websocket.NewHub(func(*models.User, int) bool { return true }, logger)
	go hub.Run()

	strat := strategy.NewFundingArbStrategy(strategy.StrategyDeps{
		Config:       strategyCfg,
		Clients:      clients,
		Venues:       models.DefaultVenues(),
		Positions:    positionRepo,
		FundingStore: fundingRepo,
		Notifier:     &dbNotifier{repo: notificationRepo, hub: hub, logger: logger},
		Publisher:    hub,
		Logger:       logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control surface экземпляра
	controlRouter := api.SetupControlRoutes(strat, positionRepo, hub, strategyCfg.RunID, strategyCfg.AccountID, logger)
	controlServer := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", strategyCfg.ControlAPIPort),
		Handler:      controlRouter,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting control api", zap.String("addr", controlServer.Addr))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("control api failed", zap.Error(err))
		}
	}()

	go heartbeatLoop(ctx, strat, strategyCfg.RunID, envCfg.Supervisor.HeartbeatInterval, logger)

	runErr := make(chan error, 1)
	go func() {
		runErr <- strat.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		logger.Info("shutdown signal received")
		cancel()
		if err := <-runErr; err != nil && err != context.Canceled {
			logger.Error("strategy stopped with error", zap.Error(err))
			exitCode = 1
		}
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			logger.Error("strategy failed", zap.Error(err))
			exitCode = 1
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("control api shutdown error", zap.Error(err))
	}

	logger.Info("strategy instance stopped", zap.Int("exit_code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

// dbNotifier персистит уведомления и дублирует их в локальный стрим.
// Доставка пользователю идет через control plane, читающий таблицу
// notifications.
type dbNotifier struct {
	repo   *repository.NotificationRepository
	hub    *websocket.Hub
	logger *zap.Logger
}

func (n *dbNotifier) Notify(notification *models.Notification) {
	if err := n.repo.Create(notification); err != nil {
		n.logger.Error("failed to persist notification",
			zap.String("type", notification.Type),
			zap.Error(err),
		)
		return
	}
	n.hub.BroadcastNotification(notification)
}

// heartbeatLoop публикует живость экземпляра в control plane.
// Пропущенные heartbeat'ы деградируют здоровье на стороне
// супервизора, сам экземпляр при недоступности plane'а не падает.
func heartbeatLoop(ctx context.Context, strat *strategy.FundingArbStrategy, runID int, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	planeURL := os.Getenv("CONTROL_PLANE_URL")
	if planeURL == "" {
		planeURL = "http://127.0.0.1:8080"
	}
	url := fmt.Sprintf("%s/internal/runs/%d/heartbeat", planeURL, runID)

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body, err := json.Marshal(map[string]interface{}{
				"health":      strat.Health(),
				"error_count": strat.ErrorCount(),
			})
			if err != nil {
				continue
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				logger.Warn("heartbeat delivery failed", zap.Error(err))
				continue
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				logger.Warn("heartbeat rejected", zap.Int("status", resp.StatusCode))
			}
		}
	}
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
