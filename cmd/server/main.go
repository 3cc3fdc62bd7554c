package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/api"
	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/internal/supervisor"
	"fundingarb/internal/websocket"
	"fundingarb/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.MustLogger(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	db, err := initDatabase(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database",
			zap.String("dsn", cfg.Database.DSNWithoutPassword()),
			zap.Error(err),
		)
	}
	defer db.Close()

	logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	runRepo := repository.NewRunRepository(db)
	accountRepo := repository.NewAccountRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	fundingRepo := repository.NewFundingRepository(db)

	proc := supervisor.NewExecSupervisor(cfg.Supervisor.StopGracePeriod, logger)
	sup, err := supervisor.New(cfg.Supervisor, runRepo, proc, accountRepo, logger)
	if err != nil {
		logger.Fatal("failed to create supervisor", zap.Error(err))
	}

	if cfg.Supervisor.ReconcileOnBoot {
		if err := sup.Reconcile(); err != nil {
			logger.Fatal("boot reconciliation failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.WatchHealth(ctx)

	hub := websocket.NewHub(accountAuthorizer(accountRepo), logger)
	go hub.Run()

	// Уведомления пишут экземпляры, plane рассылает их подписчикам
	relay, err := websocket.NewNotificationRelay(hub, notificationRepo, logger)
	if err != nil {
		logger.Fatal("failed to start notification relay", zap.Error(err))
	}
	go relay.Run(ctx, 2*time.Second)

	router := api.SetupRoutes(&api.Dependencies{
		Supervisor:    sup,
		Runs:          runRepo,
		Positions:     positionRepo,
		Accounts:      accountRepo,
		Notifications: notificationRepo,
		Funding:       fundingRepo,
		Hub:           hub,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting control plane server", zap.String("addr", server.Addr))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down control plane")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("control plane stopped")
}

// accountAuthorizer решает видимость приватных ws-событий:
// владелец аккаунта и админы
func accountAuthorizer(accounts *repository.AccountRepository) websocket.AuthorizeFunc {
	return func(user *models.User, accountID int) bool {
		if user == nil {
			return false
		}
		if user.IsAdmin {
			return true
		}
		account, err := accounts.GetAccountByID(accountID)
		if err != nil {
			return false
		}
		return account.UserID != nil && *account.UserID == user.ID
	}
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
