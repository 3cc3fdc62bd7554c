package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// RunStore - персистенция жизненного цикла запусков
type RunStore interface {
	Create(run *models.StrategyRun) error
	GetByID(id int) (*models.StrategyRun, error)
	GetByProgramName(name string) (*models.StrategyRun, error)
	GetAlive() ([]*models.StrategyRun, error)
	UpdateStatus(id int, status string) error
	UpdateHealth(id int, health string) error
	MarkStopped(id int, status, errorMessage string) error
	Heartbeat(id int, health string, errorCount int) error
	CountStartsSince(userID int, since time.Time) (int, error)
	LastStartAt(userID int) (*time.Time, error)
	RecentOutcomes(userID, limit int) ([]string, error)
	UsedPorts() ([]int, error)
}

// Auditor - журнал действий control plane
type Auditor interface {
	AddAuditEntry(entry *models.AuditEntry) error
}

// Supervisor управляет флотом процессов экземпляров стратегий:
// spawn под лимитами безопасности, heartbeat-надзор, остановка,
// реконсиляция с БД при старте.
type Supervisor struct {
	cfg    config.SupervisorConfig
	runs   RunStore
	proc   ProcessSupervisor
	guard  *SafetyGuard
	ports  *PortPool
	audit  Auditor
	logger *zap.Logger
}

// New создает супервизор
func New(cfg config.SupervisorConfig, runs RunStore, proc ProcessSupervisor, audit Auditor, logger *zap.Logger) (*Supervisor, error) {
	ports, err := NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:    cfg,
		runs:   runs,
		proc:   proc,
		guard:  NewSafetyGuard(runs),
		ports:  ports,
		audit:  audit,
		logger: logger,
	}
	proc.SetOnExit(s.handleExit)

	return s, nil
}

// SpawnRequest - запрос запуска экземпляра
type SpawnRequest struct {
	UserID    int
	AccountID int
	ConfigID  int
	Config    *config.StrategyConfig
	Limits    *models.SafetyLimits // nil = дефолты
}

// Spawn запускает новый экземпляр стратегии.
//
// Порядок обязателен: лимиты, порт, запись StrategyRun в статусе
// starting, материализация конфига, старт процесса. Переход в
// running происходит на первом heartbeat.
func (s *Supervisor) Spawn(req SpawnRequest) (*models.StrategyRun, error) {
	if err := s.guard.Check(req.UserID, req.Limits); err != nil {
		return nil, err
	}

	used, err := s.runs.UsedPorts()
	if err != nil {
		return nil, fmt.Errorf("load used ports: %w", err)
	}
	port, err := s.ports.Allocate(used)
	if err != nil {
		return nil, err
	}

	run := &models.StrategyRun{
		UserID:      req.UserID,
		AccountID:   req.AccountID,
		ConfigID:    req.ConfigID,
		ControlPort: port,
	}
	if err := s.runs.Create(run); err != nil {
		return nil, fmt.Errorf("create run row: %w", err)
	}

	// Конфиг экземпляра дополняется идентичностью запуска
	req.Config.RunID = run.ID
	req.Config.AccountID = req.AccountID
	req.Config.ControlAPIPort = port

	configPath := s.configPath(run.ProgramName)
	if err := config.WriteStrategyConfig(req.Config, configPath); err != nil {
		s.failSpawn(run, fmt.Sprintf("materialize config: %v", err))
		return nil, err
	}

	err = s.proc.Start(ProgramSpec{
		Name:    run.ProgramName,
		Command: s.cfg.StrategyBinary,
		Args:    []string{"-config", configPath},
	})
	if err != nil {
		s.failSpawn(run, fmt.Sprintf("start process: %v", err))
		return nil, err
	}

	s.auditAction(req.UserID, "run_start",
		fmt.Sprintf("program=%s account=%d port=%d", run.ProgramName, req.AccountID, port))
	s.logger.Info("strategy instance spawned",
		zap.String("program", run.ProgramName),
		zap.Int("run_id", run.ID),
		zap.Int("account_id", req.AccountID),
		zap.Int("control_port", port),
	)

	return run, nil
}

func (s *Supervisor) failSpawn(run *models.StrategyRun, message string) {
	if err := s.runs.MarkStopped(run.ID, models.RunStatusError, message); err != nil {
		s.logger.Error("mark failed spawn", zap.Int("run_id", run.ID), zap.Error(err))
	}
}

// Stop останавливает экземпляр по запросу пользователя
func (s *Supervisor) Stop(runID, userID int) error {
	run, err := s.runs.GetByID(runID)
	if err != nil {
		return err
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}

	if err := s.proc.Stop(run.ProgramName); err != nil && !errors.Is(err, ErrProgramNotFound) {
		return fmt.Errorf("stop program %s: %w", run.ProgramName, err)
	}

	if err := s.runs.MarkStopped(run.ID, models.RunStatusStopped, ""); err != nil {
		return err
	}
	s.removeConfig(run.ProgramName)

	s.auditAction(userID, "run_stop", fmt.Sprintf("program=%s", run.ProgramName))
	return nil
}

// Pause переводит запуск в paused (процесс жив, сканирование стоит)
func (s *Supervisor) Pause(runID int) error {
	run, err := s.runs.GetByID(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusRunning {
		return fmt.Errorf("run %d is %s, only running can be paused", runID, run.Status)
	}
	if err := s.runs.UpdateStatus(runID, models.RunStatusPaused); err != nil {
		return err
	}
	s.signalInstance(run, "pause")
	return nil
}

// Resume возвращает paused запуск в running
func (s *Supervisor) Resume(runID int) error {
	run, err := s.runs.GetByID(runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPaused {
		return fmt.Errorf("run %d is %s, only paused can be resumed", runID, run.Status)
	}
	if err := s.runs.UpdateStatus(runID, models.RunStatusRunning); err != nil {
		return err
	}
	s.signalInstance(run, "resume")
	return nil
}

// signalInstance передает команду на control API экземпляра.
// БД уже обновлена; недоставка не откатывает статус, команда
// идемпотентна и может быть повторена оператором.
func (s *Supervisor) signalInstance(run *models.StrategyRun, action string) {
	url := fmt.Sprintf("http://127.0.0.1:%d/%s", run.ControlPort, action)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		s.logger.Warn("instance control call failed",
			zap.String("program", run.ProgramName),
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("instance control call rejected",
			zap.String("program", run.ProgramName),
			zap.String("action", action),
			zap.Int("status", resp.StatusCode),
		)
	}
}

// RecordHeartbeat принимает heartbeat экземпляра.
// Первый heartbeat переводит starting → running.
func (s *Supervisor) RecordHeartbeat(runID int, health string, errorCount int) error {
	run, err := s.runs.GetByID(runID)
	if err != nil {
		return err
	}
	if models.IsTerminalRunStatus(run.Status) {
		return fmt.Errorf("run %d already %s", runID, run.Status)
	}

	if err := s.runs.Heartbeat(runID, health, errorCount); err != nil {
		return err
	}

	if run.Status == models.RunStatusStarting {
		if err := s.runs.UpdateStatus(runID, models.RunStatusRunning); err != nil {
			return err
		}
		s.logger.Info("first heartbeat, run is live", zap.Int("run_id", runID))
	}

	return nil
}

// WatchHealth деградирует здоровье запусков без heartbeat'ов.
// Просрочка сверх таймаута - degraded, сверх двойного - unhealthy.
func (s *Supervisor) WatchHealth(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHeartbeats()
		}
	}
}

func (s *Supervisor) checkHeartbeats() {
	alive, err := s.runs.GetAlive()
	if err != nil {
		s.logger.Error("heartbeat check: load runs", zap.Error(err))
		return
	}

	now := time.Now()
	for _, run := range alive {
		last := run.StartedAt
		if run.LastHeartbeat != nil {
			last = *run.LastHeartbeat
		}

		age := now.Sub(last)
		var health string
		switch {
		case age > 2*s.cfg.HeartbeatTimeout:
			health = models.HealthUnhealthy
		case age > s.cfg.HeartbeatTimeout:
			health = models.HealthDegraded
		default:
			continue
		}

		if run.Health == health {
			continue
		}
		if err := s.runs.UpdateHealth(run.ID, health); err != nil {
			s.logger.Error("update health", zap.Int("run_id", run.ID), zap.Error(err))
			continue
		}
		s.logger.Warn("run health degraded",
			zap.Int("run_id", run.ID),
			zap.String("program", run.ProgramName),
			zap.String("health", health),
			zap.Duration("heartbeat_age", age),
		)
	}
}

// handleExit фиксирует терминальный статус по коду выхода процесса
func (s *Supervisor) handleExit(programName string, exitCode int) {
	run, err := s.runs.GetByProgramName(programName)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			return
		}
		s.logger.Error("exit handler: load run", zap.String("program", programName), zap.Error(err))
		return
	}
	if models.IsTerminalRunStatus(run.Status) {
		// Остановка уже оформлена через Stop
		return
	}

	status := models.RunStatusStopped
	message := ""
	if exitCode != 0 {
		status = models.RunStatusError
		message = fmt.Sprintf("process exited with code %d", exitCode)
	}

	if err := s.runs.MarkStopped(run.ID, status, message); err != nil {
		s.logger.Error("exit handler: mark stopped", zap.Int("run_id", run.ID), zap.Error(err))
		return
	}
	s.removeConfig(programName)
}

func (s *Supervisor) configPath(programName string) string {
	return filepath.Join(s.cfg.ConfigDir, programName+".yaml")
}

func (s *Supervisor) removeConfig(programName string) {
	if err := os.Remove(s.configPath(programName)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove instance config", zap.String("program", programName), zap.Error(err))
	}
}

func (s *Supervisor) auditAction(userID int, action, details string) {
	err := s.audit.AddAuditEntry(&models.AuditEntry{
		UserID:  userID,
		Action:  action,
		Details: details,
	})
	if err != nil {
		s.logger.Warn("audit entry failed", zap.String("action", action), zap.Error(err))
	}
}
