package supervisor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// Reconcile сверяет живые запуски БД с менеджером процессов при старте
// control plane:
//   - запись в БД жива, процесса нет → stopped, "orphaned in DB"
//   - процесс жив, записи в БД нет или она терминальна → stop процесса
func (s *Supervisor) Reconcile() error {
	alive, err := s.runs.GetAlive()
	if err != nil {
		return fmt.Errorf("reconcile: load alive runs: %w", err)
	}

	running, err := s.proc.Running()
	if err != nil {
		return fmt.Errorf("reconcile: list programs: %w", err)
	}

	live := make(map[string]bool, len(running))
	for _, name := range running {
		live[name] = true
	}

	var orphanedRows, orphanedProcs int

	for _, run := range alive {
		if live[run.ProgramName] {
			continue
		}
		if err := s.runs.MarkStopped(run.ID, models.RunStatusStopped, "orphaned in DB"); err != nil {
			s.logger.Error("reconcile: mark orphaned run",
				zap.Int("run_id", run.ID),
				zap.Error(err),
			)
			continue
		}
		s.removeConfig(run.ProgramName)
		orphanedRows++
		s.logger.Warn("run orphaned in DB, marked stopped",
			zap.Int("run_id", run.ID),
			zap.String("program", run.ProgramName),
		)
	}

	expected := make(map[string]bool, len(alive))
	for _, run := range alive {
		expected[run.ProgramName] = true
	}

	for _, name := range running {
		if expected[name] {
			continue
		}
		// Процесс без живой записи: либо записи нет вовсе,
		// либо она уже терминальна
		_, err := s.runs.GetByProgramName(name)
		if err != nil && !errors.Is(err, repository.ErrRunNotFound) {
			s.logger.Error("reconcile: load run for program", zap.String("program", name), zap.Error(err))
			continue
		}

		if err := s.proc.Stop(name); err != nil {
			s.logger.Error("reconcile: stop orphan program", zap.String("program", name), zap.Error(err))
			continue
		}
		orphanedProcs++
		s.logger.Warn("orphan program stopped", zap.String("program", name))
	}

	if orphanedRows > 0 || orphanedProcs > 0 {
		s.auditAction(0, "reconcile",
			fmt.Sprintf("orphaned_rows=%d orphaned_programs=%d", orphanedRows, orphanedProcs))
	}
	s.logger.Info("boot reconciliation done",
		zap.Int("alive_runs", len(alive)),
		zap.Int("live_programs", len(running)),
		zap.Int("orphaned_rows", orphanedRows),
		zap.Int("orphaned_programs", orphanedProcs),
	)

	return nil
}
