package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Ошибки менеджера процессов
var (
	ErrProgramExists   = errors.New("program already running")
	ErrProgramNotFound = errors.New("program not found")
)

// ProgramSpec - определение программы для менеджера процессов
type ProgramSpec struct {
	Name    string
	Command string
	Args    []string
}

// ProcessSupervisor - внешний менеджер процессов экземпляров.
// Одна программа = один OS процесс = один экземпляр стратегии.
type ProcessSupervisor interface {
	// Start запускает программу. Имя уникально по всему флоту.
	Start(spec ProgramSpec) error

	// Stop останавливает программу: SIGTERM, по истечении grace - SIGKILL
	Stop(name string) error

	// Running перечисляет имена живых программ
	Running() ([]string, error)

	// SetOnExit устанавливает callback завершения программы.
	// exitCode 0 - штатный выход, иначе авария.
	SetOnExit(fn func(name string, exitCode int))
}

// ExecSupervisor - exec-реализация менеджера процессов:
// запускает бинарь экземпляра напрямую и ждёт его в горутине
type ExecSupervisor struct {
	gracePeriod time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	programs map[string]*exec.Cmd
	onExit   func(name string, exitCode int)
}

// NewExecSupervisor создает exec-менеджер процессов
func NewExecSupervisor(gracePeriod time.Duration, logger *zap.Logger) *ExecSupervisor {
	return &ExecSupervisor{
		gracePeriod: gracePeriod,
		logger:      logger,
		programs:    make(map[string]*exec.Cmd),
	}
}

// SetOnExit устанавливает callback завершения
func (s *ExecSupervisor) SetOnExit(fn func(name string, exitCode int)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Start запускает программу
func (s *ExecSupervisor) Start(spec ProgramSpec) error {
	s.mu.Lock()
	if _, ok := s.programs[spec.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProgramExists, spec.Name)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	// Своя группа процессов: SIGTERM не прилетает от терминала сервера
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start program %s: %w", spec.Name, err)
	}

	s.programs[spec.Name] = cmd
	s.mu.Unlock()

	s.logger.Info("program started",
		zap.String("program", spec.Name),
		zap.Int("pid", cmd.Process.Pid),
	)

	go s.wait(spec.Name, cmd)

	return nil
}

func (s *ExecSupervisor) wait(name string, cmd *exec.Cmd) {
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	delete(s.programs, name)
	onExit := s.onExit
	s.mu.Unlock()

	s.logger.Info("program exited",
		zap.String("program", name),
		zap.Int("exit_code", exitCode),
	)

	if onExit != nil {
		onExit(name, exitCode)
	}
}

// Stop останавливает программу: SIGTERM, по grace-периоду SIGKILL
func (s *ExecSupervisor) Stop(name string) error {
	s.mu.Lock()
	cmd, ok := s.programs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal program %s: %w", name, err)
	}

	// Эскалация отдельной горутиной: Stop не блокирует вызывающего
	go func() {
		deadline := time.After(s.gracePeriod)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-deadline:
				s.mu.Lock()
				stuck, alive := s.programs[name]
				s.mu.Unlock()
				if alive {
					s.logger.Warn("grace period expired, killing program", zap.String("program", name))
					_ = stuck.Process.Kill()
				}
				return
			case <-ticker.C:
				s.mu.Lock()
				_, alive := s.programs[name]
				s.mu.Unlock()
				if !alive {
					return
				}
			}
		}
	}()

	return nil
}

// Running перечисляет живые программы
func (s *ExecSupervisor) Running() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.programs))
	for name := range s.programs {
		names = append(names, name)
	}
	return names, nil
}
