package supervisor

import (
	"sync"
	"time"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// fakeRunStore - in-memory RunStore
type fakeRunStore struct {
	mu   sync.Mutex
	seq  int
	runs map[int]*models.StrategyRun
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[int]*models.StrategyRun)}
}

func (s *fakeRunStore) Create(run *models.StrategyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	run.ID = s.seq
	run.ProgramName = models.ProgramNameForRun(run.ID)
	run.Status = models.RunStatusStarting
	run.Health = models.HealthUnknown
	run.StartedAt = time.Now()

	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

func (s *fakeRunStore) GetByID(id int) (*models.StrategyRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *fakeRunStore) GetByProgramName(name string) (*models.StrategyRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ProgramName == name {
			clone := *run
			return &clone, nil
		}
	}
	return nil, repository.ErrRunNotFound
}

func (s *fakeRunStore) GetAlive() ([]*models.StrategyRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.StrategyRun
	for _, run := range s.runs {
		if models.IsAliveRunStatus(run.Status) {
			clone := *run
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeRunStore) UpdateStatus(id int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repository.ErrRunNotFound
	}
	run.Status = status
	return nil
}

func (s *fakeRunStore) UpdateHealth(id int, health string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repository.ErrRunNotFound
	}
	run.Health = health
	return nil
}

func (s *fakeRunStore) MarkStopped(id int, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repository.ErrRunNotFound
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}
	now := time.Now()
	run.Status = status
	run.ErrorMessage = errorMessage
	run.StoppedAt = &now
	return nil
}

func (s *fakeRunStore) Heartbeat(id int, health string, errorCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repository.ErrRunNotFound
	}
	now := time.Now()
	run.LastHeartbeat = &now
	run.Health = health
	run.ErrorCount = errorCount
	return nil
}

func (s *fakeRunStore) CountStartsSince(userID int, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	for _, run := range s.runs {
		if run.UserID == userID && !run.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *fakeRunStore) LastStartAt(userID int) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, run := range s.runs {
		if run.UserID != userID {
			continue
		}
		at := run.StartedAt
		if last == nil || at.After(*last) {
			last = &at
		}
	}
	return last, nil
}

func (s *fakeRunStore) RecentOutcomes(userID, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, run := range s.runs {
		if run.UserID == userID && models.IsTerminalRunStatus(run.Status) {
			out = append(out, run.Status)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeRunStore) UsedPorts() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ports []int
	for _, run := range s.runs {
		if models.IsAliveRunStatus(run.Status) {
			ports = append(ports, run.ControlPort)
		}
	}
	return ports, nil
}

// seed вставляет запуск с заданными полями напрямую
func (s *fakeRunStore) seed(run *models.StrategyRun) *models.StrategyRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	run.ID = s.seq
	if run.ProgramName == "" {
		run.ProgramName = models.ProgramNameForRun(run.ID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	clone := *run
	s.runs[run.ID] = &clone
	return run
}

// fakeProc - управляемый ProcessSupervisor
type fakeProc struct {
	mu       sync.Mutex
	running  map[string]bool
	started  []ProgramSpec
	stopped  []string
	startErr error
	onExit   func(name string, exitCode int)
}

func newFakeProc() *fakeProc {
	return &fakeProc{running: make(map[string]bool)}
}

func (p *fakeProc) Start(spec ProgramSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.running[spec.Name] = true
	p.started = append(p.started, spec)
	return nil
}

func (p *fakeProc) Stop(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running[name] {
		return ErrProgramNotFound
	}
	delete(p.running, name)
	p.stopped = append(p.stopped, name)
	return nil
}

func (p *fakeProc) Running() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name := range p.running {
		names = append(names, name)
	}
	return names, nil
}

func (p *fakeProc) SetOnExit(fn func(name string, exitCode int)) {
	p.mu.Lock()
	p.onExit = fn
	p.mu.Unlock()
}

// exit эмулирует завершение процесса
func (p *fakeProc) exit(name string, code int) {
	p.mu.Lock()
	delete(p.running, name)
	fn := p.onExit
	p.mu.Unlock()
	if fn != nil {
		fn(name, code)
	}
}

// fakeAuditor запоминает записи журнала
type fakeAuditor struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (a *fakeAuditor) AddAuditEntry(entry *models.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()
	return nil
}

func (a *fakeAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}
