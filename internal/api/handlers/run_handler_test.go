package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/internal/supervisor"
)

// stubProc - заглушка процессного слоя для handler-тестов
type stubProc struct{}

func (p *stubProc) Start(spec supervisor.ProgramSpec) error       { return nil }
func (p *stubProc) Stop(name string) error                        { return nil }
func (p *stubProc) Running() ([]string, error)                    { return nil, nil }
func (p *stubProc) SetOnExit(fn func(name string, exitCode int))  {}

type nopAuditor struct{}

func (a *nopAuditor) AddAuditEntry(entry *models.AuditEntry) error { return nil }

func newRunHandler(t *testing.T) (*RunHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	runs := repository.NewRunRepository(db)

	cfg := config.SupervisorConfig{
		StrategyBinary:    "/usr/local/bin/fundingarb-strategy",
		ConfigDir:         t.TempDir(),
		PortRangeStart:    8766,
		PortRangeEnd:      8799,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		StopGracePeriod:   10 * time.Second,
	}
	sup, err := supervisor.New(cfg, runs, &stubProc{}, &nopAuditor{}, zap.NewNop())
	require.NoError(t, err)

	return NewRunHandler(sup, runs, zap.NewNop()), mock
}

func TestRunHandlerList(t *testing.T) {
	handler, mock := newRunHandler(t)

	rows := sqlmock.NewRows(runColumnNames)
	runRow(rows, 1, 1, models.RunStatusRunning)
	runRow(rows, 2, 1, models.RunStatusStopped)
	mock.ExpectQuery(`SELECT (.+) FROM strategy_runs`).WillReturnRows(rows)

	req := authedRequest(http.MethodGet, "/api/v1/runs", &models.User{ID: 1}, nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Runs  []*models.StrategyRun `json:"runs"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, 2, response.Total)
	assert.Equal(t, "fundingarb-run-1", response.Runs[0].ProgramName)
}

func TestRunHandlerGetForbiddenForStranger(t *testing.T) {
	handler, mock := newRunHandler(t)

	rows := sqlmock.NewRows(runColumnNames)
	runRow(rows, 1, 1, models.RunStatusRunning)
	mock.ExpectQuery(`SELECT (.+) FROM strategy_runs WHERE id`).WillReturnRows(rows)

	req := authedRequest(http.MethodGet, "/api/v1/runs/1", &models.User{ID: 2}, nil)
	req = withVars(req, map[string]string{"id": "1"})
	w := httptest.NewRecorder()

	handler.Get(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRunHandlerSpawnValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{not json`},
		{name: "missing account", body: `{"config_yaml": "strategy_name: funding_arb"}`},
		{name: "missing config", body: `{"account_id": 1}`},
		{name: "unknown config key rejected", body: `{"account_id": 1, "config_yaml": "no_such_key: true"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newRunHandler(t)

			req := authedRequest(http.MethodPost, "/api/v1/runs", &models.User{ID: 1}, strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			handler.Spawn(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRunHandlerHeartbeat(t *testing.T) {
	t.Run("first heartbeat promotes starting to running", func(t *testing.T) {
		handler, mock := newRunHandler(t)

		rows := sqlmock.NewRows(runColumnNames)
		runRow(rows, 1, 1, models.RunStatusStarting)
		mock.ExpectQuery(`SELECT (.+) FROM strategy_runs WHERE id`).WillReturnRows(rows)
		mock.ExpectExec(`UPDATE strategy_runs\s+SET last_heartbeat`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE strategy_runs SET status`).
			WithArgs(models.RunStatusRunning, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		body := strings.NewReader(`{"health": "healthy", "error_count": 0}`)
		req := httptest.NewRequest(http.MethodPost, "/internal/runs/1/heartbeat", body)
		req = withVars(req, map[string]string{"id": "1"})
		w := httptest.NewRecorder()

		handler.Heartbeat(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown run returns 404", func(t *testing.T) {
		handler, mock := newRunHandler(t)

		mock.ExpectQuery(`SELECT (.+) FROM strategy_runs WHERE id`).
			WillReturnRows(sqlmock.NewRows(runColumnNames))

		body := strings.NewReader(`{"health": "healthy", "error_count": 0}`)
		req := httptest.NewRequest(http.MethodPost, "/internal/runs/42/heartbeat", body)
		req = withVars(req, map[string]string{"id": "42"})
		w := httptest.NewRecorder()

		handler.Heartbeat(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("terminal run rejected", func(t *testing.T) {
		handler, mock := newRunHandler(t)

		rows := sqlmock.NewRows(runColumnNames)
		runRow(rows, 1, 1, models.RunStatusStopped)
		mock.ExpectQuery(`SELECT (.+) FROM strategy_runs WHERE id`).WillReturnRows(rows)

		body := strings.NewReader(`{"health": "healthy", "error_count": 0}`)
		req := httptest.NewRequest(http.MethodPost, "/internal/runs/1/heartbeat", body)
		req = withVars(req, map[string]string{"id": "1"})
		w := httptest.NewRecorder()

		handler.Heartbeat(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestRunHandlerLimits(t *testing.T) {
	handler, mock := newRunHandler(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM strategy_runs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	lastStart := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT MAX\(started_at\) FROM strategy_runs`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(lastStart))

	req := authedRequest(http.MethodGet, "/api/v1/limits", &models.User{ID: 1}, nil)
	w := httptest.NewRecorder()

	handler.Limits(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response LimitsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, 10, response.DailyStartLimit)
	assert.Equal(t, 3, response.StartsToday)
	assert.InDelta(t, 300, response.StartCooldownS, 1e-9)
	require.NotNil(t, response.LastStartAt)
}
