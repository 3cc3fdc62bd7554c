package handlers

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"

	"fundingarb/internal/api/middleware"
	"fundingarb/internal/models"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// authedRequest создает запрос с пользователем в контексте,
// как после прохождения APIKeyAuth
func authedRequest(method, target string, user *models.User, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	return req.WithContext(middleware.ContextWithUser(req.Context(), user))
}

func withVars(req *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(req, vars)
}

var accountColumns = []string{"id", "name", "user_id", "is_admin", "active", "created_at"}

// expectAccountRow настраивает выдачу аккаунта, принадлежащего userID
func expectAccountRow(mock sqlmock.Sqlmock, accountID, userID int) {
	mock.ExpectQuery(`SELECT id, name, user_id, is_admin, active, created_at`).
		WillReturnRows(sqlmock.NewRows(accountColumns).
			AddRow(accountID, "main", userID, false, true, time.Now()))
}

var positionColumnNames = []string{
	"id", "account_id", "strategy_name", "symbol", "long_venue", "short_venue",
	"size_usd", "quantity", "long_entry_price", "short_entry_price", "entry_fees_usd",
	"entry_long_rate", "entry_short_rate", "entry_divergence", "status", "opened_at",
	"cumulative_funding_usd", "funding_payments_count", "closed_at", "exit_reason",
	"realized_pnl_usd",
}

func positionRow(rows *sqlmock.Rows, id, accountID int, symbol, status string) *sqlmock.Rows {
	return rows.AddRow(
		id, accountID, "funding_arb", symbol, "paradex", "hyperliquid",
		1000.0, 0.01, 100000.0, 100010.0, 1.0,
		0.0001, 0.0004, 0.0003, status, time.Now(),
		0.0, 0, nil, nil, nil,
	)
}

var runColumnNames = []string{
	"id", "user_id", "account_id", "config_id", "program_name", "control_port",
	"status", "health", "last_heartbeat", "error_count", "error_message",
	"started_at", "stopped_at",
}

func runRow(rows *sqlmock.Rows, id, userID int, status string) *sqlmock.Rows {
	return rows.AddRow(
		id, userID, 1, 0, models.ProgramNameForRun(id), 8766,
		status, models.HealthUnknown, nil, 0, "",
		time.Now(), nil,
	)
}
