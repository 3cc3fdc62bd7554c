package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

func newPositionHandler(t *testing.T) (*PositionHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	handler := NewPositionHandler(
		repository.NewPositionRepository(db),
		repository.NewAccountRepository(db),
		zap.NewNop(),
	)
	return handler, mock
}

func TestPositionHandlerActive(t *testing.T) {
	t.Run("returns positions for account owner", func(t *testing.T) {
		handler, mock := newPositionHandler(t)

		expectAccountRow(mock, 5, 1)
		rows := sqlmock.NewRows(positionColumnNames)
		positionRow(rows, 10, 5, "BTC", models.PositionStatusOpen)
		positionRow(rows, 11, 5, "ETH", models.PositionStatusPendingClose)
		mock.ExpectQuery(`SELECT (.+) FROM positions`).WillReturnRows(rows)

		req := authedRequest(http.MethodGet, "/api/v1/accounts/5/positions", &models.User{ID: 1}, nil)
		req = withVars(req, map[string]string{"id": "5"})
		w := httptest.NewRecorder()

		handler.Active(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var response struct {
			Positions []*models.PairedPosition `json:"positions"`
			Total     int                      `json:"total"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, 2, response.Total)
		assert.Equal(t, "BTC", response.Positions[0].Symbol)
	})

	t.Run("forbidden for stranger", func(t *testing.T) {
		handler, mock := newPositionHandler(t)

		// аккаунт принадлежит пользователю 1, запрашивает 2
		expectAccountRow(mock, 5, 1)

		req := authedRequest(http.MethodGet, "/api/v1/accounts/5/positions", &models.User{ID: 2}, nil)
		req = withVars(req, map[string]string{"id": "5"})
		w := httptest.NewRecorder()

		handler.Active(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("admin sees any account", func(t *testing.T) {
		handler, mock := newPositionHandler(t)

		expectAccountRow(mock, 5, 1)
		mock.ExpectQuery(`SELECT (.+) FROM positions`).
			WillReturnRows(sqlmock.NewRows(positionColumnNames))

		req := authedRequest(http.MethodGet, "/api/v1/accounts/5/positions", &models.User{ID: 9, IsAdmin: true}, nil)
		req = withVars(req, map[string]string{"id": "5"})
		w := httptest.NewRecorder()

		handler.Active(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown account returns 404", func(t *testing.T) {
		handler, mock := newPositionHandler(t)

		mock.ExpectQuery(`SELECT id, name, user_id`).
			WillReturnRows(sqlmock.NewRows(accountColumns))

		req := authedRequest(http.MethodGet, "/api/v1/accounts/99/positions", &models.User{ID: 1}, nil)
		req = withVars(req, map[string]string{"id": "99"})
		w := httptest.NewRecorder()

		handler.Active(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid account id returns 400", func(t *testing.T) {
		handler, _ := newPositionHandler(t)

		req := authedRequest(http.MethodGet, "/api/v1/accounts/abc/positions", &models.User{ID: 1}, nil)
		req = withVars(req, map[string]string{"id": "abc"})
		w := httptest.NewRecorder()

		handler.Active(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPositionHandlerFunding(t *testing.T) {
	handler, mock := newPositionHandler(t)

	rows := sqlmock.NewRows(positionColumnNames)
	positionRow(rows, 10, 5, "BTC", models.PositionStatusOpen)
	mock.ExpectQuery(`SELECT (.+) FROM positions WHERE id`).WillReturnRows(rows)
	expectAccountRow(mock, 5, 1)

	paymentColumns := []string{
		"id", "position_id", "payment_time", "long_payment", "short_payment",
		"net_payment", "long_rate", "short_rate", "divergence",
	}
	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM funding_payments`).
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow(1, 10, now.Add(-2*time.Hour), -0.1, 0.3, 0.2, 0.0001, 0.0004, 0.0003).
			AddRow(2, 10, now.Add(-time.Hour), -0.1, 0.4, 0.3, 0.0001, 0.0005, 0.0004))

	req := authedRequest(http.MethodGet, "/api/v1/positions/10/funding", &models.User{ID: 1}, nil)
	req = withVars(req, map[string]string{"id": "10"})
	w := httptest.NewRecorder()

	handler.Funding(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Payments []*models.FundingPayment `json:"payments"`
		TotalUSD float64                  `json:"total_usd"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Len(t, response.Payments, 2)
	assert.InDelta(t, 0.5, response.TotalUSD, 1e-9)
}

func TestPositionHandlerGetStrangerPosition(t *testing.T) {
	handler, mock := newPositionHandler(t)

	rows := sqlmock.NewRows(positionColumnNames)
	positionRow(rows, 10, 5, "BTC", models.PositionStatusOpen)
	mock.ExpectQuery(`SELECT (.+) FROM positions WHERE id`).WillReturnRows(rows)
	expectAccountRow(mock, 5, 1)

	req := authedRequest(http.MethodGet, "/api/v1/positions/10", &models.User{ID: 2}, nil)
	req = withVars(req, map[string]string{"id": "10"})
	w := httptest.NewRecorder()

	handler.Get(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
