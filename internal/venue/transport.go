package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"fundingarb/pkg/ratelimit"
	"fundingarb/pkg/retry"
)

// Категории запросов для rate limiter'а
const (
	CategoryOrders     = "orders"
	CategoryMarketData = "market_data"
	CategoryAccount    = "account"
)

// Health - счётчики здоровья площадки.
// Успех сбрасывает consecutive_errors, ошибка инкрементирует.
type Health struct {
	mu                sync.Mutex
	lastSuccessAt     time.Time
	consecutiveErrors int
}

// MarkSuccess фиксирует успешный запрос
func (h *Health) MarkSuccess() {
	h.mu.Lock()
	h.lastSuccessAt = time.Now()
	h.consecutiveErrors = 0
	h.mu.Unlock()
}

// MarkFailure фиксирует ошибку
func (h *Health) MarkFailure() {
	h.mu.Lock()
	h.consecutiveErrors++
	h.mu.Unlock()
}

// Snapshot возвращает текущие счётчики
func (h *Health) Snapshot() (time.Time, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSuccessAt, h.consecutiveErrors
}

// transport - общий транспорт адаптеров: rate limit → circuit breaker →
// HTTP с bounded retry. Transient ошибки (сеть, 5xx, таймаут) retry'ятся
// 3 раза с экспоненциальным backoff; ошибки валидации и аутентификации
// всплывают немедленно.
type transport struct {
	venue      string
	httpClient *http.Client
	limiter    *ratelimit.MultiLimiter
	breaker    *gobreaker.CircuitBreaker
	health     *Health
	logger     *zap.Logger
}

// newTransport создает транспорт площадки.
// Breaker открывается после серии подряд идущих transient ошибок
// и пропускает пробный запрос через cooldown.
func newTransport(venueName string, httpClient *http.Client, limiter *ratelimit.MultiLimiter, logger *zap.Logger) *transport {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        venueName,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("venue circuit breaker state change",
					zap.String("venue", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			}
		},
	})

	return &transport{
		venue:      venueName,
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    breaker,
		health:     &Health{},
		logger:     logger,
	}
}

// httpError - ошибка HTTP уровня с кодом ответа
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return "http " + strconv.Itoa(e.status) + ": " + e.body
}

// do выполняет запрос с retry и учётом здоровья площадки
func (t *transport) do(ctx context.Context, method, reqURL, category string, headers map[string]string, body []byte) ([]byte, error) {
	if err := t.limiter.Wait(ctx, category); err != nil {
		return nil, err
	}

	result, err := retry.DoWithResult(ctx, func() ([]byte, error) {
		raw, execErr := t.breaker.Execute(func() (interface{}, error) {
			return t.doOnce(ctx, method, reqURL, headers, body)
		})
		if execErr != nil {
			if execErr == gobreaker.ErrOpenState || execErr == gobreaker.ErrTooManyRequests {
				// Breaker открыт - не долбим площадку, но и не считаем
				// это новой ошибкой транспорта
				return nil, retry.Permanent(fmt.Errorf("%w: circuit open", ErrVenueUnavailable))
			}
			return nil, execErr
		}
		return raw.([]byte), nil
	}, retry.VenueConfig())

	if err != nil {
		t.health.MarkFailure()
		if retry.IsRetryable(err) {
			// Retry исчерпан на transient ошибке
			return nil, &Error{
				Venue:    t.venue,
				Message:  "transient errors exhausted retries",
				Original: fmt.Errorf("%w: %v", ErrVenueUnavailable, err),
			}
		}
		return nil, err
	}

	t.health.MarkSuccess()
	return result, nil
}

// doOnce - одна HTTP попытка с классификацией ошибки
func (t *transport) doOnce(ctx context.Context, method, reqURL string, headers map[string]string, body []byte) ([]byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// Сетевые ошибки transient
		return nil, retry.Temporary(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Temporary(err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.Temporary(&httpError{status: resp.StatusCode, body: truncate(respBody, 200)})
	case resp.StatusCode >= 400:
		// Аутентификация/валидация - немедленно наверх
		return nil, retry.Permanent(&Error{
			Venue:   t.venue,
			Code:    strconv.Itoa(resp.StatusCode),
			Message: truncate(respBody, 200),
		})
	}

	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
