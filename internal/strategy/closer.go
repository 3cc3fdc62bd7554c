package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	jsoniter "github.com/json-iterator/go"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

var closerJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CloseOutcome - результат попытки закрытия
type CloseOutcome struct {
	Closed         bool
	AlreadyClosing bool
	RealizedPnlUSD float64
	Err            error
}

// PositionCloser закрывает парные позиции под single-close инвариантом.
//
// Процессно-локальное множество closing_positions пускает в процедуру
// закрытия ровно одного вызывающего на позицию: остальные (медленный
// монитор, real-time монитор, пользовательская команда) возвращаются
// без действия. Вход добавляет id, выход убирает на всех путях.
type PositionCloser struct {
	clients  map[string]venue.Client
	store    PositionStore
	notifier Notifier
	logger   *zap.Logger

	closeTimeout time.Duration

	mu      sync.Mutex
	closing map[int]struct{}

	// Вызывается после успешного закрытия: отписка BBO, сброс снимка
	onClosed func(p *models.PairedPosition)
}

// NewPositionCloser создает closer
func NewPositionCloser(clients map[string]venue.Client, store PositionStore, notifier Notifier, closeTimeout time.Duration, logger *zap.Logger) *PositionCloser {
	return &PositionCloser{
		clients:      clients,
		store:        store,
		notifier:     notifier,
		logger:       logger,
		closeTimeout: closeTimeout,
		closing:      make(map[int]struct{}),
	}
}

// SetOnClosed устанавливает callback успешного закрытия
func (c *PositionCloser) SetOnClosed(fn func(p *models.PairedPosition)) {
	c.onClosed = fn
}

// IsClosing сообщает, идет ли закрытие позиции
func (c *PositionCloser) IsClosing(positionID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.closing[positionID]
	return ok
}

func (c *PositionCloser) acquire(positionID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.closing[positionID]; ok {
		return false
	}
	c.closing[positionID] = struct{}{}
	return true
}

func (c *PositionCloser) release(positionID int) {
	c.mu.Lock()
	delete(c.closing, positionID)
	c.mu.Unlock()
}

// критичные причины закрываются рыночными ордерами без торга
func isCriticalReason(reason string) bool {
	switch reason {
	case models.ExitReasonLiquidationRisk, models.ExitReasonLiquidated, models.ExitReasonLegImbalance:
		return true
	}
	return false
}

// Close выполняет процедуру закрытия пары
func (c *PositionCloser) Close(ctx context.Context, p *models.PairedPosition, reason string) CloseOutcome {
	if !c.acquire(p.ID) {
		return CloseOutcome{AlreadyClosing: true}
	}
	defer c.release(p.ID)

	started := time.Now()
	defer func() {
		closeDuration.Observe(time.Since(started).Seconds())
	}()

	if err := c.store.MarkPendingClose(p.ID); err != nil {
		// Конкурент из другого процесса уже перевёл статус
		return CloseOutcome{Err: err}
	}

	longClient, ok := c.clients[p.LongVenue]
	if !ok {
		return CloseOutcome{Err: fmt.Errorf("no client for venue %s", p.LongVenue)}
	}
	shortClient, ok := c.clients[p.ShortVenue]
	if !ok {
		return CloseOutcome{Err: fmt.Errorf("no client for venue %s", p.ShortVenue)}
	}

	critical := isCriticalReason(reason)

	closeCtx, cancel := context.WithTimeout(ctx, c.closeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var longStatus, shortStatus *venue.OrderStatus
	var longErr, shortErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		// Лонг закрывается продажей
		longStatus, longErr = c.closeLeg(closeCtx, longClient, p.Symbol, venue.SideSell, p.Quantity, critical)
	}()
	go func() {
		defer wg.Done()
		// Шорт закрывается покупкой
		shortStatus, shortErr = c.closeLeg(closeCtx, shortClient, p.Symbol, venue.SideBuy, p.Quantity, critical)
	}()
	wg.Wait()

	if longErr != nil || shortErr != nil {
		if (longErr == nil) != (shortErr == nil) {
			// Закрылась ровно одна нога: пара в error, оставшаяся
			// нога под ручным разбором
			c.logger.Error("one-sided close, residual leg remains",
				zap.Int("position_id", p.ID),
				zap.NamedError("long_err", longErr),
				zap.NamedError("short_err", shortErr),
			)
			if err := c.store.MarkError(p.ID, reason); err != nil {
				c.logger.Error("mark error failed", zap.Int("position_id", p.ID), zap.Error(err))
			}
			c.notifyError(p, reason, longErr, shortErr)
			return CloseOutcome{Err: errors.New("one leg failed to close")}
		}
		return CloseOutcome{Err: fmt.Errorf("close failed: long=%v short=%v", longErr, shortErr)}
	}

	realized := c.realizedPnl(p, longStatus, shortStatus)

	closedAt := time.Now()
	if err := c.store.Close(p.ID, reason, realized, closedAt); err != nil {
		return CloseOutcome{Err: err}
	}

	positionsClosed.WithLabelValues(reason).Inc()
	c.logger.Info("paired position closed",
		zap.Int("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("reason", reason),
		zap.Float64("realized_pnl_usd", realized),
		zap.Duration("took", time.Since(started)),
	)

	if c.onClosed != nil {
		c.onClosed(p)
	}
	c.notifyClosed(p, reason, realized)

	return CloseOutcome{Closed: true, RealizedPnlUSD: realized}
}

// closeLeg закрывает одну ногу.
//
// Критичный режим - сразу рыночный ордер. Иначе - цикл агрессивных
// IOC лимиток с пере-прайсом по свежему BBO; по исчерпании бюджета
// времени эскалация в рыночный.
func (c *PositionCloser) closeLeg(ctx context.Context, client venue.Client, symbol, side string, qty float64, critical bool) (*venue.OrderStatus, error) {
	if critical {
		return c.closeLegMarket(ctx, client, symbol, side, qty)
	}

	remaining := qty
	var fills []*venue.OrderStatus

	for remaining > 0 {
		select {
		case <-ctx.Done():
			// Бюджет времени исчерпан: добиваем рыночным
			return c.escalate(client, symbol, side, remaining, fills)
		default:
		}

		bbo, err := client.FetchBBO(ctx, symbol)
		if err != nil {
			return c.escalate(client, symbol, side, remaining, fills)
		}

		// Агрессивная лимитка: пересекаем спред на пол-спреда
		price := bbo.Bid
		if side == venue.SideBuy {
			price = bbo.Ask
		}

		orderID, err := client.PlaceLimit(ctx, venue.LimitOrderRequest{
			Symbol:        symbol,
			Side:          side,
			Quantity:      remaining,
			Price:         price,
			Tif:           venue.TifIOC,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			return c.escalate(client, symbol, side, remaining, fills)
		}

		status, err := c.awaitOrder(ctx, client, symbol, orderID)
		if err != nil {
			return c.escalate(client, symbol, side, remaining, fills)
		}

		if status.FilledQty > 0 {
			fills = append(fills, status)
			remaining -= status.FilledQty
		}
		if remaining <= qty*0.0001 {
			break
		}
	}

	return mergeFills(fills), nil
}

func (c *PositionCloser) closeLegMarket(ctx context.Context, client venue.Client, symbol, side string, qty float64) (*venue.OrderStatus, error) {
	orderID, err := client.PlaceMarket(ctx, symbol, side, qty)
	if err != nil {
		return nil, err
	}
	return c.awaitOrder(ctx, client, symbol, orderID)
}

// escalate добивает остаток рыночным ордером вне отменённого контекста
func (c *PositionCloser) escalate(client venue.Client, symbol, side string, remaining float64, fills []*venue.OrderStatus) (*venue.OrderStatus, error) {
	escCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c.logger.Warn("close escalated to market order",
		zap.String("venue", client.Name()),
		zap.String("symbol", symbol),
		zap.Float64("remaining", remaining),
	)

	status, err := c.closeLegMarket(escCtx, client, symbol, side, remaining)
	if err != nil {
		return nil, err
	}
	return mergeFills(append(fills, status)), nil
}

func (c *PositionCloser) awaitOrder(ctx context.Context, client venue.Client, symbol, orderID string) (*venue.OrderStatus, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := client.QueryOrder(ctx, symbol, orderID)
		if err == nil && isTerminalOrder(status.Status) {
			return status, nil
		}
		if err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			if status != nil {
				return status, nil
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// realizedPnl считает итог из фактических fills и комиссий
func (c *PositionCloser) realizedPnl(p *models.PairedPosition, longExit, shortExit *venue.OrderStatus) float64 {
	pnlLong := (longExit.AvgPrice - p.LongEntryPrice) * p.Quantity
	pnlShort := (p.ShortEntryPrice - shortExit.AvgPrice) * p.Quantity
	exitFees := longExit.FeesUSD + shortExit.FeesUSD

	return pnlLong + pnlShort + p.CumulativeFundingUSD - p.EntryFeesUSD - exitFees
}

func (c *PositionCloser) notifyClosed(p *models.PairedPosition, reason string, realized float64) {
	meta, _ := closerJSON.Marshal(map[string]interface{}{
		"symbol":           p.Symbol,
		"long_venue":       p.LongVenue,
		"short_venue":      p.ShortVenue,
		"size_usd":         p.SizeUSD,
		"exit_reason":      reason,
		"realized_pnl_usd": realized,
	})

	c.notifier.Notify(&models.Notification{
		AccountID: p.AccountID,
		Type:      models.NotificationPositionClosed,
		Severity:  models.SeverityInfo,
		Message:   fmt.Sprintf("%s closed (%s): %.2f USD", p.Symbol, reason, realized),
		Meta:      string(meta),
	})
}

func (c *PositionCloser) notifyError(p *models.PairedPosition, reason string, longErr, shortErr error) {
	meta, _ := closerJSON.Marshal(map[string]interface{}{
		"symbol":      p.Symbol,
		"long_venue":  p.LongVenue,
		"short_venue": p.ShortVenue,
		"reason":      reason,
		"long_err":    errString(longErr),
		"short_err":   errString(shortErr),
	})

	c.notifier.Notify(&models.Notification{
		AccountID: p.AccountID,
		Type:      models.NotificationPositionClosed,
		Severity:  models.SeverityError,
		Message:   fmt.Sprintf("%s: one leg failed to close, manual resolution required", p.Symbol),
		Meta:      string(meta),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// mergeFills сводит частичные исполнения в один статус
func mergeFills(fills []*venue.OrderStatus) *venue.OrderStatus {
	if len(fills) == 0 {
		return &venue.OrderStatus{Status: venue.OrderStatusCancelled}
	}
	if len(fills) == 1 {
		return fills[0]
	}

	merged := &venue.OrderStatus{
		OrderID:   fills[len(fills)-1].OrderID,
		Status:    venue.OrderStatusFilled,
		UpdatedAt: fills[len(fills)-1].UpdatedAt,
	}

	var prices, qtys []float64
	for _, f := range fills {
		if f.FilledQty <= 0 {
			continue
		}
		merged.FilledQty += f.FilledQty
		merged.FeesUSD += f.FeesUSD
		merged.TradeIDs = append(merged.TradeIDs, f.TradeIDs...)
		prices = append(prices, f.AvgPrice)
		qtys = append(qtys, f.FilledQty)
	}
	merged.AvgPrice = utils.WeightedAverage(prices, qtys)

	return merged
}
