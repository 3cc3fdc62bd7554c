package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/repository"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

// EntryRequest - параметры атомарного входа
type EntryRequest struct {
	AccountID      int
	StrategyName   string
	Symbol         string
	LongVenue      string
	ShortVenue     string
	SizeUSD        float64
	ReferencePrice float64
	MaxSlippageBps float64

	// Ставки кандидата на момент входа, 8h-базис
	LongRate8h  float64
	ShortRate8h float64
}

// EntryOutcome - результат попытки входа.
// Либо Position заполнен, либо Err объясняет отказ.
type EntryOutcome struct {
	Position *models.PairedPosition
	Err      error
}

// legResult - исход одной ноги
type legResult struct {
	venueName string
	orderID   string
	status    *venue.OrderStatus
	err       error
}

// AtomicTwoLegExecutor открывает обе ноги пары или не оставляет
// новой экспозиции вовсе.
//
// Частичный вход откатывается: незакрытые ордера отменяются, и
// фактическое исполнение ПЕРЕЗАПРАШИВАЕТСЯ после отмены, потому
// что ордер мог исполниться в окне между снимком и отменой.
type AtomicTwoLegExecutor struct {
	clients map[string]venue.Client
	store   PositionStore
	logger  *zap.Logger

	entryTimeout       time.Duration
	liquidationBuffer  float64
	leverageByVenue    map[string]float64
	marginBufferFactor float64
}

// NewAtomicTwoLegExecutor создает executor
func NewAtomicTwoLegExecutor(
	clients map[string]venue.Client,
	store PositionStore,
	entryTimeout time.Duration,
	liquidationBuffer float64,
	leverageByVenue map[string]float64,
	logger *zap.Logger,
) *AtomicTwoLegExecutor {
	return &AtomicTwoLegExecutor{
		clients:            clients,
		store:              store,
		logger:             logger,
		entryTimeout:       entryTimeout,
		liquidationBuffer:  liquidationBuffer,
		leverageByVenue:    leverageByVenue,
		marginBufferFactor: 1.1,
	}
}

func (e *AtomicTwoLegExecutor) leverage(venueName string) float64 {
	if lev, ok := e.leverageByVenue[venueName]; ok && lev >= 1 {
		return lev
	}
	return 1
}

// Open выполняет pre-flight проверки и открывает обе ноги.
func (e *AtomicTwoLegExecutor) Open(ctx context.Context, req EntryRequest) EntryOutcome {
	longClient, ok := e.clients[req.LongVenue]
	if !ok {
		return EntryOutcome{Err: fmt.Errorf("no client for venue %s", req.LongVenue)}
	}
	shortClient, ok := e.clients[req.ShortVenue]
	if !ok {
		return EntryOutcome{Err: fmt.Errorf("no client for venue %s", req.ShortVenue)}
	}

	qty, err := e.preflight(ctx, req, longClient, shortClient)
	if err != nil {
		entryFailures.WithLabelValues(failureLabel(err)).Inc()
		return EntryOutcome{Err: err}
	}

	slippage := req.MaxSlippageBps / 10000
	longPrice := req.ReferencePrice * (1 + slippage)
	shortPrice := req.ReferencePrice * (1 - slippage)

	longLimits, _ := longClient.Limits(ctx, req.Symbol)
	shortLimits, _ := shortClient.Limits(ctx, req.Symbol)
	if longLimits != nil {
		longPrice = utils.RoundToTick(longPrice, longLimits.TickSize)
	}
	if shortLimits != nil {
		shortPrice = utils.RoundToTick(shortPrice, shortLimits.TickSize)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.entryTimeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]legResult, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = e.executeLeg(execCtx, longClient, req.Symbol, venue.SideBuy, qty, longPrice)
	}()
	go func() {
		defer wg.Done()
		results[1] = e.executeLeg(execCtx, shortClient, req.Symbol, venue.SideSell, qty, shortPrice)
	}()
	wg.Wait()

	longRes, shortRes := results[0], results[1]

	longFilled := legFilled(longRes, qty)
	shortFilled := legFilled(shortRes, qty)

	if !longFilled || !shortFilled {
		rollbacks.Inc()
		cost := e.rollback(ctx, req.Symbol, qty,
			rollbackLeg{client: longClient, side: venue.SideBuy, res: longRes},
			rollbackLeg{client: shortClient, side: venue.SideSell, res: shortRes},
		)
		if cost > 0 {
			rollbackCost.Add(cost)
		}
		entryFailures.WithLabelValues("leg_failed").Inc()
		e.logger.Warn("entry rolled back",
			zap.String("symbol", req.Symbol),
			zap.Float64("rollback_cost_usd", cost),
		)
		return EntryOutcome{Err: fmt.Errorf("entry failed: long=%v short=%v",
			legError(longRes), legError(shortRes))}
	}

	position := &models.PairedPosition{
		AccountID:       req.AccountID,
		StrategyName:    req.StrategyName,
		Symbol:          req.Symbol,
		LongVenue:       req.LongVenue,
		ShortVenue:      req.ShortVenue,
		SizeUSD:         req.SizeUSD,
		Quantity:        qty,
		LongEntryPrice:  longRes.status.AvgPrice,
		ShortEntryPrice: shortRes.status.AvgPrice,
		EntryFeesUSD:    longRes.status.FeesUSD + shortRes.status.FeesUSD,
		EntryLongRate:   req.LongRate8h,
		EntryShortRate:  req.ShortRate8h,
		EntryDivergence: req.ShortRate8h - req.LongRate8h,
		OpenedAt:        time.Now(),
	}

	if err := e.store.CreateOpen(position); err != nil {
		if errors.Is(err, ErrDuplicatePosition) || errors.Is(err, repository.ErrDuplicatePosition) {
			// Конкурентный повтор успел первым: наша экспозиция лишняя
			e.logger.Warn("duplicate pair detected after fill, flattening",
				zap.String("symbol", req.Symbol),
			)
			e.flatten(ctx, longClient, req.Symbol, venue.SideSell, qty)
			e.flatten(ctx, shortClient, req.Symbol, venue.SideBuy, qty)
			return EntryOutcome{Err: ErrDuplicatePosition}
		}
		// Ноги открыты, запись не прошла: оставляем экспозицию и
		// отдаем ошибку наверх, reconciliation подхватит
		e.logger.Error("position persist failed after both fills",
			zap.String("symbol", req.Symbol),
			zap.Error(err),
		)
		return EntryOutcome{Err: err}
	}

	positionsOpened.Inc()
	e.logger.Info("paired position opened",
		zap.Int("position_id", position.ID),
		zap.String("symbol", req.Symbol),
		zap.String("long_venue", req.LongVenue),
		zap.String("short_venue", req.ShortVenue),
		zap.Float64("qty", qty),
		zap.Float64("size_usd", req.SizeUSD),
	)

	return EntryOutcome{Position: position}
}

// preflight возвращает количество базового актива для обеих ног
func (e *AtomicTwoLegExecutor) preflight(ctx context.Context, req EntryRequest, longClient, shortClient venue.Client) (float64, error) {
	if req.ReferencePrice <= 0 || req.SizeUSD <= 0 {
		return 0, fmt.Errorf("invalid entry request: size=%v price=%v", req.SizeUSD, req.ReferencePrice)
	}

	longLimits, err := longClient.Limits(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}
	shortLimits, err := shortClient.Limits(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}

	// Количество одинаково на обеих ногах: округляем вниз
	// последовательно к обоим шагам
	qty := req.SizeUSD / req.ReferencePrice
	qty = utils.RoundToStep(qty, longLimits.StepSize)
	qty = utils.RoundToStep(qty, shortLimits.StepSize)

	notional := qty * req.ReferencePrice
	if qty <= 0 || notional < longLimits.MinNotional || notional < shortLimits.MinNotional {
		return 0, fmt.Errorf("%w: notional %.2f, min %.2f/%.2f",
			ErrSizeTooSmall, notional, longLimits.MinNotional, shortLimits.MinNotional)
	}

	// Достаточность маржи с запасом
	for _, leg := range []struct {
		client venue.Client
		name   string
	}{{longClient, req.LongVenue}, {shortClient, req.ShortVenue}} {
		balance, err := leg.client.FetchBalance(ctx)
		if err != nil {
			return 0, err
		}
		required := notional / e.leverage(leg.name) * e.marginBufferFactor
		if balance.FreeUSD < required {
			return 0, fmt.Errorf("%w: %s free %.2f, required %.2f",
				ErrInsufficientMargin, leg.name, balance.FreeUSD, required)
		}
	}

	// Дубликат пары
	existing, err := e.store.FindActive(req.AccountID, req.Symbol, req.LongVenue, req.ShortVenue)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, fmt.Errorf("%w: position %d", ErrDuplicatePosition, existing.ID)
	}

	// Оценка ликвидации: worst-case движение против ноги при заданном
	// плече. Дистанция до ликвидации ~ 1/leverage от цены входа.
	for _, name := range []string{req.LongVenue, req.ShortVenue} {
		liqDistance := 1 / e.leverage(name)
		if liqDistance <= e.liquidationBuffer {
			return 0, fmt.Errorf("%w: %s leverage %.1fx puts liquidation within %.0f%% of reference",
				ErrLiquidationRisk, name, e.leverage(name), e.liquidationBuffer*100)
		}
	}

	return qty, nil
}

// executeLeg размещает агрессивную IOC лимитку и дожидается
// терминального статуса
func (e *AtomicTwoLegExecutor) executeLeg(ctx context.Context, client venue.Client, symbol, side string, qty, price float64) legResult {
	res := legResult{venueName: client.Name()}

	orderID, err := client.PlaceLimit(ctx, venue.LimitOrderRequest{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		Tif:           venue.TifIOC,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		res.err = err
		return res
	}
	res.orderID = orderID

	res.status, res.err = e.awaitTerminal(ctx, client, symbol, orderID)
	return res
}

// awaitTerminal опрашивает ордер до терминального статуса
func (e *AtomicTwoLegExecutor) awaitTerminal(ctx context.Context, client venue.Client, symbol, orderID string) (*venue.OrderStatus, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := client.QueryOrder(ctx, symbol, orderID)
		if err == nil && isTerminalOrder(status.Status) {
			return status, nil
		}
		if err != nil && !errors.Is(err, venue.ErrOrderNotFound) {
			return status, err
		}

		select {
		case <-ctx.Done():
			if status != nil {
				return status, ctx.Err()
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type rollbackLeg struct {
	client venue.Client
	side   string
	res    legResult
}

// rollback снимает экспозицию частичного входа и возвращает его
// стоимость: комиссии частичного входа и выравнивания плюс проигрыш
// цены между ними.
//
// Для каждой ноги: отмена незакрытого ордера, затем повторный запрос
// фактического исполнения. Снимок до отмены использовать нельзя:
// исполнение могло произойти в окне до отмены.
func (e *AtomicTwoLegExecutor) rollback(ctx context.Context, symbol string, qty float64, legs ...rollbackLeg) float64 {
	var costUSD float64

	for _, leg := range legs {
		if leg.res.orderID == "" {
			continue
		}

		if err := leg.client.Cancel(ctx, symbol, leg.res.orderID); err != nil {
			e.logger.Warn("rollback cancel failed",
				zap.String("venue", leg.res.venueName),
				zap.String("order_id", leg.res.orderID),
				zap.Error(err),
			)
		}

		status, err := leg.client.QueryOrder(ctx, symbol, leg.res.orderID)
		if err != nil {
			e.logger.Error("rollback fill re-query failed, residual exposure possible",
				zap.String("venue", leg.res.venueName),
				zap.String("order_id", leg.res.orderID),
				zap.Error(err),
			)
			continue
		}

		if status.FilledQty > 0 {
			closeSide := venue.SideSell
			if leg.side == venue.SideSell {
				closeSide = venue.SideBuy
			}

			costUSD += status.FeesUSD
			closed := e.flatten(ctx, leg.client, symbol, closeSide, status.FilledQty)
			if closed == nil {
				continue
			}
			costUSD += closed.FeesUSD
			if leg.side == venue.SideBuy {
				costUSD += (status.AvgPrice - closed.AvgPrice) * status.FilledQty
			} else {
				costUSD += (closed.AvgPrice - status.AvgPrice) * status.FilledQty
			}
		}
	}

	return costUSD
}

// flatten закрывает количество рыночным ордером, возвращает
// фактическое исполнение (nil если ордер не прошёл)
func (e *AtomicTwoLegExecutor) flatten(ctx context.Context, client venue.Client, symbol, side string, qty float64) *venue.OrderStatus {
	orderID, err := client.PlaceMarket(ctx, symbol, side, qty)
	if err != nil {
		e.logger.Error("rollback flatten failed, residual exposure remains",
			zap.String("venue", client.Name()),
			zap.String("symbol", symbol),
			zap.Float64("qty", qty),
			zap.Error(err),
		)
		return nil
	}

	status, err := e.awaitTerminal(ctx, client, symbol, orderID)
	if err != nil {
		e.logger.Warn("flatten execution status unknown",
			zap.String("venue", client.Name()),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return nil
	}
	return status
}

func legFilled(res legResult, wantQty float64) bool {
	if res.err != nil || res.status == nil {
		return false
	}
	if res.status.Status != venue.OrderStatusFilled {
		return false
	}
	return utils.ApproxEqual(res.status.FilledQty, wantQty, wantQty*0.001)
}

func legError(res legResult) error {
	if res.err != nil {
		return res.err
	}
	if res.status == nil {
		return errors.New("no order status")
	}
	return fmt.Errorf("status %s, filled %.8f", res.status.Status, res.status.FilledQty)
}

func isTerminalOrder(status string) bool {
	switch status {
	case venue.OrderStatusFilled, venue.OrderStatusCancelled, venue.OrderStatusRejected:
		return true
	}
	return false
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrSizeTooSmall):
		return "size_too_small"
	case errors.Is(err, ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, ErrDuplicatePosition):
		return "duplicate_position"
	case errors.Is(err, ErrLiquidationRisk):
		return "liquidation_risk"
	default:
		return "other"
	}
}
