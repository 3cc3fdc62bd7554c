package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
	"fundingarb/pkg/utils"
)

// ProfitTaker - делегат шага profit-taking в тике монитора
type ProfitTaker interface {
	// TryTakeProfit оценивает позицию и закрывает при достижении
	// порога. true = позиция закрыта, остальные шаги пропускаются.
	TryTakeProfit(ctx context.Context, p *models.PairedPosition, snapshot *models.PositionSnapshot) bool
}

// PositionMonitor - медленный polling-контур управления позициями.
//
// Порядок проверок в тике строгий: риск ликвидации, уже
// ликвидирована, дисбаланс ног, profit-taking, риск-выходы
// (funding flip, эрозия прибыли, лимит времени, запрос пользователя).
type PositionMonitor struct {
	clients   map[string]venue.Client
	store     PositionStore
	collector *FundingCollector
	closer    *PositionCloser
	snapshots *SnapshotCache
	notifier  Notifier
	logger    *zap.Logger

	accountID int

	// Пороги выходов
	liquidationBuffer    float64
	fundingFlipThreshold float64
	trailingDrawdown     float64
	hardTimeLimit        time.Duration
	legTolerancePct      float64

	profitTaker ProfitTaker

	mu         sync.Mutex
	highWater  map[int]float64     // position id → максимум rolling PnL
	closeAsked map[int]struct{}    // пользовательские запросы закрытия
}

// MonitorParams - параметры конструктора монитора
type MonitorParams struct {
	Clients              map[string]venue.Client
	Store                PositionStore
	Collector            *FundingCollector
	Closer               *PositionCloser
	Snapshots            *SnapshotCache
	Notifier             Notifier
	Logger               *zap.Logger
	AccountID            int
	LiquidationBuffer    float64
	FundingFlipThreshold float64
	TrailingDrawdown     float64
	HardTimeLimit        time.Duration
}

// NewPositionMonitor создает монитор
func NewPositionMonitor(params MonitorParams) *PositionMonitor {
	return &PositionMonitor{
		clients:              params.Clients,
		store:                params.Store,
		collector:            params.Collector,
		closer:               params.Closer,
		snapshots:            params.Snapshots,
		notifier:             params.Notifier,
		logger:               params.Logger,
		accountID:            params.AccountID,
		liquidationBuffer:    params.LiquidationBuffer,
		fundingFlipThreshold: params.FundingFlipThreshold,
		trailingDrawdown:     params.TrailingDrawdown,
		hardTimeLimit:        params.HardTimeLimit,
		legTolerancePct:      0.005,
		highWater:            make(map[int]float64),
		closeAsked:           make(map[int]struct{}),
	}
}

// SetProfitTaker привязывает делегата profit-taking
func (m *PositionMonitor) SetProfitTaker(pt ProfitTaker) {
	m.profitTaker = pt
}

// RequestClose помечает позицию к закрытию по запросу пользователя
func (m *PositionMonitor) RequestClose(positionID int) {
	m.mu.Lock()
	m.closeAsked[positionID] = struct{}{}
	m.mu.Unlock()
}

// Run запускает polling-цикл
func (m *PositionMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick обрабатывает все открытые позиции один раз
func (m *PositionMonitor) Tick(ctx context.Context) {
	positions, err := m.store.GetActiveByAccount(m.accountID)
	if err != nil {
		m.logger.Error("monitor: load active positions", zap.Error(err))
		return
	}

	openPositions.Set(float64(len(positions)))

	for _, p := range positions {
		if p.Status != models.PositionStatusOpen {
			continue
		}
		m.evaluate(ctx, p)
	}
}

// evaluate прогоняет одну позицию через упорядоченные проверки
func (m *PositionMonitor) evaluate(ctx context.Context, p *models.PairedPosition) {
	snapshot, longLeg, shortLeg, err := m.takeSnapshot(ctx, p)
	if err != nil {
		m.logger.Warn("monitor: snapshot failed",
			zap.Int("position_id", p.ID),
			zap.Error(err),
		)
		return
	}
	m.snapshots.Put(snapshot)

	// 1. Риск ликвидации на любой ноге
	if m.liquidationTooClose(longLeg) || m.liquidationTooClose(shortLeg) {
		m.notifyLiquidationRisk(p)
		m.close(ctx, p, models.ExitReasonLiquidationRisk)
		return
	}

	// 2. Нога уже ликвидирована: нулевое или несогласованное количество
	if longLeg == nil || shortLeg == nil || longLeg.Quantity == 0 || shortLeg.Quantity == 0 {
		m.reconcileLiquidated(ctx, p, longLeg, shortLeg)
		return
	}

	// 3. Дисбаланс ног сверх допуска
	tolerance := p.Quantity * m.legTolerancePct
	if !utils.ApproxEqual(longLeg.Quantity, shortLeg.Quantity, tolerance) {
		m.logger.Warn("leg imbalance detected",
			zap.Int("position_id", p.ID),
			zap.Float64("long_qty", longLeg.Quantity),
			zap.Float64("short_qty", shortLeg.Quantity),
		)
		m.close(ctx, p, models.ExitReasonLegImbalance)
		return
	}

	// 4. Profit-taking: закрыла - пропускаем остальное
	if m.profitTaker != nil && m.profitTaker.TryTakeProfit(ctx, p, snapshot) {
		return
	}

	// 5. Риск-выходы
	if reason, ok := m.riskExit(p, snapshot); ok {
		m.close(ctx, p, reason)
	}
}

// takeSnapshot забирает обе ноги параллельно и собирает снимок
func (m *PositionMonitor) takeSnapshot(ctx context.Context, p *models.PairedPosition) (*models.PositionSnapshot, *venue.Position, *venue.Position, error) {
	longClient, ok := m.clients[p.LongVenue]
	if !ok {
		return nil, nil, nil, fmt.Errorf("no client for venue %s", p.LongVenue)
	}
	shortClient, ok := m.clients[p.ShortVenue]
	if !ok {
		return nil, nil, nil, fmt.Errorf("no client for venue %s", p.ShortVenue)
	}

	var wg sync.WaitGroup
	var longLeg, shortLeg *venue.Position
	var longErr, shortErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		longLeg, longErr = longClient.FetchPosition(ctx, p.Symbol)
	}()
	go func() {
		defer wg.Done()
		shortLeg, shortErr = shortClient.FetchPosition(ctx, p.Symbol)
	}()
	wg.Wait()

	if longErr != nil {
		return nil, nil, nil, longErr
	}
	if shortErr != nil {
		return nil, nil, nil, shortErr
	}

	snapshot := &models.PositionSnapshot{
		PositionID:        p.ID,
		CurrentDivergence: m.currentDivergence(p),
		TakenAt:           time.Now(),
	}
	if longLeg != nil {
		snapshot.Long = toLiveLeg(p.LongVenue, longLeg)
		snapshot.UnrealizedPnlUSD += longLeg.UnrealizedPnl
	}
	if shortLeg != nil {
		snapshot.Short = toLiveLeg(p.ShortVenue, shortLeg)
		snapshot.UnrealizedPnlUSD += shortLeg.UnrealizedPnl
	}

	return snapshot, longLeg, shortLeg, nil
}

func toLiveLeg(venueName string, pos *venue.Position) models.LiveLeg {
	return models.LiveLeg{
		Venue:            venueName,
		Side:             pos.Side,
		Quantity:         pos.Quantity,
		EntryPrice:       pos.EntryPrice,
		UnrealizedPnl:    pos.UnrealizedPnl,
		LiquidationPrice: pos.LiquidationPrice,
		Leverage:         pos.Leverage,
		MarginUsed:       pos.MarginUsed,
	}
}

// currentDivergence берёт свежие 8h-ставки из книги коллектора
func (m *PositionMonitor) currentDivergence(p *models.PairedPosition) float64 {
	longRate, okL := m.collector.LatestRate(p.LongVenue, p.Symbol)
	shortRate, okS := m.collector.LatestRate(p.ShortVenue, p.Symbol)
	if !okL || !okS {
		// Свежих ставок нет: не триггерим funding flip на нуле
		return p.EntryDivergence
	}
	return shortRate.Rate8h - longRate.Rate8h
}

func (m *PositionMonitor) liquidationTooClose(leg *venue.Position) bool {
	if leg == nil || leg.LiquidationPrice <= 0 || leg.EntryPrice <= 0 {
		return false
	}
	distance := math.Abs(leg.LiquidationPrice-leg.EntryPrice) / leg.EntryPrice
	return distance <= m.liquidationBuffer
}

// reconcileLiquidated закрывает выжившую ногу и помечает пару liquidated
func (m *PositionMonitor) reconcileLiquidated(ctx context.Context, p *models.PairedPosition, longLeg, shortLeg *venue.Position) {
	m.logger.Error("leg liquidated, reconciling",
		zap.Int("position_id", p.ID),
		zap.Bool("long_alive", longLeg != nil && longLeg.Quantity > 0),
		zap.Bool("short_alive", shortLeg != nil && shortLeg.Quantity > 0),
	)

	if err := m.store.MarkPendingClose(p.ID); err != nil {
		m.logger.Error("reconcile: mark pending_close", zap.Int("position_id", p.ID), zap.Error(err))
		return
	}

	var realized float64
	if longLeg != nil && longLeg.Quantity > 0 {
		realized += m.forceCloseLeg(ctx, p.LongVenue, p.Symbol, venue.SideSell, longLeg.Quantity)
	}
	if shortLeg != nil && shortLeg.Quantity > 0 {
		realized += m.forceCloseLeg(ctx, p.ShortVenue, p.Symbol, venue.SideBuy, shortLeg.Quantity)
	}
	realized += p.CumulativeFundingUSD - p.EntryFeesUSD

	if err := m.store.Close(p.ID, models.ExitReasonLiquidated, realized, time.Now()); err != nil {
		m.logger.Error("reconcile: close", zap.Int("position_id", p.ID), zap.Error(err))
		return
	}

	positionsClosed.WithLabelValues(models.ExitReasonLiquidated).Inc()
	m.snapshots.Drop(p.ID)

	m.notifier.Notify(&models.Notification{
		AccountID: p.AccountID,
		Type:      models.NotificationLiquidationRisk,
		Severity:  models.SeverityError,
		Message:   fmt.Sprintf("%s: leg liquidated, surviving leg force-closed", p.Symbol),
	})
}

// forceCloseLeg рыночно закрывает ногу, возвращает приблизительный PnL ноги
func (m *PositionMonitor) forceCloseLeg(ctx context.Context, venueName, symbol, side string, qty float64) float64 {
	client, ok := m.clients[venueName]
	if !ok {
		return 0
	}
	if _, err := client.PlaceMarket(ctx, symbol, side, qty); err != nil {
		m.logger.Error("force close failed",
			zap.String("venue", venueName),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
	return 0
}

// riskExit проверяет funding flip, эрозию прибыли, лимит времени
// и пользовательский запрос
func (m *PositionMonitor) riskExit(p *models.PairedPosition, snapshot *models.PositionSnapshot) (string, bool) {
	m.mu.Lock()
	_, userAsked := m.closeAsked[p.ID]
	if userAsked {
		delete(m.closeAsked, p.ID)
	}
	m.mu.Unlock()

	if userAsked {
		return models.ExitReasonUserRequested, true
	}

	if snapshot.CurrentDivergence < m.fundingFlipThreshold {
		return models.ExitReasonFundingFlip, true
	}

	// Эрозия: rolling realized+unrealized упал от максимума
	rolling := snapshot.UnrealizedPnlUSD + p.CumulativeFundingUSD - p.EntryFeesUSD
	m.mu.Lock()
	high, seen := m.highWater[p.ID]
	if !seen || rolling > high {
		m.highWater[p.ID] = rolling
		high = rolling
	}
	m.mu.Unlock()

	if seen && p.SizeUSD > 0 {
		drawdown := (high - rolling) / p.SizeUSD
		if drawdown >= m.trailingDrawdown {
			return models.ExitReasonProfitErosion, true
		}
	}

	if m.hardTimeLimit > 0 && time.Since(p.OpenedAt) >= m.hardTimeLimit {
		return models.ExitReasonTimeLimit, true
	}

	return "", false
}

func (m *PositionMonitor) close(ctx context.Context, p *models.PairedPosition, reason string) {
	outcome := m.closer.Close(ctx, p, reason)
	if outcome.AlreadyClosing {
		return
	}
	if outcome.Err != nil {
		m.logger.Error("monitor close failed",
			zap.Int("position_id", p.ID),
			zap.String("reason", reason),
			zap.Error(outcome.Err),
		)
		return
	}

	m.mu.Lock()
	delete(m.highWater, p.ID)
	m.mu.Unlock()
}

func (m *PositionMonitor) notifyLiquidationRisk(p *models.PairedPosition) {
	m.notifier.Notify(&models.Notification{
		AccountID: p.AccountID,
		Type:      models.NotificationLiquidationRisk,
		Severity:  models.SeverityWarn,
		Message:   fmt.Sprintf("%s: liquidation within buffer, closing urgently", p.Symbol),
	})
}
