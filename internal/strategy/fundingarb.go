package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

// FundingArbStrategy - композиция контуров одного экземпляра:
// сбор ставок, сканирование кандидатов, атомарный вход, медленный
// монитор, событийная фиксация прибыли и запись выплат финансирования.
type FundingArbStrategy struct {
	cfg *config.StrategyConfig

	clients   map[string]venue.Client
	venues    []models.Venue
	store     PositionStore
	collector *FundingCollector
	finder    *OpportunityFinder
	executor  *AtomicTwoLegExecutor
	monitor   *PositionMonitor
	realtime  *RealTimeProfitMonitor
	closer    *PositionCloser
	snapshots *SnapshotCache
	notifier  Notifier
	publisher Publisher
	logger    *zap.Logger

	paused     atomic.Bool
	errorCount atomic.Int64
	fatal      chan error

	wg sync.WaitGroup
}

// Подряд идущих отказов цикла сканирования достаточно, чтобы считать
// хранилище недоступным и уходить в терминальную ошибку
const fatalConsecutiveFailures = 5

// StrategyDeps - зависимости конструктора
type StrategyDeps struct {
	Config       *config.StrategyConfig
	Clients      map[string]venue.Client
	Venues       []models.Venue
	Positions    PositionStore
	FundingStore FundingStore
	Notifier     Notifier
	Publisher    Publisher // nil = стрим выключен
	Logger       *zap.Logger
}

// NewFundingArbStrategy собирает все контуры стратегии
func NewFundingArbStrategy(deps StrategyDeps) *FundingArbStrategy {
	cfg := deps.Config
	if deps.Publisher == nil {
		deps.Publisher = NopPublisher{}
	}

	snapshots := NewSnapshotCache(cfg.MonitorInterval())
	collector := NewFundingCollector(deps.Clients, deps.FundingStore, deps.Logger)
	finder := NewOpportunityFinder(deps.Venues)

	closer := NewPositionCloser(deps.Clients, deps.Positions, deps.Notifier, cfg.CloseTimeout(), deps.Logger)

	executor := NewAtomicTwoLegExecutor(
		deps.Clients,
		deps.Positions,
		cfg.EntryTimeout(),
		cfg.LiquidationBufferPct,
		cfg.LeverageByVenue,
		deps.Logger,
	)

	realtime := NewRealTimeProfitMonitor(
		deps.Clients,
		closer,
		snapshots,
		cfg.MinImmediateProfitTakingPct,
		cfg.RealtimeThrottle(),
		deps.Logger,
	)

	monitor := NewPositionMonitor(MonitorParams{
		Clients:              deps.Clients,
		Store:                deps.Positions,
		Collector:            collector,
		Closer:               closer,
		Snapshots:            snapshots,
		Notifier:             deps.Notifier,
		Logger:               deps.Logger,
		AccountID:            cfg.AccountID,
		LiquidationBuffer:    cfg.LiquidationBufferPct,
		FundingFlipThreshold: cfg.FundingFlipThresholdPct,
		TrailingDrawdown:     cfg.TrailingDrawdownPct,
		HardTimeLimit:        cfg.HardTimeLimit(),
	})

	s := &FundingArbStrategy{
		cfg:       cfg,
		clients:   deps.Clients,
		venues:    deps.Venues,
		store:     deps.Positions,
		collector: collector,
		finder:    finder,
		executor:  executor,
		monitor:   monitor,
		realtime:  realtime,
		closer:    closer,
		snapshots: snapshots,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		fatal:     make(chan error, 1),
	}

	collector.SetPublisher(deps.Publisher)
	realtime.SetPublisher(deps.Publisher)

	if cfg.EnableImmediateProfitTaking {
		monitor.SetProfitTaker(realtime)
	}

	closer.SetOnClosed(func(p *models.PairedPosition) {
		realtime.Untrack(p)
		snapshots.Drop(p.ID)
		deps.Publisher.BroadcastPositionUpdate(p.AccountID, p)
	})

	return s
}

// Monitor отдаёт ссылку для control API (запросы закрытия)
func (s *FundingArbStrategy) Monitor() *PositionMonitor { return s.monitor }

// Collector отдаёт книгу ставок для control API
func (s *FundingArbStrategy) Collector() *FundingCollector { return s.collector }

// Config отдаёт конфигурацию экземпляра для control API
func (s *FundingArbStrategy) Config() *config.StrategyConfig { return s.cfg }

// Run запускает контуры и блокируется до отмены контекста
func (s *FundingArbStrategy) Run(ctx context.Context) error {
	if err := s.collector.Seed(); err != nil {
		return fmt.Errorf("seed interval overrides: %w", err)
	}

	// Восстановление после рестарта: открытые позиции снова
	// отслеживаются real-time монитором
	active, err := s.store.GetActiveByAccount(s.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}
	for _, p := range active {
		if p.Status != models.PositionStatusOpen {
			continue
		}
		if err := s.realtime.Track(p); err != nil {
			s.logger.Warn("resume tracking failed", zap.Int("position_id", p.ID), zap.Error(err))
		}
	}
	s.logger.Info("strategy starting",
		zap.Int("account_id", s.cfg.AccountID),
		zap.Int("run_id", s.cfg.RunID),
		zap.Int("resumed_positions", len(active)),
	)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.collector.Run(loopCtx, s.cfg.ScanInterval())
	}()
	go func() {
		defer s.wg.Done()
		s.monitor.Run(loopCtx, s.cfg.MonitorInterval())
	}()
	go func() {
		defer s.wg.Done()
		s.scanLoop(loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.fundingLoop(loopCtx)
	}()

	var fatalErr error
	select {
	case <-ctx.Done():
	case fatalErr = <-s.fatal:
		s.logger.Error("fatal error, strategy entering error state", zap.Error(fatalErr))
		s.paused.Store(true)
	}

	cancelLoops()
	s.wg.Wait()

	if fatalErr != nil {
		s.closeAllBestEffort()
	}

	s.shutdown()
	return fatalErr
}

// reportFatal регистрирует неустранимую ошибку, первая выигрывает
func (s *FundingArbStrategy) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// closeAllBestEffort закрывает открытые позиции перед выходом в
// error. Отказы не прерывают обход: остаток виден оператору в
// статусе позиций.
func (s *FundingArbStrategy) closeAllBestEffort() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.cfg.CloseTimeout())
	defer cancel()

	active, err := s.store.GetActiveByAccount(s.cfg.AccountID)
	if err != nil {
		s.logger.Error("best-effort close: load positions", zap.Error(err))
		return
	}

	for _, p := range active {
		if p.Status != models.PositionStatusOpen {
			continue
		}
		outcome := s.closer.Close(ctx, p, models.ExitReasonStrategyShutdown)
		if outcome.Err != nil {
			s.logger.Error("best-effort close failed",
				zap.Int("position_id", p.ID),
				zap.Error(outcome.Err),
			)
		}
	}
}

// Pause приостанавливает открытие новых позиций
func (s *FundingArbStrategy) Pause()  { s.paused.Store(true) }
func (s *FundingArbStrategy) Resume() { s.paused.Store(false) }
func (s *FundingArbStrategy) Paused() bool {
	return s.paused.Load()
}

// ErrorCount - накопленные ошибки контуров, для heartbeat'а
func (s *FundingArbStrategy) ErrorCount() int {
	return int(s.errorCount.Load())
}

// Health классифицирует здоровье экземпляра
func (s *FundingArbStrategy) Health() string {
	switch {
	case s.errorCount.Load() == 0:
		return models.HealthHealthy
	case s.errorCount.Load() < 10:
		return models.HealthDegraded
	default:
		return models.HealthUnhealthy
	}
}

// scanLoop - фаза сканирования: поиск и вход
func (s *FundingArbStrategy) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval())
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			if err := s.scanOnce(ctx); err != nil {
				s.errorCount.Add(1)
				consecutive++
				s.logger.Error("scan cycle failed", zap.Error(err))
				if consecutive >= fatalConsecutiveFailures {
					s.reportFatal(fmt.Errorf("scan failed %d cycles in a row: %w", consecutive, err))
					return
				}
				continue
			}
			consecutive = 0
		}
	}
}

// scanOnce выбирает лучшего кандидата под лимитами и открывает его
func (s *FundingArbStrategy) scanOnce(ctx context.Context) error {
	active, err := s.store.GetActiveByAccount(s.cfg.AccountID)
	if err != nil {
		return err
	}

	if len(active) >= s.cfg.MaxPositionsTotal {
		return nil
	}

	// Экспозиция аккаунта ограничена полной загрузкой лимита позиций
	exposure, err := s.store.SumActiveSizeByAccount(s.cfg.AccountID)
	if err != nil {
		return err
	}
	maxExposure := s.cfg.SizeUSDPerPosition * float64(s.cfg.MaxPositionsTotal)
	if exposure+s.cfg.SizeUSDPerPosition > maxExposure {
		return nil
	}

	bySymbol := make(map[string]int)
	byVenue := make(map[string]int)
	held := make(map[string]bool) // symbol|long|short
	for _, p := range active {
		bySymbol[p.Symbol]++
		byVenue[p.LongVenue]++
		byVenue[p.ShortVenue]++
		held[p.Symbol+"|"+p.LongVenue+"|"+p.ShortVenue] = true
	}

	filters := FinderFilters{
		LongVenueWhitelist:  s.cfg.LongVenueWhitelist,
		ShortVenueWhitelist: s.cfg.ShortVenueWhitelist,
		VenueBlacklist:      s.cfg.VenueBlacklist,
		MinDivergence:       s.cfg.MinDivergencePct,
		MinNetProfit:        s.cfg.MinProfitPct,
		MinOpenInterestUSD:  s.cfg.MinOpenInterestUSD,
		MinVolume24hUSD:     s.cfg.MinVolume24hUSD,
		MaxSpreadBps:        s.cfg.MaxSpreadBps,
	}
	if s.cfg.SymbolsUniverse != "all" {
		filters.Symbols = s.cfg.Symbols
	}

	candidates := s.finder.Find(s.collector.Book(), filters)
	opportunitiesFound.Set(float64(len(candidates)))

	for _, opp := range candidates {
		if held[opp.Symbol+"|"+opp.LongVenue+"|"+opp.ShortVenue] {
			continue
		}
		if s.cfg.MaxPositionsPerSymbol > 0 && bySymbol[opp.Symbol] >= s.cfg.MaxPositionsPerSymbol {
			continue
		}
		if s.cfg.MaxPositionsPerVenue > 0 &&
			(byVenue[opp.LongVenue] >= s.cfg.MaxPositionsPerVenue ||
				byVenue[opp.ShortVenue] >= s.cfg.MaxPositionsPerVenue) {
			continue
		}

		return s.enter(ctx, opp)
	}

	return nil
}

// enter открывает лучшего кандидата
func (s *FundingArbStrategy) enter(ctx context.Context, opp *models.Opportunity) error {
	refPrice, err := s.referencePrice(ctx, opp)
	if err != nil {
		return err
	}

	outcome := s.executor.Open(ctx, EntryRequest{
		AccountID:      s.cfg.AccountID,
		StrategyName:   s.cfg.StrategyType,
		Symbol:         opp.Symbol,
		LongVenue:      opp.LongVenue,
		ShortVenue:     opp.ShortVenue,
		SizeUSD:        s.cfg.SizeUSDPerPosition,
		ReferencePrice: refPrice,
		MaxSlippageBps: s.cfg.MaxSlippageBps,
		LongRate8h:     opp.LongRate8h,
		ShortRate8h:    opp.ShortRate8h,
	})

	if outcome.Err != nil {
		if errors.Is(outcome.Err, ErrInsufficientMargin) {
			s.notifier.Notify(&models.Notification{
				AccountID: s.cfg.AccountID,
				Type:      models.NotificationInsufficientMargin,
				Severity:  models.SeverityWarn,
				Message:   fmt.Sprintf("%s %s/%s: %v", opp.Symbol, opp.LongVenue, opp.ShortVenue, outcome.Err),
			})
		}
		// Pre-flight отказы ожидаемы, не ошибка цикла
		if isPreflightErr(outcome.Err) {
			s.logger.Debug("entry declined", zap.String("symbol", opp.Symbol), zap.Error(outcome.Err))
			return nil
		}
		return outcome.Err
	}

	p := outcome.Position
	if err := s.realtime.Track(p); err != nil {
		s.logger.Warn("track new position failed", zap.Int("position_id", p.ID), zap.Error(err))
	}
	s.publisher.BroadcastPositionUpdate(p.AccountID, p)

	s.notifier.Notify(&models.Notification{
		AccountID: s.cfg.AccountID,
		Type:      models.NotificationPositionOpened,
		Severity:  models.SeverityInfo,
		Message: fmt.Sprintf("%s opened: long %s / short %s, %.0f USD, divergence %.4f%%",
			p.Symbol, p.LongVenue, p.ShortVenue, p.SizeUSD, p.EntryDivergence*100),
	})

	return nil
}

// referencePrice - mid лонг-площадки
func (s *FundingArbStrategy) referencePrice(ctx context.Context, opp *models.Opportunity) (float64, error) {
	client, ok := s.clients[opp.LongVenue]
	if !ok {
		return 0, fmt.Errorf("no client for venue %s", opp.LongVenue)
	}
	bbo, err := client.FetchBBO(ctx, opp.Symbol)
	if err != nil {
		return 0, err
	}
	return (bbo.Bid + bbo.Ask) / 2, nil
}

// fundingLoop пишет выплаты финансирования на границах циклов выплат
func (s *FundingArbStrategy) fundingLoop(ctx context.Context) {
	// Тик на каждом целом часе: все известные интервалы кратны часу
	for {
		next := time.Now().Truncate(time.Hour).Add(time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next) + 5*time.Second):
			s.recordFundingPayments(ctx, next)
		}
	}
}

// recordFundingPayments фиксирует выплаты позиций, у которых цикл
// выплат пришёлся на paymentTime. Дедупликация на уникальности
// (position_id, payment_time) в хранилище.
func (s *FundingArbStrategy) recordFundingPayments(ctx context.Context, paymentTime time.Time) {
	active, err := s.store.GetActiveByAccount(s.cfg.AccountID)
	if err != nil {
		s.errorCount.Add(1)
		s.logger.Error("funding sampler: load positions", zap.Error(err))
		return
	}

	for _, p := range active {
		if p.Status != models.PositionStatusOpen {
			continue
		}

		longRate, okL := s.collector.LatestRate(p.LongVenue, p.Symbol)
		shortRate, okS := s.collector.LatestRate(p.ShortVenue, p.Symbol)
		if !okL || !okS {
			continue
		}

		longDue := paymentDue(paymentTime, longRate.IntervalHours)
		shortDue := paymentDue(paymentTime, shortRate.IntervalHours)
		if !longDue && !shortDue {
			continue
		}

		notional := p.SizeUSD

		// Лонг платит положительную ставку, шорт её получает
		var longPayment, shortPayment float64
		if longDue {
			longPayment = -longRate.RateNative * notional
		}
		if shortDue {
			shortPayment = shortRate.RateNative * notional
		}

		payment := &models.FundingPayment{
			PositionID:   p.ID,
			PaymentTime:  paymentTime,
			LongPayment:  longPayment,
			ShortPayment: shortPayment,
			NetPayment:   longPayment + shortPayment,
			LongRate:     longRate.Rate8h,
			ShortRate:    shortRate.Rate8h,
			Divergence:   shortRate.Rate8h - longRate.Rate8h,
		}

		if err := s.store.AddFundingPayment(payment); err != nil {
			s.errorCount.Add(1)
			s.logger.Error("funding payment persist failed",
				zap.Int("position_id", p.ID),
				zap.Error(err),
			)
			continue
		}

		fundingPaymentsRecorded.Inc()
		s.realtime.UpdateFunding(p.ID,
			p.CumulativeFundingUSD+payment.NetPayment,
			p.FundingPaymentsCount+1,
		)
	}
}

// paymentDue: час выплаты кратен интервалу цикла
func paymentDue(paymentTime time.Time, intervalHours float64) bool {
	interval := int(intervalHours)
	if interval < 1 {
		interval = 1
	}
	return paymentTime.UTC().Hour()%interval == 0
}

// shutdown закрывает соединения площадок
func (s *FundingArbStrategy) shutdown() {
	for venueName, client := range s.clients {
		if err := client.Close(); err != nil {
			s.logger.Warn("venue close failed", zap.String("venue", venueName), zap.Error(err))
		}
	}
	s.logger.Info("strategy stopped")
}

func isPreflightErr(err error) bool {
	return errors.Is(err, ErrSizeTooSmall) ||
		errors.Is(err, ErrInsufficientMargin) ||
		errors.Is(err, ErrDuplicatePosition) ||
		errors.Is(err, ErrLiquidationRisk)
}
