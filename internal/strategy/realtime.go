package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

// bboTTL - BBO старше считается недоступным для расчёта
const bboTTL = 10 * time.Second

type bboKey struct {
	venue  string
	symbol string
}

// RealTimeProfitMonitor - быстрый событийный контур фиксации прибыли.
//
// На открытие позиции подписывается на BBO обеих ног; каждое событие,
// с учётом per-position троттла, запускает оценку прибыли по свежим
// котировкам. Если BBO одной ноги недоступен, используется
// unrealized_pnl последнего снимка, но только пока снимок свежий.
type RealTimeProfitMonitor struct {
	clients   map[string]venue.Client
	closer    *PositionCloser
	snapshots *SnapshotCache
	publisher Publisher
	logger    *zap.Logger

	threshold float64       // min_immediate_profit_taking_pct
	throttle  time.Duration // per-position

	mu       sync.Mutex
	tracked  map[int]*models.PairedPosition
	lastEval map[int]time.Time
	latest   map[bboKey]*venue.BBO
	refs     map[bboKey]int // подписки, разделяемые позициями
}

// NewRealTimeProfitMonitor создает монитор
func NewRealTimeProfitMonitor(clients map[string]venue.Client, closer *PositionCloser, snapshots *SnapshotCache, threshold float64, throttle time.Duration, logger *zap.Logger) *RealTimeProfitMonitor {
	return &RealTimeProfitMonitor{
		clients:   clients,
		closer:    closer,
		snapshots: snapshots,
		publisher: NopPublisher{},
		logger:    logger,
		threshold: threshold,
		throttle:  throttle,
		tracked:   make(map[int]*models.PairedPosition),
		lastEval:  make(map[int]time.Time),
		latest:    make(map[bboKey]*venue.BBO),
		refs:      make(map[bboKey]int),
	}
}

// Track начинает отслеживание позиции
func (r *RealTimeProfitMonitor) Track(p *models.PairedPosition) error {
	r.mu.Lock()
	r.tracked[p.ID] = p
	r.mu.Unlock()

	legs := []string{p.LongVenue, p.ShortVenue}
	for i, venueName := range legs {
		if err := r.subscribe(venueName, p.Symbol); err != nil {
			r.logger.Warn("bbo subscribe failed",
				zap.String("venue", venueName),
				zap.String("symbol", p.Symbol),
				zap.Error(err),
			)
			// Откат уже подписанных ног, иначе refcount течёт
			for _, done := range legs[:i] {
				r.unsubscribe(done, p.Symbol)
			}
			r.mu.Lock()
			delete(r.tracked, p.ID)
			r.mu.Unlock()
			return err
		}
	}

	return nil
}

// Untrack прекращает отслеживание закрытой позиции
func (r *RealTimeProfitMonitor) Untrack(p *models.PairedPosition) {
	r.mu.Lock()
	delete(r.tracked, p.ID)
	delete(r.lastEval, p.ID)
	r.mu.Unlock()

	r.unsubscribe(p.LongVenue, p.Symbol)
	r.unsubscribe(p.ShortVenue, p.Symbol)
}

// UpdateFunding обновляет накопленное финансирование отслеживаемой
// позиции после записи выплаты
func (r *RealTimeProfitMonitor) UpdateFunding(positionID int, cumulativeUSD float64, paymentsCount int) {
	r.mu.Lock()
	if p, ok := r.tracked[positionID]; ok {
		p.CumulativeFundingUSD = cumulativeUSD
		p.FundingPaymentsCount = paymentsCount
	}
	r.mu.Unlock()
}

func (r *RealTimeProfitMonitor) subscribe(venueName, symbol string) error {
	key := bboKey{venueName, symbol}

	r.mu.Lock()
	r.refs[key]++
	first := r.refs[key] == 1
	r.mu.Unlock()

	if !first {
		return nil
	}

	client, ok := r.clients[venueName]
	if !ok {
		r.releaseRef(key)
		return venue.ErrVenueUnavailable
	}

	err := client.SubscribeBBO(symbol, func(bbo *venue.BBO) {
		r.onBBO(key, bbo)
	})
	if err != nil {
		r.releaseRef(key)
	}
	return err
}

func (r *RealTimeProfitMonitor) releaseRef(key bboKey) {
	r.mu.Lock()
	if r.refs[key] > 0 {
		r.refs[key]--
	}
	r.mu.Unlock()
}

func (r *RealTimeProfitMonitor) unsubscribe(venueName, symbol string) {
	key := bboKey{venueName, symbol}

	r.mu.Lock()
	if r.refs[key] > 0 {
		r.refs[key]--
	}
	last := r.refs[key] == 0
	if last {
		delete(r.latest, key)
	}
	r.mu.Unlock()

	if !last {
		return
	}

	if client, ok := r.clients[venueName]; ok {
		if err := client.UnsubscribeBBO(symbol); err != nil {
			r.logger.Warn("bbo unsubscribe failed",
				zap.String("venue", venueName),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}
}

// SetPublisher включает трансляцию BBO событий в live стрим
func (r *RealTimeProfitMonitor) SetPublisher(p Publisher) {
	if p != nil {
		r.publisher = p
	}
}

// onBBO - обработчик события котировки
func (r *RealTimeProfitMonitor) onBBO(key bboKey, bbo *venue.BBO) {
	bboEvents.WithLabelValues(key.venue).Inc()
	r.publisher.BroadcastBBO(key.venue, key.symbol, bbo.Bid, bbo.Ask, bbo.Ts)

	r.mu.Lock()
	r.latest[key] = bbo

	// Кандидаты на оценку: позиции с этой ногой, прошедшие троттл
	now := time.Now()
	var due []*models.PairedPosition
	for id, p := range r.tracked {
		if p.Symbol != key.symbol || (p.LongVenue != key.venue && p.ShortVenue != key.venue) {
			continue
		}
		if now.Sub(r.lastEval[id]) < r.throttle {
			continue
		}
		r.lastEval[id] = now
		due = append(due, p)
	}
	r.mu.Unlock()

	for _, p := range due {
		snapshot, fresh := r.snapshots.Get(p.ID)
		if !fresh {
			snapshot = nil
		}
		r.evaluate(context.Background(), p, snapshot)
	}
}

// TryTakeProfit - делегат монитора (шаг profit-taking в тике)
func (r *RealTimeProfitMonitor) TryTakeProfit(ctx context.Context, p *models.PairedPosition, snapshot *models.PositionSnapshot) bool {
	return r.evaluate(ctx, p, snapshot)
}

// evaluate считает profit_pct и закрывает при достижении порога.
// true = закрытие состоялось.
func (r *RealTimeProfitMonitor) evaluate(ctx context.Context, p *models.PairedPosition, snapshot *models.PositionSnapshot) bool {
	if r.closer.IsClosing(p.ID) {
		return false
	}

	total, ok := r.profitUSD(p, snapshot)
	if !ok || p.SizeUSD <= 0 {
		return false
	}

	profitPct := total / p.SizeUSD
	if profitPct < r.threshold {
		return false
	}

	r.logger.Info("immediate profit taking triggered",
		zap.Int("position_id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.Float64("profit_pct", profitPct),
		zap.Float64("profit_usd", total),
	)

	outcome := r.closer.Close(ctx, p, models.ExitReasonProfitTaking)
	return outcome.Closed
}

// profitUSD - расчёт по свежим BBO:
//
//	pnl_long  = (bid_long - entry_long) * qty    (лонг продаётся)
//	pnl_short = (entry_short - ask_short) * qty  (шорт выкупается)
//	total     = pnl_long + pnl_short + funding - entry_fees
//
// При недоступном BBO одной ноги - фолбэк на unrealized_pnl снимка.
func (r *RealTimeProfitMonitor) profitUSD(p *models.PairedPosition, snapshot *models.PositionSnapshot) (float64, bool) {
	r.mu.Lock()
	longBBO := r.latest[bboKey{p.LongVenue, p.Symbol}]
	shortBBO := r.latest[bboKey{p.ShortVenue, p.Symbol}]
	r.mu.Unlock()

	now := time.Now()
	longOK := longBBO != nil && now.Sub(longBBO.Ts) <= bboTTL
	shortOK := shortBBO != nil && now.Sub(shortBBO.Ts) <= bboTTL

	if longOK && shortOK {
		pnlLong := (longBBO.Bid - p.LongEntryPrice) * p.Quantity
		pnlShort := (p.ShortEntryPrice - shortBBO.Ask) * p.Quantity
		return pnlLong + pnlShort + p.CumulativeFundingUSD - p.EntryFeesUSD, true
	}

	if snapshot != nil {
		return snapshot.UnrealizedPnlUSD + p.CumulativeFundingUSD - p.EntryFeesUSD, true
	}

	return 0, false
}
