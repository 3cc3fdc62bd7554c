package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/config"
	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

type strategyFixture struct {
	s        *FundingArbStrategy
	long     *fakeClient
	short    *fakeClient
	store    *fakeStore
	notifier *recordingNotifier
}

func newStrategyFixture(t *testing.T) *strategyFixture {
	t.Helper()

	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()
	notifier := &recordingNotifier{}

	long.bbo = &venue.BBO{Venue: "paradex", Symbol: "BTC", Bid: 99999, Ask: 100001, Ts: time.Now()}
	short.bbo = &venue.BBO{Venue: "hyperliquid", Symbol: "BTC", Bid: 99999, Ask: 100001, Ts: time.Now()}

	cfg := config.DefaultStrategyConfig()
	cfg.AccountID = 1
	cfg.RunID = 7
	cfg.SymbolsUniverse = "all"
	cfg.SizeUSDPerPosition = 1000

	s := NewFundingArbStrategy(StrategyDeps{
		Config:  cfg,
		Clients: map[string]venue.Client{"paradex": long, "hyperliquid": short},
		Venues: []models.Venue{
			{Name: "hyperliquid", FundingIntervalHours: 1, TakerFeePct: 0.00035},
			{Name: "paradex", FundingIntervalHours: 8, TakerFeePct: 0.0003},
		},
		Positions:    store,
		FundingStore: &fakeFundingStore{},
		Notifier:     notifier,
		Logger:       zap.NewNop(),
	})

	// Дивергенция 0.0024, чистыми выше порога входа
	s.collector.rates = map[string]map[string]*models.FundingRateSample{
		"paradex":     {"BTC": {Venue: "paradex", Symbol: "BTC", RateNative: 0.0001, Rate8h: 0.0001, IntervalHours: 8}},
		"hyperliquid": {"BTC": {Venue: "hyperliquid", Symbol: "BTC", RateNative: 0.0003125, Rate8h: 0.0025, IntervalHours: 1}},
	}
	s.collector.mkts = map[string]map[string]models.MarketData{
		"paradex":     {"BTC": {OpenInterestUSD: 5_000_000, Volume24hUSD: 20_000_000, SpreadBps: 2}},
		"hyperliquid": {"BTC": {OpenInterestUSD: 5_000_000, Volume24hUSD: 20_000_000, SpreadBps: 2}},
	}

	return &strategyFixture{s, long, short, store, notifier}
}

func TestScanOnceOpensBestCandidate(t *testing.T) {
	f := newStrategyFixture(t)

	if err := f.s.scanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	active, _ := f.store.GetActiveByAccount(1)
	if len(active) != 1 {
		t.Fatalf("active positions = %d, want 1", len(active))
	}

	p := active[0]
	if p.LongVenue != "paradex" || p.ShortVenue != "hyperliquid" {
		t.Errorf("long=%s short=%s", p.LongVenue, p.ShortVenue)
	}
	if len(f.notifier.byType(models.NotificationPositionOpened)) != 1 {
		t.Error("position_opened notification not sent")
	}
}

func TestScanOnceRespectsPositionLimit(t *testing.T) {
	f := newStrategyFixture(t)
	f.s.cfg.MaxPositionsTotal = 1

	openTestPosition(t, f.store)

	if err := f.s.scanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if n, _ := f.store.CountActiveByAccount(1); n != 1 {
		t.Errorf("active positions = %d, want 1 (limit reached)", n)
	}
}

func TestScanOnceSkipsHeldPair(t *testing.T) {
	f := newStrategyFixture(t)

	// Та же пара уже открыта: кандидат пропускается без ошибки
	openTestPosition(t, f.store)

	if err := f.s.scanOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if n, _ := f.store.CountActiveByAccount(1); n != 1 {
		t.Errorf("active positions = %d, want 1", n)
	}
}

func TestScanOncePreflightDecline(t *testing.T) {
	f := newStrategyFixture(t)

	// Недостаток маржи - ожидаемый отказ, не ошибка цикла
	f.short.balance = &venue.Balance{TotalUSD: 10, FreeUSD: 10}

	if err := f.s.scanOnce(context.Background()); err != nil {
		t.Fatalf("preflight decline surfaced as error: %v", err)
	}

	if len(f.notifier.byType(models.NotificationInsufficientMargin)) != 1 {
		t.Error("insufficient margin notification not sent")
	}
	if n, _ := f.store.CountActiveByAccount(1); n != 0 {
		t.Errorf("active positions = %d, want 0", n)
	}
}

func TestRecordFundingPayments(t *testing.T) {
	f := newStrategyFixture(t)
	p := openTestPosition(t, f.store)

	// Час 8: оба цикла на границе. Лонг платит, шорт получает.
	at := timeAtHour(8)
	f.s.recordFundingPayments(context.Background(), at)

	f.store.mu.Lock()
	payments := len(f.store.payments)
	f.store.mu.Unlock()
	if payments != 1 {
		t.Fatalf("payments = %d, want 1", payments)
	}

	stored, _ := f.store.GetByID(p.ID)
	// long -0.0001*1000, short +0.0003125*1000
	wantNet := -0.1 + 0.3125
	if math.Abs(stored.CumulativeFundingUSD-wantNet) > 1e-9 {
		t.Errorf("cumulative funding = %v, want %v", stored.CumulativeFundingUSD, wantNet)
	}
	if stored.FundingPaymentsCount != 1 {
		t.Errorf("payments count = %d, want 1", stored.FundingPaymentsCount)
	}

	// Повтор того же времени дедуплицируется
	f.s.recordFundingPayments(context.Background(), at)
	stored, _ = f.store.GetByID(p.ID)
	if stored.FundingPaymentsCount != 1 {
		t.Errorf("duplicate payment recorded: count = %d", stored.FundingPaymentsCount)
	}
}

func TestRecordFundingPaymentsOffCycleLeg(t *testing.T) {
	f := newStrategyFixture(t)
	p := openTestPosition(t, f.store)

	// Час 9: часовой цикл шорта платит, восьмичасовой лонга - нет
	f.s.recordFundingPayments(context.Background(), timeAtHour(9))

	stored, _ := f.store.GetByID(p.ID)
	if math.Abs(stored.CumulativeFundingUSD-0.3125) > 1e-9 {
		t.Errorf("cumulative funding = %v, want 0.3125", stored.CumulativeFundingUSD)
	}
}

func TestStrategyHealth(t *testing.T) {
	f := newStrategyFixture(t)

	if got := f.s.Health(); got != models.HealthHealthy {
		t.Errorf("health = %s, want healthy", got)
	}

	f.s.errorCount.Store(3)
	if got := f.s.Health(); got != models.HealthDegraded {
		t.Errorf("health = %s, want degraded", got)
	}

	f.s.errorCount.Store(25)
	if got := f.s.Health(); got != models.HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy", got)
	}
}

func TestScanLoopReportsFatalAfterConsecutiveFailures(t *testing.T) {
	f := newStrategyFixture(t)
	f.s.cfg.ScanIntervalSec = 0.001
	f.store.setFailActive(errors.New("db gone"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.s.scanLoop(ctx)

	select {
	case err := <-f.s.fatal:
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-ctx.Done():
		t.Fatal("fatal not reported after repeated scan failures")
	}
}

func TestStrategyPauseBlocksScanning(t *testing.T) {
	f := newStrategyFixture(t)

	f.s.Pause()
	if !f.s.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	f.s.Resume()
	if f.s.Paused() {
		t.Fatal("Paused() = true after Resume")
	}
}
