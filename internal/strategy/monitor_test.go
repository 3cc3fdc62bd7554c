package strategy

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

type monitorFixture struct {
	monitor  *PositionMonitor
	long     *fakeClient
	short    *fakeClient
	store    *fakeStore
	notifier *recordingNotifier
	position *models.PairedPosition
}

// newMonitorFixture собирает монитор с одной здоровой открытой позицией
func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()
	notifier := &recordingNotifier{}

	long.bbo = &venue.BBO{Venue: "paradex", Symbol: "BTC", Bid: 100, Ask: 100.2, Ts: time.Now()}
	short.bbo = &venue.BBO{Venue: "hyperliquid", Symbol: "BTC", Bid: 100, Ask: 100.2, Ts: time.Now()}

	// Обе ноги живы, далеки от ликвидации
	long.positions["BTC"] = &venue.Position{
		Symbol: "BTC", Side: "long", Quantity: 1, EntryPrice: 100, LiquidationPrice: 50,
	}
	short.positions["BTC"] = &venue.Position{
		Symbol: "BTC", Side: "short", Quantity: 1, EntryPrice: 100, LiquidationPrice: 200,
	}

	p := openTestPosition(t, store)

	clients := map[string]venue.Client{"paradex": long, "hyperliquid": short}
	collector := NewFundingCollector(clients, &fakeFundingStore{}, zap.NewNop())
	collector.rates = map[string]map[string]*models.FundingRateSample{
		"paradex":     {"BTC": {Venue: "paradex", Symbol: "BTC", RateNative: 0.0002, Rate8h: 0.0002, IntervalHours: 8}},
		"hyperliquid": {"BTC": {Venue: "hyperliquid", Symbol: "BTC", RateNative: 0.0001, Rate8h: 0.0008, IntervalHours: 1}},
	}

	closer := NewPositionCloser(clients, store, notifier, 5*time.Second, zap.NewNop())
	monitor := NewPositionMonitor(MonitorParams{
		Clients:              clients,
		Store:                store,
		Collector:            collector,
		Closer:               closer,
		Snapshots:            NewSnapshotCache(time.Minute),
		Notifier:             notifier,
		Logger:               zap.NewNop(),
		AccountID:            1,
		LiquidationBuffer:    0.15,
		FundingFlipThreshold: 0.0001,
		TrailingDrawdown:     0.02,
		HardTimeLimit:        72 * time.Hour,
	})

	return &monitorFixture{monitor, long, short, store, notifier, p}
}

func (f *monitorFixture) storedStatus(t *testing.T) (string, string) {
	t.Helper()
	p, err := f.store.GetByID(f.position.ID)
	if err != nil {
		t.Fatal(err)
	}
	reason := ""
	if p.ExitReason != nil {
		reason = *p.ExitReason
	}
	return p.Status, reason
}

func TestMonitorHealthyPositionUntouched(t *testing.T) {
	f := newMonitorFixture(t)

	f.monitor.Tick(context.Background())

	if status, _ := f.storedStatus(t); status != models.PositionStatusOpen {
		t.Errorf("status = %s, want open", status)
	}
}

func TestMonitorFundingFlipCloses(t *testing.T) {
	f := newMonitorFixture(t)

	// Ставки сошлись: дивергенция ниже порога
	f.monitor.collector.rates["hyperliquid"]["BTC"].Rate8h = 0.0002

	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonFundingFlip {
		t.Errorf("status=%s reason=%s, want closed/funding_flip", status, reason)
	}
}

func TestMonitorStaleRatesDoNotFlip(t *testing.T) {
	f := newMonitorFixture(t)

	// Без свежих ставок дивергенция берётся из entry, флипа нет
	f.monitor.collector.rates = map[string]map[string]*models.FundingRateSample{}

	f.monitor.Tick(context.Background())

	if status, _ := f.storedStatus(t); status != models.PositionStatusOpen {
		t.Errorf("status = %s, want open", status)
	}
}

func TestMonitorHardTimeLimit(t *testing.T) {
	f := newMonitorFixture(t)

	// Позиция старше лимита
	f.store.mu.Lock()
	f.store.positions[f.position.ID].OpenedAt = time.Now().Add(-73 * time.Hour)
	f.store.mu.Unlock()

	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonTimeLimit {
		t.Errorf("status=%s reason=%s, want closed/time_limit", status, reason)
	}
}

func TestMonitorUserRequestedClose(t *testing.T) {
	f := newMonitorFixture(t)

	f.monitor.RequestClose(f.position.ID)
	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonUserRequested {
		t.Errorf("status=%s reason=%s, want closed/user_requested", status, reason)
	}
}

func TestMonitorLegImbalanceClosesMarket(t *testing.T) {
	f := newMonitorFixture(t)

	// Шорт усох сверх допуска 0.5%
	f.short.positions["BTC"].Quantity = 0.9

	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonLegImbalance {
		t.Errorf("status=%s reason=%s, want closed/leg_imbalance", status, reason)
	}

	// Критичная причина: закрытие рыночными
	f.long.mu.Lock()
	markets := len(f.long.marketOrders)
	f.long.mu.Unlock()
	if markets != 1 {
		t.Errorf("long market orders = %d, want 1", markets)
	}
}

func TestMonitorReconcilesLiquidatedLeg(t *testing.T) {
	f := newMonitorFixture(t)

	// Шорт ликвидирован, лонг жив
	f.short.positions["BTC"].Quantity = 0

	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonLiquidated {
		t.Errorf("status=%s reason=%s, want closed/liquidated", status, reason)
	}

	// Выживший лонг принудительно закрыт рыночным
	f.long.mu.Lock()
	defer f.long.mu.Unlock()
	if len(f.long.marketOrders) != 1 || f.long.marketOrders[0].Side != venue.SideSell {
		t.Errorf("force close orders = %+v", f.long.marketOrders)
	}

	if len(f.notifier.byType(models.NotificationLiquidationRisk)) == 0 {
		t.Error("liquidation notification not sent")
	}
}

func TestMonitorLiquidationRiskExit(t *testing.T) {
	f := newMonitorFixture(t)

	// Ликвидация лонга в 10% от входа, буфер 15%
	f.long.positions["BTC"].LiquidationPrice = 90

	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonLiquidationRisk {
		t.Errorf("status=%s reason=%s, want closed/liquidation_risk", status, reason)
	}

	if len(f.notifier.byType(models.NotificationLiquidationRisk)) == 0 {
		t.Error("liquidation risk notification not sent")
	}
}

func TestMonitorTrailingDrawdown(t *testing.T) {
	f := newMonitorFixture(t)

	// Тик 1: прибыль на пике, фиксируем high watermark
	f.long.positions["BTC"].UnrealizedPnl = 30
	f.monitor.Tick(context.Background())

	if status, _ := f.storedStatus(t); status != models.PositionStatusOpen {
		t.Fatalf("closed prematurely: %s", status)
	}

	// Тик 2: просадка 3% от пика при допуске 2%
	f.long.positions["BTC"].UnrealizedPnl = 0
	f.monitor.Tick(context.Background())

	status, reason := f.storedStatus(t)
	if status != models.PositionStatusClosed || reason != models.ExitReasonProfitErosion {
		t.Errorf("status=%s reason=%s, want closed/profit_erosion", status, reason)
	}
}

// profitTaker, закрывающий всё подряд
type alwaysTaker struct{ calls int }

func (a *alwaysTaker) TryTakeProfit(ctx context.Context, p *models.PairedPosition, snapshot *models.PositionSnapshot) bool {
	a.calls++
	return true
}

func TestMonitorProfitTakerShortCircuitsRiskExits(t *testing.T) {
	f := newMonitorFixture(t)

	// Funding flip сработал бы, но profit taker идёт раньше риск-выходов
	f.monitor.collector.rates["hyperliquid"]["BTC"].Rate8h = 0.0002

	taker := &alwaysTaker{}
	f.monitor.SetProfitTaker(taker)
	f.monitor.Tick(context.Background())

	if taker.calls != 1 {
		t.Errorf("taker calls = %d, want 1", taker.calls)
	}
	// Делегат вернул true, монитор ничего не закрывал сам
	if status, _ := f.storedStatus(t); status != models.PositionStatusOpen {
		t.Errorf("status = %s, monitor closed despite delegate", status)
	}
}
