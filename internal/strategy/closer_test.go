package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

func openTestPosition(t *testing.T, store *fakeStore) *models.PairedPosition {
	t.Helper()
	p := &models.PairedPosition{
		AccountID:       1,
		Symbol:          "BTC",
		LongVenue:       "paradex",
		ShortVenue:      "hyperliquid",
		SizeUSD:         1000,
		Quantity:        1,
		LongEntryPrice:  100,
		ShortEntryPrice: 100,
		EntryFeesUSD:    0.5,
		EntryDivergence: 0.0006,
		OpenedAt:        time.Now(),
	}
	if err := store.CreateOpen(p); err != nil {
		t.Fatalf("create position: %v", err)
	}
	p.CumulativeFundingUSD = 2
	return p
}

func newTestCloser(long, short *fakeClient, store *fakeStore, notifier Notifier) *PositionCloser {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return NewPositionCloser(
		map[string]venue.Client{long.name: long, short.name: short},
		store, notifier, 5*time.Second, zap.NewNop(),
	)
}

func TestCloserRealizedPnl(t *testing.T) {
	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()

	// Лонг продаётся по bid 101, шорт выкупается по ask 99.4
	long.bbo = &venue.BBO{Venue: "paradex", Symbol: "BTC", Bid: 101, Ask: 101.2, Ts: time.Now()}
	short.bbo = &venue.BBO{Venue: "hyperliquid", Symbol: "BTC", Bid: 99, Ask: 99.4, Ts: time.Now()}

	p := openTestPosition(t, store)
	closer := newTestCloser(long, short, store, nil)

	outcome := closer.Close(context.Background(), p, models.ExitReasonProfitTaking)
	if outcome.Err != nil {
		t.Fatalf("close failed: %v", outcome.Err)
	}
	if !outcome.Closed {
		t.Fatal("expected Closed=true")
	}

	// pnl_long 1.0 + pnl_short 0.6 + funding 2 - entry fees 0.5 - exit fees
	exitFees := 1*101*0.0005 + 1*99.4*0.0005
	want := 1.0 + 0.6 + 2 - 0.5 - exitFees
	if math.Abs(outcome.RealizedPnlUSD-want) > 1e-9 {
		t.Errorf("realized pnl = %v, want %v", outcome.RealizedPnlUSD, want)
	}

	stored, _ := store.GetByID(p.ID)
	if stored.Status != models.PositionStatusClosed {
		t.Errorf("status = %s, want closed", stored.Status)
	}
	if stored.ExitReason == nil || *stored.ExitReason != models.ExitReasonProfitTaking {
		t.Errorf("exit reason = %v", stored.ExitReason)
	}
}

func TestCloserSingleCloseInvariant(t *testing.T) {
	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()
	short.bbo = &venue.BBO{Bid: 100, Ask: 100.2, Ts: time.Now()}

	p := openTestPosition(t, store)
	closer := newTestCloser(long, short, store, nil)

	// Первое закрытие висит внутри, пока мы не отпустим канал
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once bool
	long.placeLimitFn = func(req venue.LimitOrderRequest) (string, error) {
		if !once {
			once = true
			close(entered)
			<-proceed
		}
		id := "long-held"
		long.orders[id] = &venue.OrderStatus{
			OrderID: id, Status: venue.OrderStatusFilled,
			FilledQty: req.Quantity, AvgPrice: req.Price,
		}
		return id, nil
	}
	long.bbo = &venue.BBO{Bid: 100, Ask: 100.2, Ts: time.Now()}

	done := make(chan CloseOutcome, 1)
	go func() {
		done <- closer.Close(context.Background(), p, models.ExitReasonUserRequested)
	}()

	<-entered
	if !closer.IsClosing(p.ID) {
		t.Error("IsClosing = false while close in flight")
	}

	second := closer.Close(context.Background(), p, models.ExitReasonFundingFlip)
	if !second.AlreadyClosing {
		t.Errorf("concurrent close outcome = %+v, want AlreadyClosing", second)
	}

	close(proceed)
	first := <-done
	if first.Err != nil || !first.Closed {
		t.Fatalf("first close outcome = %+v", first)
	}
	if closer.IsClosing(p.ID) {
		t.Error("closing flag not released")
	}
}

func TestCloserCriticalReasonUsesMarketOrders(t *testing.T) {
	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()

	p := openTestPosition(t, store)
	closer := newTestCloser(long, short, store, nil)

	outcome := closer.Close(context.Background(), p, models.ExitReasonLiquidationRisk)
	if outcome.Err != nil {
		t.Fatalf("close failed: %v", outcome.Err)
	}

	for _, c := range []*fakeClient{long, short} {
		c.mu.Lock()
		markets := len(c.marketOrders)
		c.mu.Unlock()
		if markets != 1 {
			t.Errorf("%s: market orders = %d, want 1", c.name, markets)
		}
	}
}

func TestCloserOneSidedFailureMarksError(t *testing.T) {
	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()
	notifier := &recordingNotifier{}

	long.bbo = &venue.BBO{Bid: 100, Ask: 100.2, Ts: time.Now()}

	// Шорт не закрыть никак: BBO, лимитки и рыночные все падают
	short.bboErr = errors.New("venue down")
	short.placeMarketFn = func(symbol, side string, qty float64) (string, error) {
		return "", errors.New("venue down")
	}

	p := openTestPosition(t, store)
	closer := newTestCloser(long, short, store, notifier)

	outcome := closer.Close(context.Background(), p, models.ExitReasonFundingFlip)
	if outcome.Err == nil {
		t.Fatal("expected error outcome")
	}

	stored, _ := store.GetByID(p.ID)
	if stored.Status != models.PositionStatusError {
		t.Errorf("status = %s, want error", stored.Status)
	}

	alerts := notifier.byType(models.NotificationPositionClosed)
	if len(alerts) != 1 || alerts[0].Severity != models.SeverityError {
		t.Errorf("error notification missing: %+v", alerts)
	}
}

func TestCloserSecondProcessAlreadyTransitioned(t *testing.T) {
	long := newFakeClient("paradex")
	short := newFakeClient("hyperliquid")
	store := newFakeStore()

	p := openTestPosition(t, store)
	// Другой процесс уже перевёл статус
	if err := store.MarkPendingClose(p.ID); err != nil {
		t.Fatal(err)
	}

	closer := newTestCloser(long, short, store, nil)
	outcome := closer.Close(context.Background(), p, models.ExitReasonUserRequested)
	if outcome.Err == nil {
		t.Fatal("expected transition error")
	}

	// Никаких ордеров при проигранной гонке
	long.mu.Lock()
	defer long.mu.Unlock()
	if len(long.orders) != 0 || len(long.marketOrders) != 0 {
		t.Error("orders placed despite lost race")
	}
}

func TestMergeFills(t *testing.T) {
	merged := mergeFills([]*venue.OrderStatus{
		{FilledQty: 1, AvgPrice: 100, FeesUSD: 0.1},
		{FilledQty: 3, AvgPrice: 104, FeesUSD: 0.2},
	})

	if merged.FilledQty != 4 {
		t.Errorf("qty = %v, want 4", merged.FilledQty)
	}
	if math.Abs(merged.AvgPrice-103) > 1e-9 {
		t.Errorf("avg price = %v, want 103", merged.AvgPrice)
	}
	if math.Abs(merged.FeesUSD-0.3) > 1e-9 {
		t.Errorf("fees = %v, want 0.3", merged.FeesUSD)
	}

	empty := mergeFills(nil)
	if empty.FilledQty != 0 || empty.Status != venue.OrderStatusCancelled {
		t.Errorf("empty merge = %+v", empty)
	}
}
