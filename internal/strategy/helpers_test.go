package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

// fakeClient - управляемый адаптер площадки для тестов
type fakeClient struct {
	mu sync.Mutex

	name    string
	bbo     *venue.BBO
	bboErr  error
	limits  *venue.Limits
	balance *venue.Balance

	orders    map[string]*venue.OrderStatus
	orderSeq  int
	positions map[string]*venue.Position

	// Хуки поведения; nil = дефолт
	placeLimitFn  func(req venue.LimitOrderRequest) (string, error)
	placeMarketFn func(symbol, side string, qty float64) (string, error)
	cancelFn      func(symbol, orderID string) error
	queryFn       func(symbol, orderID string) (*venue.OrderStatus, error)
	subscribeFn   func(symbol string) error

	marketOrders []struct {
		Symbol string
		Side   string
		Qty    float64
	}
	cancelled   []string
	subscribers map[string]func(*venue.BBO)
	unsubbed    []string
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:        name,
		limits:      &venue.Limits{TickSize: 0.1, StepSize: 0.001, MinNotional: 10, MaxLeverage: 20},
		balance:     &venue.Balance{TotalUSD: 100000, FreeUSD: 100000},
		orders:      make(map[string]*venue.OrderStatus),
		positions:   make(map[string]*venue.Position),
		subscribers: make(map[string]func(*venue.BBO)),
	}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) FetchBBO(ctx context.Context, symbol string) (*venue.BBO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bboErr != nil {
		return nil, f.bboErr
	}
	if f.bbo == nil {
		return nil, venue.ErrVenueUnavailable
	}
	return f.bbo, nil
}

func (f *fakeClient) FetchFundingRates(ctx context.Context) (map[string]*models.FundingRateSample, error) {
	return map[string]*models.FundingRateSample{}, nil
}

func (f *fakeClient) FetchMarketData(ctx context.Context) (map[string]models.MarketData, error) {
	return map[string]models.MarketData{}, nil
}

func (f *fakeClient) PlaceLimit(ctx context.Context, req venue.LimitOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.placeLimitFn != nil {
		return f.placeLimitFn(req)
	}

	// Дефолт: мгновенное полное исполнение по цене заявки
	f.orderSeq++
	id := fmt.Sprintf("%s-ord-%d", f.name, f.orderSeq)
	f.orders[id] = &venue.OrderStatus{
		OrderID:   id,
		Status:    venue.OrderStatusFilled,
		FilledQty: req.Quantity,
		AvgPrice:  req.Price,
		FeesUSD:   req.Quantity * req.Price * 0.0005,
		UpdatedAt: time.Now(),
	}
	return id, nil
}

func (f *fakeClient) PlaceMarket(ctx context.Context, symbol, side string, qty float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.marketOrders = append(f.marketOrders, struct {
		Symbol string
		Side   string
		Qty    float64
	}{symbol, side, qty})

	if f.placeMarketFn != nil {
		return f.placeMarketFn(symbol, side, qty)
	}

	price := 100.0
	if f.bbo != nil {
		price = (f.bbo.Bid + f.bbo.Ask) / 2
	}

	f.orderSeq++
	id := fmt.Sprintf("%s-mkt-%d", f.name, f.orderSeq)
	f.orders[id] = &venue.OrderStatus{
		OrderID:   id,
		Status:    venue.OrderStatusFilled,
		FilledQty: qty,
		AvgPrice:  price,
		FeesUSD:   qty * price * 0.0005,
		UpdatedAt: time.Now(),
	}
	return id, nil
}

func (f *fakeClient) Cancel(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, orderID)
	if f.cancelFn != nil {
		return f.cancelFn(symbol, orderID)
	}
	if o, ok := f.orders[orderID]; ok && o.Status == venue.OrderStatusOpen {
		o.Status = venue.OrderStatusCancelled
	}
	return nil
}

func (f *fakeClient) QueryOrder(ctx context.Context, symbol, orderID string) (*venue.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.queryFn != nil {
		return f.queryFn(symbol, orderID)
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, venue.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeClient) SubscribeBBO(symbol string, callback func(*venue.BBO)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeFn != nil {
		if err := f.subscribeFn(symbol); err != nil {
			return err
		}
	}
	f.subscribers[symbol] = callback
	return nil
}

func (f *fakeClient) UnsubscribeBBO(symbol string) error {
	f.mu.Lock()
	delete(f.subscribers, symbol)
	f.unsubbed = append(f.unsubbed, symbol)
	f.mu.Unlock()
	return nil
}

// pushBBO эмулирует событие котировки
func (f *fakeClient) pushBBO(symbol string, bid, ask float64) {
	f.mu.Lock()
	bbo := &venue.BBO{Venue: f.name, Symbol: symbol, Bid: bid, Ask: ask, Ts: time.Now()}
	f.bbo = bbo
	cb := f.subscribers[symbol]
	f.mu.Unlock()

	if cb != nil {
		cb(bbo)
	}
}

func (f *fakeClient) FetchPosition(ctx context.Context, symbol string) (*venue.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[symbol], nil
}

func (f *fakeClient) FetchBalance(ctx context.Context) (*venue.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeClient) Limits(ctx context.Context, symbol string) (*venue.Limits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limits, nil
}

func (f *fakeClient) Close() error { return nil }

// fakeStore - in-memory PositionStore
type fakeStore struct {
	mu         sync.Mutex
	seq        int
	positions  map[int]*models.PairedPosition
	payments   []*models.FundingPayment
	failActive error // ошибка GetActiveByAccount, если установлена
}

func (s *fakeStore) setFailActive(err error) {
	s.mu.Lock()
	s.failActive = err
	s.mu.Unlock()
}

func newFakeStore() *fakeStore {
	return &fakeStore{positions: make(map[int]*models.PairedPosition)}
}

func (s *fakeStore) CreateOpen(p *models.PairedPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.positions {
		if existing.IsActive() &&
			existing.AccountID == p.AccountID && existing.Symbol == p.Symbol &&
			existing.LongVenue == p.LongVenue && existing.ShortVenue == p.ShortVenue {
			return ErrDuplicatePosition
		}
	}

	s.seq++
	p.ID = s.seq
	p.Status = models.PositionStatusOpen
	clone := *p
	s.positions[p.ID] = &clone
	return nil
}

func (s *fakeStore) GetByID(id int) (*models.PairedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d not found", id)
	}
	clone := *p
	return &clone, nil
}

func (s *fakeStore) GetActiveByAccount(accountID int) ([]*models.PairedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failActive != nil {
		return nil, s.failActive
	}
	var out []*models.PairedPosition
	for _, p := range s.positions {
		if p.AccountID == accountID && p.IsActive() {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) FindActive(accountID int, symbol, longVenue, shortVenue string) (*models.PairedPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.IsActive() && p.AccountID == accountID && p.Symbol == symbol &&
			p.LongVenue == longVenue && p.ShortVenue == shortVenue {
			clone := *p
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) MarkPendingClose(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != models.PositionStatusOpen {
		return fmt.Errorf("invalid transition for %d", id)
	}
	p.Status = models.PositionStatusPendingClose
	return nil
}

func (s *fakeStore) Close(id int, exitReason string, realizedPnlUSD float64, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != models.PositionStatusPendingClose {
		return fmt.Errorf("invalid transition for %d", id)
	}
	p.Status = models.PositionStatusClosed
	p.ExitReason = &exitReason
	p.RealizedPnlUSD = &realizedPnlUSD
	p.ClosedAt = &closedAt
	return nil
}

func (s *fakeStore) MarkError(id int, exitReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %d not found", id)
	}
	p.Status = models.PositionStatusError
	p.ExitReason = &exitReason
	return nil
}

func (s *fakeStore) AddFundingPayment(payment *models.FundingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.PositionID == payment.PositionID && existing.PaymentTime.Equal(payment.PaymentTime) {
			return nil
		}
	}
	s.payments = append(s.payments, payment)
	if p, ok := s.positions[payment.PositionID]; ok {
		p.CumulativeFundingUSD += payment.NetPayment
		p.FundingPaymentsCount++
	}
	return nil
}

func (s *fakeStore) CountActiveByAccount(accountID int) (int, error) {
	active, _ := s.GetActiveByAccount(accountID)
	return len(active), nil
}

func (s *fakeStore) SumActiveSizeByAccount(accountID int) (float64, error) {
	active, _ := s.GetActiveByAccount(accountID)
	var sum float64
	for _, p := range active {
		sum += p.SizeUSD
	}
	return sum, nil
}

// recordingNotifier запоминает уведомления
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []*models.Notification
}

func (n *recordingNotifier) Notify(notification *models.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, notification)
	n.mu.Unlock()
}

func (n *recordingNotifier) byType(t string) []*models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*models.Notification
	for _, notification := range n.sent {
		if notification.Type == t {
			out = append(out, notification)
		}
	}
	return out
}
