package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

// fakeFundingStore - in-memory FundingStore
type fakeFundingStore struct {
	mu        sync.Mutex
	samples   []*models.FundingRateSample
	overrides map[string]map[string]float64 // venue → symbol → interval
	markets   map[string]map[string]models.MarketData
	insertErr error
}

func (s *fakeFundingStore) InsertSamples(samples []*models.FundingRateSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.samples = append(s.samples, samples...)
	return nil
}

func (s *fakeFundingStore) UpsertIntervalOverride(venueName, symbol string, intervalHours float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides == nil {
		s.overrides = make(map[string]map[string]float64)
	}
	if s.overrides[venueName] == nil {
		s.overrides[venueName] = make(map[string]float64)
	}
	s.overrides[venueName][symbol] = intervalHours
	return nil
}

func (s *fakeFundingStore) GetIntervalOverrides(venueName string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides[venueName], nil
}

func (s *fakeFundingStore) UpsertMarketData(venueName, symbol string, md models.MarketData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markets == nil {
		s.markets = make(map[string]map[string]models.MarketData)
	}
	if s.markets[venueName] == nil {
		s.markets[venueName] = make(map[string]models.MarketData)
	}
	s.markets[venueName][symbol] = md
	return nil
}

// ratesClient - fakeClient с управляемыми ставками и кэшем интервалов
type ratesClient struct {
	*fakeClient
	rates     map[string]*models.FundingRateSample
	ratesErr  error
	mkts      map[string]models.MarketData
	intervals *venue.IntervalCache
}

func (c *ratesClient) FetchFundingRates(ctx context.Context) (map[string]*models.FundingRateSample, error) {
	if c.ratesErr != nil {
		return nil, c.ratesErr
	}
	return c.rates, nil
}

func (c *ratesClient) FetchMarketData(ctx context.Context) (map[string]models.MarketData, error) {
	return c.mkts, nil
}

func (c *ratesClient) Intervals() *venue.IntervalCache { return c.intervals }

func TestCollectorCollectOncePersistsAndCaches(t *testing.T) {
	store := &fakeFundingStore{}
	client := &ratesClient{
		fakeClient: newFakeClient("hyperliquid"),
		rates: map[string]*models.FundingRateSample{
			"BTC": {Venue: "hyperliquid", Symbol: "BTC", RateNative: 0.0001, Rate8h: 0.0008, IntervalHours: 1},
		},
		mkts: map[string]models.MarketData{
			"BTC": {OpenInterestUSD: 1_000_000},
		},
	}

	c := NewFundingCollector(map[string]venue.Client{"hyperliquid": client}, store, zap.NewNop())
	c.collectOnce(context.Background(), "hyperliquid", client)

	if len(store.samples) != 1 || store.samples[0].Symbol != "BTC" {
		t.Errorf("persisted samples = %+v", store.samples)
	}
	if store.markets["hyperliquid"]["BTC"].OpenInterestUSD != 1_000_000 {
		t.Error("market data not persisted")
	}

	s, ok := c.LatestRate("hyperliquid", "BTC")
	if !ok || s.Rate8h != 0.0008 {
		t.Errorf("book rate = %+v ok=%v", s, ok)
	}
}

func TestCollectorPersistFailureSkipsBook(t *testing.T) {
	store := &fakeFundingStore{insertErr: errors.New("db down")}
	client := &ratesClient{
		fakeClient: newFakeClient("hyperliquid"),
		rates: map[string]*models.FundingRateSample{
			"BTC": {Symbol: "BTC", Rate8h: 0.0008},
		},
	}

	c := NewFundingCollector(map[string]venue.Client{"hyperliquid": client}, store, zap.NewNop())
	c.collectOnce(context.Background(), "hyperliquid", client)

	// БД - источник истины: не записали, не кэшируем
	if _, ok := c.LatestRate("hyperliquid", "BTC"); ok {
		t.Error("book updated despite persist failure")
	}
}

func TestCollectorFetchFailureKeepsPreviousBook(t *testing.T) {
	store := &fakeFundingStore{}
	client := &ratesClient{
		fakeClient: newFakeClient("hyperliquid"),
		rates: map[string]*models.FundingRateSample{
			"BTC": {Symbol: "BTC", Rate8h: 0.0008},
		},
	}

	c := NewFundingCollector(map[string]venue.Client{"hyperliquid": client}, store, zap.NewNop())
	c.collectOnce(context.Background(), "hyperliquid", client)

	client.ratesErr = errors.New("timeout")
	c.collectOnce(context.Background(), "hyperliquid", client)

	if _, ok := c.LatestRate("hyperliquid", "BTC"); !ok {
		t.Error("previous book entry lost on fetch failure")
	}
}

func TestCollectorSeedLoadsOverridesAndWiresPersist(t *testing.T) {
	store := &fakeFundingStore{}
	store.UpsertIntervalOverride("paradex", "SOL", 4)

	client := &ratesClient{
		fakeClient: newFakeClient("paradex"),
		intervals:  venue.NewIntervalCache("paradex", 8, zap.NewNop()),
	}

	c := NewFundingCollector(map[string]venue.Client{"paradex": client}, store, zap.NewNop())
	if err := c.Seed(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if got := client.intervals.Effective("SOL"); got != 4 {
		t.Errorf("seeded interval = %v, want 4", got)
	}

	// Новое наблюдение персистится через привязанный callback
	client.intervals.Observe("DOGE", 1)
	if store.overrides["paradex"]["DOGE"] != 1 {
		t.Errorf("observed override not persisted: %+v", store.overrides["paradex"])
	}
}

func timeAtHour(hour int) time.Time {
	return time.Date(2026, 1, 2, hour, 0, 5, 0, time.UTC)
}

func TestPaymentDue(t *testing.T) {
	tests := []struct {
		hour     int
		interval float64
		want     bool
	}{
		{0, 8, true},
		{8, 8, true},
		{9, 8, false},
		{16, 8, true},
		{5, 1, true}, // часовой интервал платит каждый час
		{3, 4, false},
		{4, 4, true},
		{7, 0, true}, // битый интервал трактуется как часовой
	}

	for _, tt := range tests {
		at := timeAtHour(tt.hour)
		if got := paymentDue(at, tt.interval); got != tt.want {
			t.Errorf("paymentDue(hour=%d, interval=%v) = %v, want %v", tt.hour, tt.interval, got, tt.want)
		}
	}
}
