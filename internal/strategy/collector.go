package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/internal/venue"
)

// FundingStore - персистенция наблюдений коллектора
type FundingStore interface {
	InsertSamples(samples []*models.FundingRateSample) error
	UpsertIntervalOverride(venueName, symbol string, intervalHours float64) error
	GetIntervalOverrides(venueName string) (map[string]float64, error)
	UpsertMarketData(venueName, symbol string, md models.MarketData) error
}

// FundingCollector опрашивает площадки по расписанию и держит
// последние 8h-нормализованные ставки в памяти для finder'а.
//
/// БД остаётся источником истины: каждое наблюдение пишется в
// funding_rates, in-memory книга — кэш, перезаписываемый на запись.
type FundingCollector struct {
	clients   map[string]venue.Client
	store     FundingStore
	publisher Publisher
	logger    *zap.Logger

	mu    sync.RWMutex
	rates map[string]map[string]*models.FundingRateSample
	mkts  map[string]map[string]models.MarketData
}

// NewFundingCollector создает коллектор для набора площадок
func NewFundingCollector(clients map[string]venue.Client, store FundingStore, logger *zap.Logger) *FundingCollector {
	return &FundingCollector{
		clients:   clients,
		store:     store,
		publisher: NopPublisher{},
		logger:    logger,
		rates:     make(map[string]map[string]*models.FundingRateSample),
		mkts:      make(map[string]map[string]models.MarketData),
	}
}

// SetPublisher включает трансляцию свежих ставок в live стрим
func (c *FundingCollector) SetPublisher(p Publisher) {
	if p != nil {
		c.publisher = p
	}
}

// Seed загружает сохранённые переопределения интервалов в кэши
// адаптеров и привязывает их персистенцию к хранилищу
func (c *FundingCollector) Seed() error {
	for venueName, client := range c.clients {
		reporter, ok := client.(venue.IntervalReporter)
		if !ok {
			continue
		}

		overrides, err := c.store.GetIntervalOverrides(venueName)
		if err != nil {
			return err
		}

		cache := reporter.Intervals()
		for symbol, interval := range overrides {
			cache.Observe(symbol, interval)
		}
		cache.SetPersistFunc(func(v, symbol string, intervalHours float64) {
			if err := c.store.UpsertIntervalOverride(v, symbol, intervalHours); err != nil {
				c.logger.Error("persist interval override",
					zap.String("venue", v),
					zap.String("symbol", symbol),
					zap.Error(err),
				)
			}
		})
	}

	return nil
}

// Run запускает циклы сбора, по одному на площадку
func (c *FundingCollector) Run(ctx context.Context, interval time.Duration) {
	var wg sync.WaitGroup
	for venueName, client := range c.clients {
		wg.Add(1)
		go func(name string, cl venue.Client) {
			defer wg.Done()
			c.runVenue(ctx, name, cl, interval)
		}(venueName, client)
	}
	wg.Wait()
}

func (c *FundingCollector) runVenue(ctx context.Context, venueName string, client venue.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Первый сбор сразу, не дожидаясь тика
	c.collectOnce(ctx, venueName, client)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce(ctx, venueName, client)
		}
	}
}

func (c *FundingCollector) collectOnce(ctx context.Context, venueName string, client venue.Client) {
	rates, err := client.FetchFundingRates(ctx)
	if err != nil {
		collectorErrors.WithLabelValues(venueName).Inc()
		c.logger.Warn("funding rates fetch failed",
			zap.String("venue", venueName),
			zap.Error(err),
		)
		return
	}

	samples := make([]*models.FundingRateSample, 0, len(rates))
	for _, s := range rates {
		samples = append(samples, s)
	}
	if err := c.store.InsertSamples(samples); err != nil {
		collectorErrors.WithLabelValues(venueName).Inc()
		c.logger.Error("funding rates persist failed",
			zap.String("venue", venueName),
			zap.Error(err),
		)
		return
	}

	markets, err := client.FetchMarketData(ctx)
	if err != nil {
		collectorErrors.WithLabelValues(venueName).Inc()
		c.logger.Warn("market data fetch failed",
			zap.String("venue", venueName),
			zap.Error(err),
		)
		markets = nil
	}
	for symbol, md := range markets {
		if err := c.store.UpsertMarketData(venueName, symbol, md); err != nil {
			c.logger.Error("market data persist failed",
				zap.String("venue", venueName),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

	c.mu.Lock()
	c.rates[venueName] = rates
	if markets != nil {
		c.mkts[venueName] = markets
	}
	c.mu.Unlock()

	for symbol, s := range rates {
		c.publisher.BroadcastFunding(venueName, symbol, s.Rate8h, s.IntervalHours)
	}

	c.logger.Debug("funding collection cycle done",
		zap.String("venue", venueName),
		zap.Int("symbols", len(rates)),
	)
}

// Book возвращает снимок последних ставок и метрик.
// Карты верхнего уровня копируются, значения разделяются на чтение.
func (c *FundingCollector) Book() *RateBook {
	c.mu.RLock()
	defer c.mu.RUnlock()

	book := &RateBook{
		Rates:   make(map[string]map[string]*models.FundingRateSample, len(c.rates)),
		Markets: make(map[string]map[string]models.MarketData, len(c.mkts)),
	}
	for venueName, rates := range c.rates {
		book.Rates[venueName] = rates
	}
	for venueName, mkts := range c.mkts {
		book.Markets[venueName] = mkts
	}

	return book
}

// LatestRate возвращает последнюю ставку символа на площадке
func (c *FundingCollector) LatestRate(venueName, symbol string) (*models.FundingRateSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rates, ok := c.rates[venueName]
	if !ok {
		return nil, false
	}
	s, ok := rates[symbol]
	return s, ok
}
