package venue

import (
	"sync"

	"go.uber.org/zap"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// IntervalCache - кэш интервалов финансирования per-symbol.
//
// Для площадок, где интервал варьируется по символам, адаптер
// загружает интервалы при первом использовании и кэширует их.
// Наблюдённое отклонение от дефолта площадки логируется и
// персистится, чтобы последующие нормализации были стабильны.
type IntervalCache struct {
	venue        string
	venueDefault float64

	mu        sync.RWMutex
	intervals map[string]float64 // symbol → interval_hours

	logger *zap.Logger

	// Callback для персистенции наблюдённого переопределения.
	// nil = только кэш в памяти.
	persist func(venue, symbol string, intervalHours float64)
}

// NewIntervalCache создает кэш с дефолтом площадки
func NewIntervalCache(venueName string, venueDefault float64, logger *zap.Logger) *IntervalCache {
	if venueDefault <= 0 {
		venueDefault = 8
	}
	return &IntervalCache{
		venue:        venueName,
		venueDefault: venueDefault,
		intervals:    make(map[string]float64),
		logger:       logger,
	}
}

// SetPersistFunc устанавливает callback персистенции переопределений
func (c *IntervalCache) SetPersistFunc(fn func(venue, symbol string, intervalHours float64)) {
	c.mu.Lock()
	c.persist = fn
	c.mu.Unlock()
}

// Effective возвращает действующий интервал символа:
// переопределение → дефолт площадки → 8 часов.
func (c *IntervalCache) Effective(symbol string) float64 {
	c.mu.RLock()
	interval, ok := c.intervals[symbol]
	c.mu.RUnlock()

	if ok && interval > 0 {
		return interval
	}
	return c.venueDefault
}

// Observe фиксирует наблюдённый интервал символа.
// Отклонение от дефолта — повод для warning: консервативно
// сохраняем и предупреждаем.
func (c *IntervalCache) Observe(symbol string, intervalHours float64) {
	if intervalHours <= 0 {
		return
	}

	c.mu.Lock()
	prev, seen := c.intervals[symbol]
	changed := !seen || prev != intervalHours
	if changed {
		c.intervals[symbol] = intervalHours
	}
	persist := c.persist
	c.mu.Unlock()

	if !changed {
		return
	}

	if intervalHours != c.venueDefault && c.logger != nil {
		c.logger.Warn("symbol funding interval deviates from venue default",
			zap.String("venue", c.venue),
			zap.String("symbol", symbol),
			zap.Float64("interval_hours", intervalHours),
			zap.Float64("venue_default", c.venueDefault),
		)
	}

	if persist != nil {
		persist(c.venue, symbol, intervalHours)
	}
}

// Normalize заполняет 8h-нормализованную ставку в sample.
//
// Правило обязательное для всех адаптеров: каждый возвращаемый
// sample несёт rate_8h = rate_native * 8 / interval. Нормализация
// уже 8-часовой ставки — тождественная операция.
func (c *IntervalCache) Normalize(sample *models.FundingRateSample) {
	if sample.IntervalHours > 0 {
		c.Observe(sample.Symbol, sample.IntervalHours)
	} else {
		sample.IntervalHours = c.Effective(sample.Symbol)
	}

	sample.Rate8h = utils.NormalizeFundingRate(sample.RateNative, sample.IntervalHours)
}
