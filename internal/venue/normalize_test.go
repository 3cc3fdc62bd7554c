package venue

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"fundingarb/internal/models"
)

func TestIntervalCacheEffective(t *testing.T) {
	tests := []struct {
		name         string
		venueDefault float64
		observe      map[string]float64
		symbol       string
		expected     float64
	}{
		{
			name:         "default when nothing observed",
			venueDefault: 8,
			symbol:       "BTC",
			expected:     8,
		},
		{
			name:         "override takes precedence over default",
			venueDefault: 8,
			observe:      map[string]float64{"TRUMP": 1},
			symbol:       "TRUMP",
			expected:     1,
		},
		{
			name:         "override for one symbol does not leak to another",
			venueDefault: 8,
			observe:      map[string]float64{"TRUMP": 1},
			symbol:       "ETH",
			expected:     8,
		},
		{
			name:         "zero default falls back to 8h",
			venueDefault: 0,
			symbol:       "BTC",
			expected:     8,
		},
		{
			name:         "hyperliquid hourly default",
			venueDefault: 1,
			symbol:       "SOL",
			expected:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewIntervalCache("testvenue", tt.venueDefault, zap.NewNop())
			for sym, interval := range tt.observe {
				cache.Observe(sym, interval)
			}

			got := cache.Effective(tt.symbol)
			if got != tt.expected {
				t.Errorf("Effective(%s) = %v, want %v", tt.symbol, got, tt.expected)
			}
		})
	}
}

func TestIntervalCacheNormalize(t *testing.T) {
	tests := []struct {
		name         string
		venueDefault float64
		sample       models.FundingRateSample
		expectedRate float64
		expectedHrs  float64
	}{
		{
			name:         "hourly rate scales to 8h",
			venueDefault: 1,
			sample:       models.FundingRateSample{Symbol: "BTC", RateNative: 0.0000125, IntervalHours: 1},
			expectedRate: 0.0001,
			expectedHrs:  1,
		},
		{
			name:         "8h rate is identity",
			venueDefault: 8,
			sample:       models.FundingRateSample{Symbol: "ETH", RateNative: 0.0001, IntervalHours: 8},
			expectedRate: 0.0001,
			expectedHrs:  8,
		},
		{
			name:         "missing interval falls back to venue default",
			venueDefault: 8,
			sample:       models.FundingRateSample{Symbol: "SOL", RateNative: 0.0002},
			expectedRate: 0.0002,
			expectedHrs:  8,
		},
		{
			name:         "4h rate doubles",
			venueDefault: 8,
			sample:       models.FundingRateSample{Symbol: "DOGE", RateNative: 0.0001, IntervalHours: 4},
			expectedRate: 0.0002,
			expectedHrs:  4,
		},
		{
			name:         "negative rate keeps sign",
			venueDefault: 1,
			sample:       models.FundingRateSample{Symbol: "XRP", RateNative: -0.00005, IntervalHours: 1},
			expectedRate: -0.0004,
			expectedHrs:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewIntervalCache("testvenue", tt.venueDefault, zap.NewNop())

			sample := tt.sample
			cache.Normalize(&sample)

			if math.Abs(sample.Rate8h-tt.expectedRate) > 1e-12 {
				t.Errorf("Rate8h = %v, want %v", sample.Rate8h, tt.expectedRate)
			}
			if sample.IntervalHours != tt.expectedHrs {
				t.Errorf("IntervalHours = %v, want %v", sample.IntervalHours, tt.expectedHrs)
			}
		})
	}
}

func TestIntervalCachePersist(t *testing.T) {
	cache := NewIntervalCache("testvenue", 8, zap.NewNop())

	type persisted struct {
		venue    string
		symbol   string
		interval float64
	}
	var calls []persisted
	cache.SetPersistFunc(func(venue, symbol string, intervalHours float64) {
		calls = append(calls, persisted{venue, symbol, intervalHours})
	})

	// Первое наблюдение персистится
	cache.Observe("TRUMP", 1)
	// Повтор того же значения - нет
	cache.Observe("TRUMP", 1)
	// Изменение - снова персистится
	cache.Observe("TRUMP", 2)
	// Невалидный интервал игнорируется
	cache.Observe("TRUMP", 0)

	if len(calls) != 2 {
		t.Fatalf("persist calls = %d, want 2", len(calls))
	}
	if calls[0] != (persisted{"testvenue", "TRUMP", 1}) {
		t.Errorf("first persist = %+v", calls[0])
	}
	if calls[1] != (persisted{"testvenue", "TRUMP", 2}) {
		t.Errorf("second persist = %+v", calls[1])
	}
}
