package strategy

import (
	"math"
	"testing"

	"fundingarb/internal/models"
)

func testVenues() []models.Venue {
	return []models.Venue{
		{Name: "hyperliquid", FundingIntervalHours: 1, TakerFeePct: 0.00035},
		{Name: "paradex", FundingIntervalHours: 8, TakerFeePct: 0.0003},
	}
}

// bookWith строит книгу с рыночными снимками для каждой пары
// площадка/символ из rates, чтобы кандидаты не отсекались прогревом
func bookWith(rates map[string]map[string]*models.FundingRateSample) *RateBook {
	markets := make(map[string]map[string]models.MarketData)
	for venueName, symbols := range rates {
		markets[venueName] = make(map[string]models.MarketData)
		for symbol := range symbols {
			markets[venueName][symbol] = models.MarketData{OpenInterestUSD: 2_000_000, Volume24hUSD: 8_000_000, SpreadBps: 3}
		}
	}
	return &RateBook{Rates: rates, Markets: markets}
}

func TestFinderNormalizedDivergence(t *testing.T) {
	// Часовая ставка 0.0001 нормализуется к 0.0008, восьмичасовая
	// 0.0002 остаётся как есть: дивергенция 0.0006, лонг на paradex
	book := bookWith(map[string]map[string]*models.FundingRateSample{
		"hyperliquid": {"BTC": {Venue: "hyperliquid", Symbol: "BTC", RateNative: 0.0001, Rate8h: 0.0008, IntervalHours: 1}},
		"paradex":     {"BTC": {Venue: "paradex", Symbol: "BTC", RateNative: 0.0002, Rate8h: 0.0002, IntervalHours: 8}},
	})

	finder := NewOpportunityFinder(testVenues())
	opps := finder.Find(book, FinderFilters{MinDivergence: 0.0005, MinNetProfit: -1})

	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}

	opp := opps[0]
	if opp.LongVenue != "paradex" || opp.ShortVenue != "hyperliquid" {
		t.Errorf("long=%s short=%s, want long on lower-rate venue", opp.LongVenue, opp.ShortVenue)
	}
	if math.Abs(opp.Divergence-0.0006) > 1e-12 {
		t.Errorf("divergence = %v, want 0.0006", opp.Divergence)
	}

	wantFees := (0.0003 + 0.00035) * 2
	if math.Abs(opp.EstFeesPct-wantFees) > 1e-12 {
		t.Errorf("est_fees = %v, want %v", opp.EstFeesPct, wantFees)
	}
	if math.Abs(opp.NetProfitPct-(0.0006-wantFees)) > 1e-12 {
		t.Errorf("net_profit = %v", opp.NetProfitPct)
	}
	if math.Abs(opp.AnnualizedAPY-0.0006*3*365) > 1e-9 {
		t.Errorf("apy = %v", opp.AnnualizedAPY)
	}
}

func TestFinderFilters(t *testing.T) {
	book := &RateBook{
		Rates: map[string]map[string]*models.FundingRateSample{
			"hyperliquid": {
				"BTC": {Rate8h: 0.0008},
				"ETH": {Rate8h: 0.0004},
			},
			"paradex": {
				"BTC": {Rate8h: 0.0002},
				"ETH": {Rate8h: 0.0001},
			},
		},
		Markets: map[string]map[string]models.MarketData{
			"hyperliquid": {
				"BTC": {OpenInterestUSD: 5_000_000, Volume24hUSD: 20_000_000, SpreadBps: 2},
				"ETH": {OpenInterestUSD: 100_000, Volume24hUSD: 500_000, SpreadBps: 8},
			},
			"paradex": {
				"BTC": {OpenInterestUSD: 3_000_000, Volume24hUSD: 10_000_000, SpreadBps: 4},
				"ETH": {OpenInterestUSD: 80_000, Volume24hUSD: 200_000, SpreadBps: 12},
			},
		},
	}
	finder := NewOpportunityFinder(testVenues())

	tests := []struct {
		name     string
		filters  FinderFilters
		expected []string // ожидаемые символы в порядке
	}{
		{
			name:     "no filters returns both sorted by net profit",
			filters:  FinderFilters{MinNetProfit: -1},
			expected: []string{"BTC", "ETH"},
		},
		{
			name:     "min divergence drops ETH",
			filters:  FinderFilters{MinDivergence: 0.0005, MinNetProfit: -1},
			expected: []string{"BTC"},
		},
		{
			name:     "symbol filter",
			filters:  FinderFilters{Symbols: []string{"ETH"}, MinNetProfit: -1},
			expected: []string{"ETH"},
		},
		{
			name:     "min open interest drops ETH",
			filters:  FinderFilters{MinOpenInterestUSD: 1_000_000, MinNetProfit: -1},
			expected: []string{"BTC"},
		},
		{
			name:     "max spread drops ETH",
			filters:  FinderFilters{MaxSpreadBps: 5, MinNetProfit: -1},
			expected: []string{"BTC"},
		},
		{
			name:     "venue blacklist drops everything",
			filters:  FinderFilters{VenueBlacklist: []string{"paradex"}, MinNetProfit: -1},
			expected: nil,
		},
		{
			name:     "long whitelist rejects long on hyperliquid",
			filters:  FinderFilters{LongVenueWhitelist: []string{"hyperliquid"}, MinNetProfit: -1},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opps := finder.Find(book, tt.filters)

			if len(opps) != len(tt.expected) {
				t.Fatalf("got %d opportunities, want %d", len(opps), len(tt.expected))
			}
			for i, symbol := range tt.expected {
				if opps[i].Symbol != symbol {
					t.Errorf("opps[%d].Symbol = %s, want %s", i, opps[i].Symbol, symbol)
				}
			}
		})
	}
}

func TestFinderSkipsWarmingUpVenue(t *testing.T) {
	// Ставки с обеих площадок уже пришли, рыночных снимков ещё нет:
	// такой кандидат имел бы нулевую ликвидность и не должен строиться
	rates := map[string]map[string]*models.FundingRateSample{
		"hyperliquid": {"BTC": {Venue: "hyperliquid", Symbol: "BTC", Rate8h: 0.0008, IntervalHours: 1}},
		"paradex":     {"BTC": {Venue: "paradex", Symbol: "BTC", Rate8h: 0.0002, IntervalHours: 8}},
	}
	finder := NewOpportunityFinder(testVenues())

	noMarkets := &RateBook{Rates: rates, Markets: map[string]map[string]models.MarketData{}}
	if opps := finder.Find(noMarkets, FinderFilters{MinNetProfit: -1}); len(opps) != 0 {
		t.Errorf("no market data: opportunities = %d, want 0", len(opps))
	}

	oneLeg := &RateBook{
		Rates: rates,
		Markets: map[string]map[string]models.MarketData{
			"hyperliquid": {"BTC": {OpenInterestUSD: 2_000_000, Volume24hUSD: 8_000_000, SpreadBps: 3}},
		},
	}
	if opps := finder.Find(oneLeg, FinderFilters{MinNetProfit: -1}); len(opps) != 0 {
		t.Errorf("one-leg market data: opportunities = %d, want 0", len(opps))
	}
}

func TestFinderSingleVenueSymbolSkipped(t *testing.T) {
	book := bookWith(map[string]map[string]*models.FundingRateSample{
		"hyperliquid": {"SOL": {Rate8h: 0.001}},
	})

	finder := NewOpportunityFinder(testVenues())
	if opps := finder.Find(book, FinderFilters{MinNetProfit: -1}); len(opps) != 0 {
		t.Errorf("expected no opportunities for single-venue symbol, got %d", len(opps))
	}
}

func TestFinderSortByAPY(t *testing.T) {
	book := bookWith(map[string]map[string]*models.FundingRateSample{
		"hyperliquid": {"BTC": {Rate8h: 0.0004}, "ETH": {Rate8h: 0.0009}},
		"paradex":     {"BTC": {Rate8h: 0.0001}, "ETH": {Rate8h: 0.0001}},
	})

	finder := NewOpportunityFinder(testVenues())
	opps := finder.Find(book, FinderFilters{SortBy: SortByAPY, MinNetProfit: -1})

	if len(opps) != 2 || opps[0].Symbol != "ETH" {
		t.Fatalf("expected ETH first by APY, got %+v", opps)
	}
}
