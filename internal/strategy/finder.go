package strategy

import (
	"math"
	"sort"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// RateBook - снимок последних ставок и метрик ликвидности,
// venue → symbol → значение
type RateBook struct {
	Rates   map[string]map[string]*models.FundingRateSample
	Markets map[string]map[string]models.MarketData
}

// FinderFilters - фильтры кандидатов, задаются вызывающей стороной
type FinderFilters struct {
	Symbols             []string // пусто = все
	LongVenueWhitelist  []string
	ShortVenueWhitelist []string
	VenueBlacklist      []string

	MinDivergence float64
	MaxDivergence float64 // 0 = без лимита
	MinNetProfit  float64

	MinOpenInterestUSD float64
	MaxOpenInterestUSD float64 // 0 = без лимита
	OIRatioMin         float64 // 0 = без лимита
	OIRatioMax         float64
	MaxSpreadBps       float64
	MinVolume24hUSD    float64

	SortBy string // net_profit (default), divergence, apy
}

// Ключи сортировки
const (
	SortByNetProfit  = "net_profit"
	SortByDivergence = "divergence"
	SortByAPY        = "apy"
)

// OpportunityFinder вычисляет арбитражных кандидатов по требованию.
//
// Finder оценивает только ставки и ликвидность; реальную стоимость
// пересечения bid/ask при входе он не учитывает, оценки помечены
// как оценки в самой модели Opportunity.
type OpportunityFinder struct {
	fees map[string]models.Venue // имя площадки → комиссии
}

// NewOpportunityFinder создает finder с таблицей комиссий площадок
func NewOpportunityFinder(venues []models.Venue) *OpportunityFinder {
	fees := make(map[string]models.Venue, len(venues))
	for _, v := range venues {
		fees[v.Name] = v
	}
	return &OpportunityFinder{fees: fees}
}

// Find возвращает кандидатов, прошедших фильтры, отсортированных
// по выбранному ключу (по умолчанию net_profit по убыванию).
//
// Для каждого символа с котировками на ≥2 площадках и каждой
// неупорядоченной пары площадок: лонг на площадке с меньшей
// 8h-ставкой, шорт на большей.
func (f *OpportunityFinder) Find(book *RateBook, filters FinderFilters) []*models.Opportunity {
	symbolVenues := make(map[string][]string)
	for venueName, rates := range book.Rates {
		if listed(filters.VenueBlacklist, venueName) {
			continue
		}
		for symbol := range rates {
			if len(filters.Symbols) > 0 && !listed(filters.Symbols, symbol) {
				continue
			}
			symbolVenues[symbol] = append(symbolVenues[symbol], venueName)
		}
	}

	var out []*models.Opportunity
	for symbol, venues := range symbolVenues {
		if len(venues) < 2 {
			continue
		}
		sort.Strings(venues)

		for i := 0; i < len(venues); i++ {
			for j := i + 1; j < len(venues); j++ {
				opp := f.evaluate(book, symbol, venues[i], venues[j])
				if opp == nil {
					continue
				}
				if f.pass(book, opp, filters) {
					out = append(out, opp)
				}
			}
		}
	}

	sortKey := filters.SortBy
	sort.Slice(out, func(i, j int) bool {
		switch sortKey {
		case SortByDivergence:
			return out[i].Divergence > out[j].Divergence
		case SortByAPY:
			return out[i].AnnualizedAPY > out[j].AnnualizedAPY
		default:
			return out[i].NetProfitPct > out[j].NetProfitPct
		}
	})

	return out
}

// evaluate строит кандидата из пары площадок
func (f *OpportunityFinder) evaluate(book *RateBook, symbol, v1, v2 string) *models.Opportunity {
	r1, ok1 := book.Rates[v1][symbol]
	r2, ok2 := book.Rates[v2][symbol]
	if !ok1 || !ok2 {
		return nil
	}

	longVenue, shortVenue := v1, v2
	longRate, shortRate := r1.Rate8h, r2.Rate8h
	if r1.Rate8h > r2.Rate8h {
		longVenue, shortVenue = v2, v1
		longRate, shortRate = r2.Rate8h, r1.Rate8h
	}

	// Площадка со ставками, но без рыночного снимка, ещё прогревается
	longMD, okLong := book.Markets[longVenue][symbol]
	shortMD, okShort := book.Markets[shortVenue][symbol]
	if !okLong || !okShort {
		return nil
	}

	divergence := math.Abs(shortRate - longRate)
	estFees := (f.takerFee(longVenue) + f.takerFee(shortVenue)) * 2

	opp := &models.Opportunity{
		Symbol:        symbol,
		LongVenue:     longVenue,
		ShortVenue:    shortVenue,
		LongRate8h:    longRate,
		ShortRate8h:   shortRate,
		Divergence:    divergence,
		EstFeesPct:    estFees,
		NetProfitPct:  divergence - estFees,
		AnnualizedAPY: utils.AnnualizedAPY(divergence),
	}

	opp.MinOpenInterestUSD = math.Min(longMD.OpenInterestUSD, shortMD.OpenInterestUSD)
	opp.MinVolume24hUSD = math.Min(longMD.Volume24hUSD, shortMD.Volume24hUSD)
	opp.AvgSpreadBps = (longMD.SpreadBps + shortMD.SpreadBps) / 2

	return opp
}

func (f *OpportunityFinder) pass(book *RateBook, opp *models.Opportunity, filters FinderFilters) bool {
	if len(filters.LongVenueWhitelist) > 0 && !listed(filters.LongVenueWhitelist, opp.LongVenue) {
		return false
	}
	if len(filters.ShortVenueWhitelist) > 0 && !listed(filters.ShortVenueWhitelist, opp.ShortVenue) {
		return false
	}

	if opp.Divergence < filters.MinDivergence {
		return false
	}
	if filters.MaxDivergence > 0 && opp.Divergence > filters.MaxDivergence {
		return false
	}
	if opp.NetProfitPct < filters.MinNetProfit {
		return false
	}

	if filters.MinOpenInterestUSD > 0 && opp.MinOpenInterestUSD < filters.MinOpenInterestUSD {
		return false
	}
	if filters.MaxOpenInterestUSD > 0 && opp.MinOpenInterestUSD > filters.MaxOpenInterestUSD {
		return false
	}
	if filters.MinVolume24hUSD > 0 && opp.MinVolume24hUSD < filters.MinVolume24hUSD {
		return false
	}
	if filters.MaxSpreadBps > 0 && opp.AvgSpreadBps > filters.MaxSpreadBps {
		return false
	}

	if filters.OIRatioMin > 0 || filters.OIRatioMax > 0 {
		longOI := book.Markets[opp.LongVenue][opp.Symbol].OpenInterestUSD
		shortOI := book.Markets[opp.ShortVenue][opp.Symbol].OpenInterestUSD
		if longOI <= 0 || shortOI <= 0 {
			return false
		}
		ratio := longOI / shortOI
		if ratio > 1 {
			ratio = 1 / ratio
		}
		if filters.OIRatioMin > 0 && ratio < filters.OIRatioMin {
			return false
		}
		if filters.OIRatioMax > 0 && ratio > filters.OIRatioMax {
			return false
		}
	}

	return true
}

func (f *OpportunityFinder) takerFee(venueName string) float64 {
	if v, ok := f.fees[venueName]; ok {
		return v.TakerFeePct
	}
	return 0
}

func listed(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
