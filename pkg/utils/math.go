package utils

import (
	"math"
)

// math.go - математические утилиты для торговли на perpetual-фьючерсах
//
// Все функции чистые, без побочных эффектов.

// RoundToStep округляет количество ВНИЗ до ближайшего кратного step.
//
// Используется при переводе size_usd в количество базового актива:
// округление вниз гарантирует, что не превысим запрошенный номинал.
//
// Примеры:
//   - RoundToStep(0.123456, 0.001) = 0.123
//   - RoundToStep(1.999, 0.01) = 1.99
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step) * step
}

// RoundToStepUp округляет ВВЕРХ до ближайшего кратного step.
// Нужно когда требуется гарантировать минимальный объём (minQty).
func RoundToStepUp(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Ceil(value/step) * step
}

// RoundToTick округляет цену к ближайшему кратному tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// NormalizeFundingRate приводит ставку финансирования к канонической
// 8-часовой базе: rate_8h = rate_native * 8 / interval_hours.
//
// Все межбиржевые сравнения ставок используют нормализованную форму.
// Нормализация уже 8-часовой ставки — тождественная операция.
func NormalizeFundingRate(rateNative float64, intervalHours float64) float64 {
	if intervalHours <= 0 {
		intervalHours = 8
	}
	return rateNative * 8 / intervalHours
}

// AnnualizedAPY переводит 8-часовую дивергенцию в годовую доходность:
// 3 выплаты в день, 365 дней.
func AnnualizedAPY(divergence8h float64) float64 {
	return divergence8h * 3 * 365
}

// SpreadBps возвращает спред bid/ask в базисных пунктах от mid-цены.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 10000
}

// WeightedAverage считает средневзвешенную цену по частичным исполнениям.
// Возвращает 0 при пустых или некорректных данных.
func WeightedAverage(prices, quantities []float64) float64 {
	if len(prices) != len(quantities) || len(prices) == 0 {
		return 0
	}

	var sum, qty float64
	for i := range prices {
		if quantities[i] <= 0 {
			continue
		}
		sum += prices[i] * quantities[i]
		qty += quantities[i]
	}

	if qty == 0 {
		return 0
	}
	return sum / qty
}

// ApproxEqual сравнивает два float64 с допуском.
// Для проверки равенства количеств ног с точностью до шага.
func ApproxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}
