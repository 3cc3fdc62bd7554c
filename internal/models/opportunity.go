package models

// Opportunity - арбитражный кандидат, вычисляется на лету и не персистится.
//
// Лонг открывается на площадке с меньшей ставкой, шорт — с большей:
// шорт получает финансирование, лонг платит меньше.
type Opportunity struct {
	Symbol     string `json:"symbol"`
	LongVenue  string `json:"long_venue"`
	ShortVenue string `json:"short_venue"`

	LongRate8h  float64 `json:"long_rate_8h"`
	ShortRate8h float64 `json:"short_rate_8h"`
	Divergence  float64 `json:"divergence"` // |short - long|, 8h-базис

	// Оценочные величины: реальную стоимость пересечения спреда
	// finder не учитывает
	EstFeesPct    float64 `json:"est_fees_pct"`    // (fee_l + fee_s) * 2, вход + выход
	NetProfitPct  float64 `json:"net_profit_pct"`  // divergence - est_fees
	AnnualizedAPY float64 `json:"annualized_apy"`  // divergence * 3 * 365

	// Ликвидность (минимум по двум площадкам)
	MinOpenInterestUSD float64 `json:"min_oi_usd"`
	MinVolume24hUSD    float64 `json:"min_volume_24h"`
	AvgSpreadBps       float64 `json:"avg_spread_bps"`
}
