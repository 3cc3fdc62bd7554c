package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fundingarb/internal/models"
)

// StrategyConfig - конфигурация одного экземпляра стратегии.
//
// Набор ключей закрытый: YAML декодируется с KnownFields,
// неизвестный ключ отклоняет весь файл на загрузке.
type StrategyConfig struct {
	StrategyType string `yaml:"strategy_type"`

	AccountID int `yaml:"account_id"`
	RunID     int `yaml:"run_id"`

	// Вселенная символов: явный список либо symbols_universe: all
	Symbols         []string `yaml:"symbols"`
	SymbolsUniverse string   `yaml:"symbols_universe"`

	LongVenueWhitelist  []string `yaml:"long_venue_whitelist"`
	ShortVenueWhitelist []string `yaml:"short_venue_whitelist"`
	VenueBlacklist      []string `yaml:"venue_blacklist"`

	SizeUSDPerPosition    float64 `yaml:"size_usd_per_position"`
	MaxPositionsTotal     int     `yaml:"max_positions_total"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol"`
	MaxPositionsPerVenue  int     `yaml:"max_positions_per_venue"`

	// Пороги входа, в 8h-нормализованных терминах
	MinProfitPct     float64 `yaml:"min_profit_pct"`
	MinDivergencePct float64 `yaml:"min_divergence_pct"`

	// Пороги выхода
	FundingFlipThresholdPct float64 `yaml:"funding_flip_threshold_pct"`
	TrailingDrawdownPct     float64 `yaml:"trailing_drawdown_pct"`
	HardTimeLimitHours      float64 `yaml:"hard_time_limit_hours"`

	// Мгновенная фиксация прибыли
	EnableImmediateProfitTaking    bool    `yaml:"enable_immediate_profit_taking"`
	RealtimeProfitCheckIntervalSec float64 `yaml:"realtime_profit_check_interval_sec"`
	MinImmediateProfitTakingPct    float64 `yaml:"min_immediate_profit_taking_pct"`

	// Таймауты и интервалы, секунды
	EntryTimeoutSec    float64 `yaml:"entry_timeout_sec"`
	CloseTimeoutSec    float64 `yaml:"close_timeout_sec"`
	MonitorIntervalSec float64 `yaml:"monitor_interval_sec"`
	ScanIntervalSec    float64 `yaml:"scan_interval_sec"`

	// Риск
	LiquidationBufferPct float64            `yaml:"liquidation_buffer_pct"`
	LeverageByVenue      map[string]float64 `yaml:"leverage_by_venue"`
	MaxSlippageBps       float64            `yaml:"max_slippage_bps"`

	// Фильтры ликвидности
	MinOpenInterestUSD float64 `yaml:"min_open_interest_usd"`
	MinVolume24hUSD    float64 `yaml:"min_volume_24h_usd"`
	MaxSpreadBps       float64 `yaml:"max_spread_bps"`

	ControlAPIPort int `yaml:"control_api_port"`
}

// LoadStrategyConfig загружает и валидирует YAML конфиг экземпляра
func LoadStrategyConfig(path string) (*StrategyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open strategy config: %w", err)
	}
	defer f.Close()

	cfg := DefaultStrategyConfig()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse strategy config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultStrategyConfig возвращает значения по умолчанию
func DefaultStrategyConfig() *StrategyConfig {
	return &StrategyConfig{
		StrategyType:                   "funding_arbitrage",
		MaxPositionsTotal:              5,
		MaxPositionsPerSymbol:          1,
		MaxPositionsPerVenue:           3,
		MinProfitPct:                   0.0002,
		MinDivergencePct:               0.0003,
		FundingFlipThresholdPct:        0.0001,
		TrailingDrawdownPct:            0.005,
		HardTimeLimitHours:             72,
		EnableImmediateProfitTaking:    true,
		RealtimeProfitCheckIntervalSec: 1,
		MinImmediateProfitTakingPct:    0.002,
		EntryTimeoutSec:                30,
		CloseTimeoutSec:                60,
		MonitorIntervalSec:             60,
		ScanIntervalSec:                120,
		LiquidationBufferPct:           0.15,
		MaxSlippageBps:                 20,
	}
}

// Validate проверяет согласованность конфига
func (c *StrategyConfig) Validate() error {
	if c.StrategyType != "funding_arbitrage" {
		return fmt.Errorf("unsupported strategy_type: %s", c.StrategyType)
	}
	if c.AccountID <= 0 {
		return fmt.Errorf("account_id is required")
	}
	if c.RunID <= 0 {
		return fmt.Errorf("run_id is required")
	}

	if len(c.Symbols) == 0 && c.SymbolsUniverse != "all" {
		return fmt.Errorf("either symbols or symbols_universe: all is required")
	}
	if len(c.Symbols) > 0 && c.SymbolsUniverse != "" {
		return fmt.Errorf("symbols and symbols_universe are mutually exclusive")
	}

	if c.SizeUSDPerPosition <= 0 {
		return fmt.Errorf("size_usd_per_position must be positive, got %v", c.SizeUSDPerPosition)
	}
	if c.MaxPositionsTotal <= 0 {
		return fmt.Errorf("max_positions_total must be positive, got %d", c.MaxPositionsTotal)
	}
	if c.MinDivergencePct < 0 || c.MinProfitPct < 0 {
		return fmt.Errorf("entry thresholds cannot be negative")
	}
	if c.MinImmediateProfitTakingPct <= 0 && c.EnableImmediateProfitTaking {
		return fmt.Errorf("min_immediate_profit_taking_pct must be positive when immediate profit taking is enabled")
	}

	if c.EntryTimeoutSec <= 0 || c.CloseTimeoutSec <= 0 || c.MonitorIntervalSec <= 0 || c.ScanIntervalSec <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}

	if c.LiquidationBufferPct <= 0 || c.LiquidationBufferPct >= 1 {
		return fmt.Errorf("liquidation_buffer_pct must be in (0, 1), got %v", c.LiquidationBufferPct)
	}
	for venueName, leverage := range c.LeverageByVenue {
		if leverage < 1 {
			return fmt.Errorf("leverage for %s must be >= 1, got %v", venueName, leverage)
		}
	}

	if c.ControlAPIPort != 0 && (c.ControlAPIPort < 1024 || c.ControlAPIPort > 65535) {
		return fmt.Errorf("control_api_port out of range: %d", c.ControlAPIPort)
	}

	return nil
}

// VenueAllowed проверяет площадку против blacklist'а
func (c *StrategyConfig) VenueAllowed(venueName string) bool {
	for _, v := range c.VenueBlacklist {
		if v == venueName {
			return false
		}
	}
	return true
}

// SymbolAllowed проверяет символ против вселенной
func (c *StrategyConfig) SymbolAllowed(symbol string) bool {
	if c.SymbolsUniverse == "all" {
		return true
	}
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Leverage возвращает плечо площадки (1x если не задано)
func (c *StrategyConfig) Leverage(venueName string) float64 {
	if lev, ok := c.LeverageByVenue[venueName]; ok && lev >= 1 {
		return lev
	}
	return 1
}

// EntryTimeout возвращает таймаут входа как Duration
func (c *StrategyConfig) EntryTimeout() time.Duration {
	return time.Duration(c.EntryTimeoutSec * float64(time.Second))
}

// CloseTimeout возвращает таймаут закрытия как Duration
func (c *StrategyConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutSec * float64(time.Second))
}

// MonitorInterval возвращает интервал мониторинга как Duration
func (c *StrategyConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec * float64(time.Second))
}

// ScanInterval возвращает интервал сканирования как Duration
func (c *StrategyConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec * float64(time.Second))
}

// RealtimeThrottle возвращает per-position троттл real-time оценки
func (c *StrategyConfig) RealtimeThrottle() time.Duration {
	if c.RealtimeProfitCheckIntervalSec <= 0 {
		return time.Second
	}
	return time.Duration(c.RealtimeProfitCheckIntervalSec * float64(time.Second))
}

// HardTimeLimit возвращает жёсткий лимит удержания позиции
func (c *StrategyConfig) HardTimeLimit() time.Duration {
	return time.Duration(c.HardTimeLimitHours * float64(time.Hour))
}

// ProgramName возвращает имя программы экземпляра
func (c *StrategyConfig) ProgramName() string {
	return models.ProgramNameForRun(c.RunID)
}

// WriteStrategyConfig сериализует конфиг в YAML файл с правами 0600.
// Используется супервизором при материализации temp конфига.
func WriteStrategyConfig(cfg *StrategyConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal strategy config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write strategy config: %w", err)
	}
	return nil
}
