package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/web3guy0/polytrader/decision"
	"github.com/web3guy0/polytrader/execution"
	"github.com/web3guy0/polytrader/oracle"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/strategy"
)

// Config holds all configuration for the trader
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool

	// Market
	Symbol        string
	Strategies    []strategy.Strategy
	KlineInterval string
	KlineLimit    int
	BinanceREST   string
	BinanceWS     string
	CycleInterval time.Duration

	// Capital
	Capital decimal.Decimal

	// Oracle
	OracleBaseURL      string
	OracleAPIKey       string
	OracleFastModel    string
	OracleQualityModel string
	OracleMaxTokens    int
	OracleTemperature  float64
	OracleRatePerMin   int
	StageTimeout       time.Duration
	MaxRetries         int
	CallBudget         int

	// Circuit breaker
	MaxConsecutiveLosses int
	MaxRollingLoss       decimal.Decimal
	MaxDrawdownPct       float64

	// Gate
	MaxPositions int
	MaxLeverage  int
	MinNotional  decimal.Decimal
	Cooldown     time.Duration

	// Execution
	SlippageBps    int
	FeeBps         int
	MaxHold        time.Duration
	TrailingStart  float64
	TrailingOffset float64

	// Allocation
	EmergencyLoss decimal.Decimal

	// Storage / observability
	DatabaseURL string
	MetricsAddr string
}

// Load reads configuration from environment variables. Call godotenv first
// to pull a .env file into the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	capital, err := decimalKey(v, "capital")
	if err != nil {
		return nil, err
	}
	rollingLoss, err := decimalKey(v, "max_rolling_loss")
	if err != nil {
		return nil, err
	}
	minNotional, err := decimalKey(v, "min_notional")
	if err != nil {
		return nil, err
	}
	emergency, err := decimalKey(v, "emergency_loss")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TelegramToken: v.GetString("telegram_bot_token"),
		Debug:         v.GetBool("debug"),

		Symbol:        strings.ToUpper(v.GetString("symbol")),
		KlineInterval: v.GetString("kline_interval"),
		KlineLimit:    v.GetInt("kline_limit"),
		BinanceREST:   v.GetString("binance_rest_url"),
		BinanceWS:     v.GetString("binance_ws_url"),
		CycleInterval: v.GetDuration("cycle_interval"),

		Capital: capital,

		OracleBaseURL:      v.GetString("oracle_base_url"),
		OracleAPIKey:       v.GetString("oracle_api_key"),
		OracleFastModel:    v.GetString("oracle_fast_model"),
		OracleQualityModel: v.GetString("oracle_quality_model"),
		OracleMaxTokens:    v.GetInt("oracle_max_tokens"),
		OracleTemperature:  v.GetFloat64("oracle_temperature"),
		OracleRatePerMin:   v.GetInt("oracle_rate_per_minute"),
		StageTimeout:       v.GetDuration("stage_timeout"),
		MaxRetries:         v.GetInt("max_retries"),
		CallBudget:         v.GetInt("call_budget"),

		MaxConsecutiveLosses: v.GetInt("max_consecutive_losses"),
		MaxRollingLoss:       rollingLoss,
		MaxDrawdownPct:       v.GetFloat64("max_drawdown_pct"),

		MaxPositions: v.GetInt("max_positions"),
		MaxLeverage:  v.GetInt("max_leverage"),
		MinNotional:  minNotional,
		Cooldown:     v.GetDuration("cooldown"),

		SlippageBps:    v.GetInt("slippage_bps"),
		FeeBps:         v.GetInt("fee_bps"),
		MaxHold:        v.GetDuration("max_hold"),
		TrailingStart:  v.GetFloat64("trailing_start"),
		TrailingOffset: v.GetFloat64("trailing_offset"),

		EmergencyLoss: emergency,

		DatabaseURL: v.GetString("database_url"),
		MetricsAddr: v.GetString("metrics_addr"),
	}

	// Parse chat ID
	if raw := v.GetString("telegram_chat_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Strategies: "trend:BTCUSDT,breakout:ETHUSDT" or the built-in trio
	if list := v.GetString("strategies"); list != "" {
		defs, err := strategy.ParseList(list, cfg.Symbol)
		if err != nil {
			return nil, fmt.Errorf("invalid STRATEGIES: %w", err)
		}
		cfg.Strategies = defs
	} else {
		cfg.Strategies = strategy.Builtin(cfg.Symbol)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("symbol", "BTCUSDT")
	v.SetDefault("kline_interval", "15m")
	v.SetDefault("kline_limit", 100)
	v.SetDefault("binance_rest_url", "https://api.binance.com")
	v.SetDefault("binance_ws_url", "wss://stream.binance.com:9443")
	v.SetDefault("cycle_interval", "5m")

	v.SetDefault("capital", "1000")

	v.SetDefault("oracle_base_url", "https://api.openai.com/v1")
	v.SetDefault("oracle_fast_model", "gpt-4o-mini")
	v.SetDefault("oracle_quality_model", "gpt-4o")
	v.SetDefault("oracle_max_tokens", 1024)
	v.SetDefault("oracle_temperature", 0.2)
	v.SetDefault("oracle_rate_per_minute", 30)
	v.SetDefault("stage_timeout", "30s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("call_budget", 17)

	v.SetDefault("max_consecutive_losses", 5)
	v.SetDefault("max_rolling_loss", "500")
	v.SetDefault("max_drawdown_pct", 0.15)

	v.SetDefault("max_positions", 3)
	v.SetDefault("max_leverage", 10)
	v.SetDefault("min_notional", "1")
	v.SetDefault("cooldown", "30s")

	v.SetDefault("slippage_bps", 10)
	v.SetDefault("fee_bps", 4)
	v.SetDefault("max_hold", "24h")
	v.SetDefault("trailing_start", 0)
	v.SetDefault("trailing_offset", 0)

	v.SetDefault("emergency_loss", "200")

	v.SetDefault("database_url", "data/polytrader.db")
	v.SetDefault("metrics_addr", ":9090")
}

func decimalKey(v *viper.Viper, key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err)
	}
	return d, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("SYMBOL is required")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	if !c.Capital.IsPositive() {
		return fmt.Errorf("CAPITAL must be positive")
	}
	if c.CycleInterval < time.Second {
		return fmt.Errorf("CYCLE_INTERVAL must be at least 1s")
	}
	if c.KlineLimit < 2 || c.KlineLimit > 1000 {
		return fmt.Errorf("KLINE_LIMIT must be between 2 and 1000")
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("STAGE_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.MaxDrawdownPct <= 0 || c.MaxDrawdownPct >= 1 {
		return fmt.Errorf("MAX_DRAWDOWN_PCT must be between 0 and 1")
	}
	if c.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("MAX_CONSECUTIVE_LOSSES must be at least 1")
	}
	if c.MaxLeverage < 1 {
		return fmt.Errorf("MAX_LEVERAGE must be at least 1")
	}
	if c.OracleRatePerMin < 0 {
		return fmt.Errorf("ORACLE_RATE_PER_MINUTE must not be negative")
	}
	if c.TrailingStart < 0 || c.TrailingOffset < 0 || c.TrailingOffset >= 1 {
		return fmt.Errorf("TRAILING_START and TRAILING_OFFSET must be fractions in [0,1)")
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PER-COMPONENT VIEWS
// ═══════════════════════════════════════════════════════════════════════════════

// OracleEnabled reports whether an API key is configured
func (c *Config) OracleEnabled() bool { return c.OracleAPIKey != "" }

func (c *Config) Oracle() oracle.Config {
	return oracle.Config{
		BaseURL:       c.OracleBaseURL,
		APIKey:        c.OracleAPIKey,
		FastModel:     c.OracleFastModel,
		QualityModel:  c.OracleQualityModel,
		MaxTokens:     c.OracleMaxTokens,
		Temperature:   float32(c.OracleTemperature),
		RatePerMinute: c.OracleRatePerMin,
	}
}

func (c *Config) Pipeline() decision.Config {
	cfg := decision.DefaultConfig()
	cfg.StageTimeout = c.StageTimeout
	cfg.MaxRetries = c.MaxRetries
	cfg.CallBudget = c.CallBudget
	return cfg
}

func (c *Config) Breaker() risk.BreakerConfig {
	cfg := risk.DefaultBreakerConfig()
	cfg.MaxConsecutiveLosses = c.MaxConsecutiveLosses
	cfg.MaxRollingLoss = c.MaxRollingLoss
	cfg.MaxDrawdownPct = c.MaxDrawdownPct
	return cfg
}

func (c *Config) Gate() risk.GateConfig {
	cfg := risk.DefaultGateConfig()
	cfg.MaxPositions = c.MaxPositions
	cfg.MaxLeverage = c.MaxLeverage
	cfg.MinNotional = c.MinNotional
	cfg.Cooldown = c.Cooldown
	return cfg
}

func (c *Config) Executor() execution.ExecutorConfig {
	cfg := execution.DefaultExecutorConfig()
	cfg.SlippageBps = c.SlippageBps
	cfg.FeeBps = c.FeeBps
	cfg.MaxHold = c.MaxHold
	cfg.TrailingStart = c.TrailingStart
	cfg.TrailingOffset = c.TrailingOffset
	return cfg
}

func (c *Config) Manager() strategy.ManagerConfig {
	cfg := strategy.DefaultManagerConfig()
	cfg.EmergencyLoss = c.EmergencyLoss
	return cfg
}
