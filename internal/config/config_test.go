package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var keys = []string{
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "DEBUG", "SYMBOL", "STRATEGIES",
	"CYCLE_INTERVAL", "CAPITAL", "KLINE_LIMIT", "MAX_DRAWDOWN_PCT", "MAX_RETRIES",
	"MAX_ROLLING_LOSS", "EMERGENCY_LOSS", "ORACLE_API_KEY", "DATABASE_URL", "MAX_LEVERAGE",
	"TRAILING_START", "TRAILING_OFFSET",
}

// clearEnv blanks every key the tests touch; empty values fall back to defaults
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Symbol != "BTCUSDT" || cfg.CycleInterval != 5*time.Minute || cfg.CallBudget != 17 {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Capital.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("capital = %s", cfg.Capital)
	}
	if len(cfg.Strategies) != 3 || cfg.Strategies[0].Name() != "trend" {
		t.Errorf("strategies = %+v", cfg.Strategies)
	}
	if cfg.OracleEnabled() {
		t.Error("oracle enabled without a key")
	}
	if got := cfg.Breaker().MaxRollingLoss; !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("breaker rolling loss = %s", got)
	}
	if got := cfg.Manager().EmergencyLoss; !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("emergency loss = %s", got)
	}
	if got := cfg.Pipeline(); got.StageTimeout != 30*time.Second || got.MaxRetries != 3 {
		t.Errorf("pipeline = %+v", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYMBOL", "ethusdt")
	t.Setenv("STRATEGIES", "trend, breakout:SOLUSDT")
	t.Setenv("CAPITAL", "2500.50")
	t.Setenv("CYCLE_INTERVAL", "90s")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")
	t.Setenv("ORACLE_API_KEY", "sk-test")
	t.Setenv("MAX_LEVERAGE", "3")
	t.Setenv("TRAILING_START", "0.05")
	t.Setenv("TRAILING_OFFSET", "0.02")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Symbol != "ETHUSDT" || cfg.TelegramChatID != -100123 || cfg.CycleInterval != 90*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Strategies) != 2 || cfg.Strategies[0].Symbol() != "ETHUSDT" || cfg.Strategies[1].Symbol() != "SOLUSDT" {
		t.Errorf("strategies = %+v", cfg.Strategies)
	}
	if !cfg.Capital.Equal(decimal.RequireFromString("2500.5")) {
		t.Errorf("capital = %s", cfg.Capital)
	}
	if !cfg.OracleEnabled() || cfg.Oracle().APIKey != "sk-test" {
		t.Error("oracle not configured")
	}
	if cfg.Gate().MaxLeverage != 3 {
		t.Errorf("gate leverage = %d", cfg.Gate().MaxLeverage)
	}
	if ex := cfg.Executor(); ex.TrailingStart != 0.05 || ex.TrailingOffset != 0.02 {
		t.Errorf("executor = %+v", ex)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"CAPITAL", "lots", "CAPITAL"},
		{"CAPITAL", "-5", "CAPITAL"},
		{"MAX_DRAWDOWN_PCT", "1.5", "MAX_DRAWDOWN_PCT"},
		{"TELEGRAM_CHAT_ID", "abc", "TELEGRAM_CHAT_ID"},
		{"TELEGRAM_BOT_TOKEN", "token", "TELEGRAM_CHAT_ID"},
		{"STRATEGIES", "trend,trend", "STRATEGIES"},
		{"KLINE_LIMIT", "1", "KLINE_LIMIT"},
		{"MAX_RETRIES", "-1", "MAX_RETRIES"},
		{"TRAILING_OFFSET", "1.5", "TRAILING_OFFSET"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}
