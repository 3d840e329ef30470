package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/web3guy0/polytrader/bot"
	"github.com/web3guy0/polytrader/core"
	"github.com/web3guy0/polytrader/decision"
	"github.com/web3guy0/polytrader/execution"
	"github.com/web3guy0/polytrader/internal/binance"
	"github.com/web3guy0/polytrader/internal/config"
	"github.com/web3guy0/polytrader/learning"
	"github.com/web3guy0/polytrader/metrics"
	"github.com/web3guy0/polytrader/oracle"
	"github.com/web3guy0/polytrader/risk"
	"github.com/web3guy0/polytrader/storage"
	"github.com/web3guy0/polytrader/strategy"
	"github.com/web3guy0/polytrader/types"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if !cfg.OracleEnabled() {
		return errors.New("ORACLE_API_KEY is required to run the engine")
	}

	names := make([]string, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		names = append(names, s.Name())
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              POLYTRADER v" + version + " - PAPER MODE")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().
		Strs("strategies", names).
		Str("capital", cfg.Capital.StringFixed(2)).
		Dur("interval", cfg.CycleInterval).
		Msg("⚡ Polytrader starting...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var (
		history []types.TradeRecord
		circuit []storage.CircuitEvent
	)
	if db.IsEnabled() {
		if history, err = db.Trades(0); err != nil {
			log.Warn().Err(err).Msg("⚠️ Failed to load trade history")
		}
		// never start armed on an unknown breaker state
		if circuit, err = db.CircuitEvents(1); err != nil {
			return fmt.Errorf("failed to load circuit breaker state: %w", err)
		}
	}

	// 2. Paper executor, carrying realized P&L and open positions over from the last session
	cash := cfg.Capital
	for _, t := range history {
		cash = cash.Add(t.Profit)
	}
	executor := execution.NewPaperExecutor(cash, cfg.Executor())
	if db.IsEnabled() {
		reconciler := execution.NewReconciler(executor, db)
		if _, err := reconciler.RecoverPositions(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Position recovery failed, starting flat")
		}
		reconciler.Track()
	}
	log.Info().Msg("✅ Execution layer initialized")

	// 3. Market data
	market := binance.NewClient(cfg.BinanceREST, cfg.BinanceWS, cfg.KlineInterval, cfg.KlineLimit)
	market.Start(symbols(cfg.Strategies)...)
	defer market.Stop()
	log.Info().Msg("✅ Binance feed initialized")

	// 4. Oracle + decision pipeline
	llm, err := oracle.NewChatOracle(ctx, cfg.Oracle())
	if err != nil {
		return fmt.Errorf("failed to initialize oracle: %w", err)
	}
	pipeline := decision.NewPipeline(llm, risk.NewSizer(risk.DefaultSizerConfig()), cfg.Pipeline())
	log.Info().Str("fast", cfg.OracleFastModel).Str("quality", cfg.OracleQualityModel).Msg("✅ Oracle initialized")

	// 5. Engine
	engineCfg := core.DefaultConfig()
	engineCfg.Interval = cfg.CycleInterval

	deps := core.Deps{
		Market:     market,
		Pipeline:   pipeline,
		Learner:    learning.New(learning.DefaultConfig()),
		Breaker:    risk.NewCircuitBreaker(cfg.Breaker()),
		Gate:       risk.NewGate(cfg.Gate()),
		Executor:   executor,
		Manager:    strategy.NewManager(cfg.Manager(), cfg.Capital),
		Strategies: cfg.Strategies,
		Store:      db,
	}

	// 6. Telegram (optional)
	var telegram *bot.TelegramBot
	if cfg.TelegramToken != "" {
		telegram, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, nil)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			deps.Notifier = telegram
		}
	}

	engine := core.NewEngine(engineCfg, deps)
	engine.Replay(history, circuit)

	if telegram != nil {
		telegram.SetOperator(engine)
		telegram.Start()
		defer telegram.Stop()
		telegram.NotifyStartup(names)
	}

	// 7. Metrics
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	if cfg.MetricsAddr != "" {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("📈 Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	err = engine.Run(ctx)

	log.Info().Msg("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cfg.MetricsAddr != "" {
		_ = srv.Shutdown(shutdownCtx)
	}

	log.Info().Fields(executor.GetMetrics()).Msg("📊 Execution stats")

	status := engine.Status()
	log.Info().
		Str("equity", status.Equity.StringFixed(2)).
		Int("open_positions", len(status.Positions)).
		Msg("👋 Goodbye")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// symbols lists the distinct instruments the strategies trade
func symbols(strategies []strategy.Strategy) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strategies {
		if !seen[s.Symbol()] {
			seen[s.Symbol()] = true
			out = append(out, s.Symbol())
		}
	}
	return out
}
