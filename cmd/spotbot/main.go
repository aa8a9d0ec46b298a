// Spotbot - automated spot trading control plane for Binance.
//
// Every trade intent becomes a persisted proposal that passes risk
// validation before execution, with an operator HTTP API, Telegram
// alerts and commands, scheduled reconciliation against the exchange
// and a quant pipeline feeding signal generation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/backtest"
	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/bot"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/datafeed"
	"github.com/web3guy0/spotbot/internal/oracle"
	"github.com/web3guy0/spotbot/internal/orchestrator"
	"github.com/web3guy0/spotbot/internal/portfolio"
	"github.com/web3guy0/spotbot/internal/quant"
	"github.com/web3guy0/spotbot/internal/report"
	"github.com/web3guy0/spotbot/internal/risk"
	"github.com/web3guy0/spotbot/internal/scheduler"
	"github.com/web3guy0/spotbot/internal/server"
	"github.com/web3guy0/spotbot/internal/trading"
)

const version = "1.0.0"

const shutdownGrace = 15 * time.Second

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// An empty secret would leave every operator endpoint open.
	if cfg.BackendSecret == "" {
		log.Fatal().Msg("BACKEND_SECRET must be set")
	}

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Str("interval", cfg.PrimaryInterval).
		Bool("trading_enabled", cfg.TradingEnabled).
		Bool("quant_enabled", cfg.QuantEnabled).
		Msg("🚀 Spotbot control plane starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	store, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== CORE COMPONENTS ======

	// 1. Binance REST broker, optionally routed through the proxy
	broker := binance.NewClient(cfg.BinanceBaseURL, cfg.BinanceAPIKey,
		cfg.BinanceAPISecret, cfg.BrokerProxyURL, cfg.ProxySecret)

	// 1b. WebSocket price stream - live marks for exits and portfolio
	stream := binance.NewPriceStream(cfg.BinanceWSURL, cfg.Symbols)
	stream.Start()
	log.Info().Strs("symbols", cfg.Symbols).Msg("📈 Binance price stream started")

	// 2. Proposal engine behind the risk gate
	gate := risk.NewGate(risk.FromConfig(cfg), store, broker)
	engine := trading.NewEngine(cfg, store, broker, gate, stream)

	// 3. Reconciler - order/position sync against the exchange
	reconciler := trading.NewReconciler(store, broker)
	if cfg.OracleRPCURL != "" {
		reconciler.SetOracle(oracle.NewClient(cfg.OracleRPCURL, cfg.OracleFeedAddress, cfg.Symbols[0]))
		log.Info().Str("feed", cfg.OracleFeedAddress).Msg("⛓️ Oracle price check enabled")
	}

	// 4. Market data and the quant pipeline
	collector := datafeed.NewCollector(store, broker)
	caches := quant.NewCacheSet(cfg.CacheSize, cfg.CacheTTL)
	pipeline := quant.NewPipeline(quant.Config{
		Symbols:          cfg.Symbols,
		PrimaryInterval:  cfg.PrimaryInterval,
		EntropyBins:      cfg.EntropyBins,
		EntropyThreshold: cfg.EntropyThreshold.InexactFloat64(),
		ATRMultiplier:    cfg.ATRMultiplier.InexactFloat64(),
		KellyDampener:    cfg.KellyDampener.InexactFloat64(),
		SizingHardCap:    cfg.SizingHardCapUSD.InexactFloat64(),
	}, store, broker, collector, caches)

	// 5. Portfolio, reporting and backtests
	pm := portfolio.NewManager(store, broker, stream)
	reporter := report.NewReporter(store, broker, engine)
	backtests := backtest.NewRunner(store)

	// ====== TELEGRAM ======
	var operatorBot *bot.Bot
	if cfg.TelegramToken != "" {
		notifier, err := bot.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram notifier unavailable - alerts disabled")
		} else {
			engine.SetAlerter(notifier)
			reconciler.SetAlerter(notifier)
			reporter.SetSender(notifier)
		}

		operatorBot, err = bot.New(cfg, store, engine, pm, reporter)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram bot unavailable - commands disabled")
			operatorBot = nil
		} else {
			operatorBot.Start()
		}
	} else {
		log.Warn().Msg("⚠️ No TELEGRAM_BOT_TOKEN - alerts and commands disabled")
	}

	// ====== SCHEDULER ======
	sched := scheduler.New()
	jobs := []scheduler.Job{
		scheduler.NewGapFillJob(collector, cfg),
		scheduler.NewCacheSweepJob(caches),
		scheduler.NewSnapshotRolloverJob(pm),
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start(ctx)

	// ====== BACKGROUND LOOPS ======
	orch := orchestrator.New(cfg, engine, reconciler, pm, pipeline, reporter)
	orch.Start()

	// ====== API SERVER ======
	srv := server.New(server.Deps{
		Cfg:        cfg,
		Store:      store,
		Broker:     broker,
		Stream:     stream,
		Engine:     engine,
		Reconciler: reconciler,
		Portfolio:  pm,
		Collector:  collector,
		Pipeline:   pipeline,
		Backtests:  backtests,
		Reporter:   reporter,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown incomplete")
	}

	orch.Stop()
	sched.Stop()
	if operatorBot != nil {
		operatorBot.Stop()
	}
	stream.Stop()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}
