// Backfill pulls candle history for the configured symbols into the store
// and prints the resulting coverage, so a fresh deployment can seed its
// database before the control plane starts trading.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/datafeed"
)

const defaultDays = 30

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	days := defaultDays
	if v := os.Getenv("BACKFILL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			days = n
		}
	}

	store, err := database.New(cfg.DatabaseURL)
	if err != nil {
		fmt.Println("Error opening database:", err)
		os.Exit(1)
	}
	defer store.Close()

	broker := binance.NewClient(cfg.BinanceBaseURL, cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BrokerProxyURL, cfg.ProxySecret)
	collector := datafeed.NewCollector(store, broker)
	intervals := datafeed.TrackedIntervals(cfg.PrimaryInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("📥 BACKFILL - %d days, %d symbols, intervals %v\n\n", days, len(cfg.Symbols), intervals)

	started := time.Now()
	total := 0
	for _, symbol := range cfg.Symbols {
		for _, interval := range intervals {
			n, err := collector.Backfill(ctx, symbol, interval, days)
			total += n
			if err != nil {
				fmt.Printf("Error backfilling %s %s: %v\n", symbol, interval, err)
				if ctx.Err() != nil {
					os.Exit(1)
				}
			}
		}
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════")
	fmt.Println("│ SYMBOL   │ INTERVAL │ CANDLES │ GAP%  │ RANGE")
	fmt.Println("═══════════════════════════════════════════════════════════════════")
	for _, symbol := range cfg.Symbols {
		for _, interval := range intervals {
			st, err := collector.CoverageStatus(symbol, interval)
			if err != nil {
				fmt.Printf("│ %-8s │ %-8s │ coverage check failed: %v\n", symbol, interval, err)
				continue
			}
			fmt.Printf("│ %-8s │ %-8s │ %7d │ %4.1f%% │ %s to %s\n",
				symbol,
				interval,
				st.Count,
				st.GapPct*100,
				time.UnixMilli(st.FirstOpen).Format("Jan 2 15:04"),
				time.UnixMilli(st.LastOpen).Format("Jan 2 15:04"),
			)
		}
	}
	fmt.Println("═══════════════════════════════════════════════════════════════════")

	fmt.Printf("\n📊 SUMMARY: %d candles ingested in %s\n", total, time.Since(started).Round(time.Second))
}
