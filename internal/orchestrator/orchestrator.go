// Package orchestrator drives the background trading loops: a fast
// protective-exit scan and the per-minute cycle of quant analysis,
// signal generation, execution, portfolio refresh, reconciliation and
// housekeeping.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/portfolio"
	"github.com/web3guy0/spotbot/internal/quant"
	"github.com/web3guy0/spotbot/internal/report"
	"github.com/web3guy0/spotbot/internal/trading"
)

const (
	exitScanInterval = 5 * time.Second
	cycleInterval    = 60 * time.Second
	stepTimeout      = 30 * time.Second
)

type Orchestrator struct {
	cfg        *config.Config
	engine     *trading.Engine
	reconciler *trading.Reconciler
	portfolio  *portfolio.Manager
	pipeline   *quant.Pipeline
	reporter   *report.Reporter

	exitEvery  time.Duration
	cycleEvery time.Duration
	cycles     int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg *config.Config, engine *trading.Engine, reconciler *trading.Reconciler,
	pm *portfolio.Manager, pipeline *quant.Pipeline, reporter *report.Reporter) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		engine:     engine,
		reconciler: reconciler,
		portfolio:  pm,
		pipeline:   pipeline,
		reporter:   reporter,
		exitEvery:  exitScanInterval,
		cycleEvery: cycleInterval,
		stopCh:     make(chan struct{}),
	}
	if cfg.FastLoopInterval > 0 {
		o.exitEvery = cfg.FastLoopInterval
	}
	if cfg.MainLoopInterval > 0 {
		o.cycleEvery = cfg.MainLoopInterval
	}
	return o
}

// Start launches the exit-scan and main-cycle loops.
func (o *Orchestrator) Start() {
	o.wg.Add(2)
	go o.exitScanLoop()
	go o.cycleLoop()
	log.Info().
		Bool("trading_enabled", o.engine.IsEnabled()).
		Bool("quant_enabled", o.cfg.QuantEnabled).
		Msg("🤖 Orchestrator started")
}

// Stop halts both loops and waits for in-flight steps to finish.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
	log.Info().Msg("Orchestrator stopped")
}

// Cycles reports completed main-cycle runs.
func (o *Orchestrator) Cycles() int64 {
	return atomic.LoadInt64(&o.cycles)
}

func (o *Orchestrator) exitScanLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.exitEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.step("exit_scan", func(ctx context.Context) {
				o.engine.ScanExits(ctx)
			})
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) cycleLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cycleEvery)
	defer ticker.Stop()

	o.runCycle()

	for {
		select {
		case <-ticker.C:
			o.runCycle()
		case <-o.stopCh:
			return
		}
	}
}

// runCycle walks the per-minute pipeline. Steps are isolated: one
// failing or panicking stage never blocks the rest of the cycle.
func (o *Orchestrator) runCycle() {
	if o.cfg.QuantEnabled {
		o.step("quant_tick", func(ctx context.Context) {
			o.pipeline.Tick(ctx)
		})
	}

	if o.engine.IsEnabled() {
		o.step("signals", func(ctx context.Context) {
			proposals := o.engine.GenerateSignals(ctx)
			batch := o.engine.ExecuteAllApproved(ctx)
			if len(proposals) > 0 || batch.Executed > 0 || batch.Failed > 0 {
				log.Info().
					Int("proposals", len(proposals)).
					Int("executed", batch.Executed).
					Int("failed", batch.Failed).
					Msg("🔍 Signal cycle done")
			}
		})
	}

	o.step("portfolio_refresh", func(ctx context.Context) {
		if _, err := o.portfolio.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Portfolio refresh failed")
		}
	})

	o.step("reconciliation", func(ctx context.Context) {
		if _, err := o.reconciler.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("⚠️ Reconciliation failed")
		}
	})

	o.step("housekeeping", func(ctx context.Context) {
		if sent, err := o.reporter.MaybeSend(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Msg("⚠️ Daily report delivery failed")
		} else if sent {
			log.Info().Msg("🔔 Daily report sent")
		}

		requeued, deadLettered := o.engine.RetrySweep()
		if requeued > 0 || deadLettered > 0 {
			log.Info().
				Int("requeued", requeued).
				Int("dead_lettered", deadLettered).
				Msg("🔁 Retry sweep done")
		}
	})

	atomic.AddInt64(&o.cycles, 1)
}

// step runs one stage with a bounded context and a panic guard.
func (o *Orchestrator) step(name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("step", name).Msg("🚨 Orchestrator step panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	fn(ctx)
}
