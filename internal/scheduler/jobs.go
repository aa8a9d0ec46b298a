package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/datafeed"
	"github.com/web3guy0/spotbot/internal/portfolio"
	"github.com/web3guy0/spotbot/internal/quant"
)

// gapFillDays is how far back the hourly gap check repairs coverage.
const gapFillDays = 7

// GapFillJob repairs kline coverage holes for every tracked
// symbol/interval pair.
type GapFillJob struct {
	collector *datafeed.Collector
	cfg       *config.Config
}

func NewGapFillJob(collector *datafeed.Collector, cfg *config.Config) *GapFillJob {
	return &GapFillJob{collector: collector, cfg: cfg}
}

func (j *GapFillJob) Name() string { return "kline_gap_fill" }

// Ten past the hour, clear of the top-of-hour candle close.
func (j *GapFillJob) Schedule() string { return "0 10 * * * *" }

func (j *GapFillJob) Run(ctx context.Context) error {
	j.collector.FillGaps(ctx, j.cfg.Symbols, datafeed.TrackedIntervals(j.cfg.PrimaryInterval), gapFillDays)
	return ctx.Err()
}

// CacheSweepJob evicts expired quant cache entries.
type CacheSweepJob struct {
	caches *quant.CacheSet
}

func NewCacheSweepJob(caches *quant.CacheSet) *CacheSweepJob {
	return &CacheSweepJob{caches: caches}
}

func (j *CacheSweepJob) Name() string { return "quant_cache_sweep" }

func (j *CacheSweepJob) Schedule() string { return "@every 15m" }

func (j *CacheSweepJob) Run(ctx context.Context) error {
	if removed := j.caches.SweepAll(); removed > 0 {
		log.Debug().Int("removed", removed).Msg("Quant caches swept")
	}
	return nil
}

// SnapshotRolloverJob opens the new UTC day's account snapshot row just
// after midnight so daily PnL baselines reset on time.
type SnapshotRolloverJob struct {
	portfolio *portfolio.Manager
}

func NewSnapshotRolloverJob(pm *portfolio.Manager) *SnapshotRolloverJob {
	return &SnapshotRolloverJob{portfolio: pm}
}

func (j *SnapshotRolloverJob) Name() string { return "daily_snapshot_rollover" }

func (j *SnapshotRolloverJob) Schedule() string { return "30 0 0 * * *" }

func (j *SnapshotRolloverJob) Run(ctx context.Context) error {
	snap, err := j.portfolio.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("snapshot rollover: %w", err)
	}
	log.Info().Str("date", snap.SnapshotDate).Msg("📊 Daily snapshot rolled over")
	return nil
}
