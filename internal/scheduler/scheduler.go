// Package scheduler runs the cron-style maintenance jobs: kline gap
// fills, quant cache sweeps and the daily snapshot rollover.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// jobTimeout bounds a single run; gap backfills page slowly on purpose.
const jobTimeout = 10 * time.Minute

// Job is one scheduled task. Schedule uses the six-field cron format
// with seconds, or @every durations.
type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	cron *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

// New builds a scheduler on UTC so midnight jobs follow UTC days.
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		ctx:  context.Background(),
	}
}

// Add registers a job under its own schedule.
func (s *Scheduler) Add(job Job) error {
	_, err := s.cron.AddFunc(job.Schedule(), func() {
		s.runJob(job)
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("job", job.Name()).
		Str("schedule", job.Schedule()).
		Msg("⏰ Job registered")
	return nil
}

// Start begins firing jobs. The context bounds every run; cancelling
// it aborts in-flight work on the next blocking call.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	log.Info().Msg("⏰ Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("⏰ Scheduler stopped")
}

// RunNow fires a job outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, jobTimeout)
	defer cancel()
	return job.Run(ctx)
}

func (s *Scheduler) runJob(job Job) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Str("job", job.Name()).Msg("⚠️ Scheduled job failed")
		return
	}
	log.Debug().
		Str("job", job.Name()).
		Dur("duration", time.Since(start)).
		Msg("Scheduled job completed")
}
