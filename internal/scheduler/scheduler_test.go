package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/spotbot/internal/binance"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/datafeed"
	"github.com/web3guy0/spotbot/internal/portfolio"
	"github.com/web3guy0/spotbot/internal/quant"
)

type fakeBroker struct {
	binance.Broker
	account     *binance.Account
	rangeKlines []binance.KlineData
}

func (f *fakeBroker) GetAccount(ctx context.Context) (*binance.Account, error) {
	return f.account, nil
}

func (f *fakeBroker) GetKlinesRange(ctx context.Context, symbol, interval string, limit int, startTime, endTime int64) ([]binance.KlineData, error) {
	return f.rangeKlines, nil
}

func newTestStore(t *testing.T) *database.Database {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "scheduler_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingJob struct {
	name     string
	schedule string
	runs     int32
	err      error
}

func (j *countingJob) Name() string     { return j.name }
func (j *countingJob) Schedule() string { return j.schedule }
func (j *countingJob) Run(ctx context.Context) error {
	atomic.AddInt32(&j.runs, 1)
	return j.err
}

func TestSchedulerFiresJobs(t *testing.T) {
	s := New()
	job := &countingJob{name: "ticker", schedule: "@every 100ms"}
	require.NoError(t, s.Add(job))

	s.Start(context.Background())
	time.Sleep(350 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&job.runs), int32(2))
}

func TestAddRejectsBadSchedule(t *testing.T) {
	s := New()
	err := s.Add(&countingJob{name: "broken", schedule: "not a schedule"})
	assert.Error(t, err)
}

func TestRunNowPropagatesError(t *testing.T) {
	s := New()
	job := &countingJob{name: "failing", schedule: "@every 1h", err: errors.New("boom")}

	err := s.RunNow(job)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, int32(1), atomic.LoadInt32(&job.runs))
}

func TestMaintenanceJobSchedulesParse(t *testing.T) {
	store := newTestStore(t)
	broker := &fakeBroker{account: &binance.Account{
		CanTrade: true,
		Balances: []binance.Balance{{Asset: "USDT", Free: decimal.NewFromInt(10000)}},
	}}
	cfg := &config.Config{Symbols: []string{"BTCUSDT"}, PrimaryInterval: "1h"}
	collector := datafeed.NewCollector(store, broker)

	s := New()
	require.NoError(t, s.Add(NewGapFillJob(collector, cfg)))
	require.NoError(t, s.Add(NewCacheSweepJob(quant.NewCacheSet(4, time.Minute))))
	require.NoError(t, s.Add(NewSnapshotRolloverJob(portfolio.NewManager(store, broker, nil))))
}

func TestCacheSweepJobEvictsExpired(t *testing.T) {
	caches := quant.NewCacheSet(4, time.Millisecond)
	caches.Klines.Set("BTCUSDT:1h", []int{1, 2, 3})
	time.Sleep(10 * time.Millisecond)

	job := NewCacheSweepJob(caches)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 0, caches.Klines.Len())
}

func TestSnapshotRolloverJobOpensToday(t *testing.T) {
	store := newTestStore(t)
	broker := &fakeBroker{account: &binance.Account{
		CanTrade: true,
		Balances: []binance.Balance{{Asset: "USDT", Free: decimal.NewFromInt(10000)}},
	}}
	job := NewSnapshotRolloverJob(portfolio.NewManager(store, broker, nil))

	require.NoError(t, job.Run(context.Background()))

	today := time.Now().UTC().Format("2006-01-02")
	snap, err := store.AccountSnapshotByDate(today)
	require.NoError(t, err)
	assert.True(t, snap.TotalBalance.Equal(decimal.NewFromInt(10000)))
}

func TestGapFillJobRepairsEmptyCoverage(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	price := decimal.NewFromInt(100)

	var page []binance.KlineData
	for i := 0; i < 3; i++ {
		open := base + int64(i)*3_600_000
		page = append(page, binance.KlineData{
			OpenTime:  open,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(10),
			CloseTime: open + 3_599_999,
		})
	}
	broker := &fakeBroker{rangeKlines: page}
	cfg := &config.Config{Symbols: []string{"BTCUSDT"}, PrimaryInterval: "1h"}
	job := NewGapFillJob(datafeed.NewCollector(store, broker), cfg)

	require.NoError(t, job.Run(context.Background()))

	count, err := store.CountKlines("BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
