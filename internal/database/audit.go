package database

import (
	"time"

	"gorm.io/gorm/clause"
)

// Risk event operations (append-only)

func (d *Database) CreateRiskEvent(event *RiskEvent) error {
	return d.db.Create(event).Error
}

func (d *Database) ListRiskEvents(since time.Time, limit int) ([]RiskEvent, error) {
	q := d.db.Order("created_at DESC")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []RiskEvent
	err := q.Find(&events).Error
	return events, err
}

func (d *Database) CountRiskEventsBySeverity(severity string, since time.Time) (int64, error) {
	var n int64
	err := d.db.Model(&RiskEvent{}).
		Where("severity = ? AND created_at >= ?", severity, since).
		Count(&n).Error
	return n, err
}

// Reconciliation run operations

func (d *Database) CreateReconRun(run *ReconciliationRun) error {
	return d.db.Create(run).Error
}

func (d *Database) UpdateReconRun(run *ReconciliationRun) error {
	return d.db.Save(run).Error
}

func (d *Database) LatestReconRun() (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := d.db.Order("started_at DESC").First(&run).Error
	return &run, err
}

func (d *Database) ListReconRuns(limit int) ([]ReconciliationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []ReconciliationRun
	err := d.db.Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func (d *Database) ReconRunsSince(since time.Time) ([]ReconciliationRun, error) {
	var runs []ReconciliationRun
	err := d.db.Where("started_at >= ?", since).Order("started_at ASC").Find(&runs).Error
	return runs, err
}

// Account snapshot operations (one row per UTC day)

func (d *Database) UpsertAccountSnapshot(snap *AccountSnapshot) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "snapshot_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_balance", "free_balance", "in_positions", "daily_pnl",
			"realized_today", "unrealized_pnl", "open_positions", "balances_json",
			"updated_at",
		}),
	}).Create(snap).Error
}

func (d *Database) AccountSnapshotByDate(date string) (*AccountSnapshot, error) {
	var snap AccountSnapshot
	err := d.db.Where("snapshot_date = ?", date).First(&snap).Error
	return &snap, err
}

func (d *Database) LatestAccountSnapshots(limit int) ([]AccountSnapshot, error) {
	if limit <= 0 {
		limit = 2
	}
	var snaps []AccountSnapshot
	err := d.db.Order("snapshot_date DESC").Limit(limit).Find(&snaps).Error
	return snaps, err
}

// Backtest result operations (append-only)

func (d *Database) CreateBacktestResult(result *BacktestResult) error {
	return d.db.Create(result).Error
}

func (d *Database) GetBacktestResult(id uint) (*BacktestResult, error) {
	var result BacktestResult
	err := d.db.First(&result, id).Error
	return &result, err
}

func (d *Database) ListBacktestResults(limit int) ([]BacktestResult, error) {
	if limit <= 0 {
		limit = 50
	}
	var results []BacktestResult
	err := d.db.Order("created_at DESC").Limit(limit).Find(&results).Error
	return results, err
}
