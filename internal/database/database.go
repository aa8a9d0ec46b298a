package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrConflict is returned when a status-guarded update matched no row,
// meaning the row moved out of the expected state under us.
var ErrConflict = errors.New("database: conflicting concurrent update")

// ErrNotFound aliases gorm's record-not-found for callers outside this package.
var ErrNotFound = gorm.ErrRecordNotFound

type Database struct {
	db *gorm.DB
}

// New opens the store. A postgres:// or postgresql:// URL selects PostgreSQL;
// anything else is treated as a SQLite file path.
func New(databaseURL string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(databaseURL); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("Database initialized (SQLite)")
	}

	// Auto migrate all models
	if err := db.AutoMigrate(
		&TradeProposal{},
		&Position{},
		&Kline{},
		&IndicatorSnapshot{},
		&EntropyReading{},
		&MarketRegime{},
		&SupportResistanceLevel{},
		&SizingRecommendation{},
		&AccountSnapshot{},
		&RiskEvent{},
		&ReconciliationRun{},
		&PerformanceMetric{},
		&BacktestResult{},
	); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Ping verifies the underlying connection is alive.
func (d *Database) Ping() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Stats operations

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var proposalCount int64
	d.db.Model(&TradeProposal{}).Count(&proposalCount)
	stats["total_proposals"] = proposalCount

	var executedCount int64
	d.db.Model(&TradeProposal{}).Where("status = ?", StatusExecuted).Count(&executedCount)
	stats["executed_proposals"] = executedCount

	var deadLetterCount int64
	d.db.Model(&TradeProposal{}).Where("status = ?", StatusDeadLetter).Count(&deadLetterCount)
	stats["dead_letters"] = deadLetterCount

	var openPositions int64
	d.db.Model(&Position{}).Where("status = ?", PositionOpen).Count(&openPositions)
	stats["open_positions"] = openPositions

	var klineCount int64
	d.db.Model(&Kline{}).Count(&klineCount)
	stats["klines"] = klineCount

	var eventCount int64
	d.db.Model(&RiskEvent{}).Count(&eventCount)
	stats["risk_events"] = eventCount

	return stats, nil
}
