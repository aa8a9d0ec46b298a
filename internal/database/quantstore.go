package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Kline operations

// UpsertKlines inserts candles, updating OHLCV in place when the
// (symbol, interval, open_time) triple already exists. Re-ingesting the same
// candles is idempotent.
func (d *Database) UpsertKlines(klines []Kline) (int, error) {
	if len(klines) == 0 {
		return 0, nil
	}
	err := d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"open", "high", "low", "close", "volume",
			"close_time", "quote_volume", "trades", "taker_buy_base", "taker_buy_quote",
		}),
	}).Create(&klines).Error
	if err != nil {
		return 0, err
	}
	return len(klines), nil
}

// RecentKlines returns up to limit candles for (symbol, interval) in
// ascending open_time order, ending at the most recent stored candle.
func (d *Database) RecentKlines(symbol, interval string, limit int) ([]Kline, error) {
	var klines []Kline
	err := d.db.
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("open_time DESC").
		Limit(limit).
		Find(&klines).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
		klines[i], klines[j] = klines[j], klines[i]
	}
	return klines, nil
}

func (d *Database) CountKlines(symbol, interval string) (int64, error) {
	var n int64
	err := d.db.Model(&Kline{}).
		Where("symbol = ? AND interval = ?", symbol, interval).
		Count(&n).Error
	return n, err
}

// KlineTimeRange reports the stored open_time span for (symbol, interval).
// Zero bounds mean no rows.
func (d *Database) KlineTimeRange(symbol, interval string) (first, last int64, err error) {
	var result struct {
		First int64
		Last  int64
	}
	err = d.db.Model(&Kline{}).
		Select("COALESCE(MIN(open_time), 0) as first, COALESCE(MAX(open_time), 0) as last").
		Where("symbol = ? AND interval = ?", symbol, interval).
		Scan(&result).Error
	return result.First, result.Last, err
}

// Indicator operations

func (d *Database) UpsertIndicator(snap *IndicatorSnapshot) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "candle_time"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"rsi", "macd", "macd_signal", "macd_hist", "sma_20", "ema_20",
			"bb_upper", "bb_middle", "bb_lower", "adx", "atr", "close", "updated_at",
		}),
	}).Create(snap).Error
}

func (d *Database) LatestIndicator(symbol, interval string) (*IndicatorSnapshot, error) {
	var snap IndicatorSnapshot
	err := d.db.
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("candle_time DESC").
		First(&snap).Error
	return &snap, err
}

// Entropy operations

func (d *Database) UpsertEntropy(reading *EntropyReading) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "interval"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"entropy", "entropy_ratio", "max_entropy", "bins",
			"is_tradable", "sample_size", "computed_at", "updated_at",
		}),
	}).Create(reading).Error
}

func (d *Database) LatestEntropy(symbol, interval string) (*EntropyReading, error) {
	var reading EntropyReading
	err := d.db.Where("symbol = ? AND interval = ?", symbol, interval).First(&reading).Error
	return &reading, err
}

// Regime operations

func (d *Database) UpsertRegime(regime *MarketRegime) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "interval"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"regime", "confidence", "adx", "hurst", "bb_width", "atr_ratio",
			"detected_at", "updated_at",
		}),
	}).Create(regime).Error
}

func (d *Database) LatestRegime(symbol, interval string) (*MarketRegime, error) {
	var regime MarketRegime
	err := d.db.Where("symbol = ? AND interval = ?", symbol, interval).First(&regime).Error
	return &regime, err
}

// Support/resistance operations

// ReplaceSRLevels swaps the whole level set for (symbol, interval) in one
// transaction.
func (d *Database) ReplaceSRLevels(symbol, interval string, levels []SupportResistanceLevel) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("symbol = ? AND interval = ?", symbol, interval).
			Delete(&SupportResistanceLevel{}).Error; err != nil {
			return err
		}
		if len(levels) == 0 {
			return nil
		}
		return tx.Create(&levels).Error
	})
}

func (d *Database) SRLevels(symbol, interval string) ([]SupportResistanceLevel, error) {
	var levels []SupportResistanceLevel
	err := d.db.
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("price ASC").
		Find(&levels).Error
	return levels, err
}

// Sizing operations

func (d *Database) UpsertSizing(rec *SizingRecommendation) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kelly_fraction", "kelly_size", "atr_size", "recommended_size",
			"max_cap", "method", "computed_at", "updated_at",
		}),
	}).Create(rec).Error
}

func (d *Database) LatestSizing(symbol string) (*SizingRecommendation, error) {
	var rec SizingRecommendation
	err := d.db.Where("symbol = ?", symbol).First(&rec).Error
	return &rec, err
}

// Performance metric operations

func (d *Database) UpsertPerformanceMetric(metric *PerformanceMetric) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "metric_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sharpe", "sortino", "max_drawdown", "calmar", "win_rate",
			"profit_factor", "expectancy", "kelly_fraction", "trades_count",
			"computed_at", "updated_at",
		}),
	}).Create(metric).Error
}

func (d *Database) PerformanceMetrics() ([]PerformanceMetric, error) {
	var metrics []PerformanceMetric
	err := d.db.Order("metric_type ASC").Find(&metrics).Error
	return metrics, err
}

func (d *Database) PerformanceMetricByType(metricType string) (*PerformanceMetric, error) {
	var metric PerformanceMetric
	err := d.db.Where("metric_type = ?", metricType).First(&metric).Error
	return &metric, err
}

// StaleIndicatorCutoff reports whether the newest indicator row for
// (symbol, interval) is older than the cutoff.
func (d *Database) StaleIndicatorCutoff(symbol, interval string, cutoff time.Time) (bool, error) {
	snap, err := d.LatestIndicator(symbol, interval)
	if err != nil {
		return true, err
	}
	return snap.UpdatedAt.Before(cutoff), nil
}
