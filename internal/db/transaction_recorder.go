package db

import (
	"fmt"
	"math/big"
	"time"

	"github.com/0xjit/jitbot/pkg/domain"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BundleRecord represents the database model for a submitted JIT bundle's
// outcome, recorded once the Executor resolves it to a terminal state.
type BundleRecord struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	PoolLabel      string    `gorm:"index;not null"`
	TargetBlock    uint64    `gorm:"index;not null"`
	Outcome        string    `gorm:"not null;comment:Included|Reverted|TimedOut|RelayRejected"`
	ProfitUSD      float64   `gorm:"not null"`
	ProfitWei      string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	GasUsedWei     string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	BundleID       string    `gorm:"index;not null"`
	SubmittedAt    time.Time `gorm:"index;not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (BundleRecord) TableName() string {
	return "bundle_records"
}

// TransactionRecorder is implemented by anything that persists resolved
// bundle outcomes. The Coordinator writes through this interface so it
// never depends on GORM or MySQL directly.
type TransactionRecorder interface {
	RecordOutcome(pool domain.PoolId, targetBlock uint64, bundleID string, outcome domain.BundleOutcome, profitUSD float64, profitWei, gasUsedWei *big.Int, submittedAt time.Time) error
	Close() error
}

// MySQLRecorder implements TransactionRecorder using GORM and MySQL.
type MySQLRecorder struct {
	db *gorm.DB
}

// NewMySQLRecorder creates a new MySQLRecorder instance.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	if err := db.AutoMigrate(&BundleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQLRecorder{db: db}, nil
}

// NewMySQLRecorderWithDB creates a new MySQLRecorder with an existing GORM DB instance.
func NewMySQLRecorderWithDB(db *gorm.DB) (*MySQLRecorder, error) {
	if err := db.AutoMigrate(&BundleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &MySQLRecorder{db: db}, nil
}

// RecordOutcome implements TransactionRecorder.
func (r *MySQLRecorder) RecordOutcome(pool domain.PoolId, targetBlock uint64, bundleID string, outcome domain.BundleOutcome, profitUSD float64, profitWei, gasUsedWei *big.Int, submittedAt time.Time) error {
	record := BundleRecord{
		PoolLabel:   pool.Label,
		TargetBlock: targetBlock,
		Outcome:     outcome.String(),
		ProfitUSD:   profitUSD,
		ProfitWei:   bigIntToString(profitWei),
		GasUsedWei:  bigIntToString(gasUsedWei),
		BundleID:    bundleID,
		SubmittedAt: submittedAt,
	}

	result := r.db.Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record bundle outcome: %w", result.Error)
	}

	return nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *MySQLRecorder) GetDB() *gorm.DB {
	return r.db
}

// Close closes the database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

func bigIntToString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// GetLatestRecord retrieves the most recent bundle record for a pool.
func (r *MySQLRecorder) GetLatestRecord(poolLabel string) (*BundleRecord, error) {
	var record BundleRecord
	result := r.db.Where("pool_label = ?", poolLabel).Order("submitted_at DESC").First(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get latest bundle record: %w", result.Error)
	}
	return &record, nil
}

// GetRecordsByTimeRange retrieves bundle records within a time range.
func (r *MySQLRecorder) GetRecordsByTimeRange(start, end time.Time) ([]BundleRecord, error) {
	var records []BundleRecord
	result := r.db.Where("submitted_at BETWEEN ? AND ?", start, end).
		Order("submitted_at ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get bundle records by time range: %w", result.Error)
	}
	return records, nil
}

// GetRecordsByOutcome retrieves all bundle records with a given outcome.
func (r *MySQLRecorder) GetRecordsByOutcome(outcome domain.BundleOutcome) ([]BundleRecord, error) {
	var records []BundleRecord
	result := r.db.Where("outcome = ?", outcome.String()).
		Order("submitted_at ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get bundle records by outcome: %w", result.Error)
	}
	return records, nil
}

// CountRecords returns the total number of bundle records in the database.
func (r *MySQLRecorder) CountRecords() (int64, error) {
	var count int64
	result := r.db.Model(&BundleRecord{}).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count bundle records: %w", result.Error)
	}
	return count, nil
}
