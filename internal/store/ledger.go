package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"yqhp/proofsearch/pkg/logger"
)

// RoundRecord is one finished search round.
type RoundRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RunID      string    `gorm:"size:64;not null;uniqueIndex:idx_run_round" json:"run_id"`
	Round      int       `gorm:"not null;uniqueIndex:idx_run_round" json:"round"`
	Problems   int       `json:"problems"`
	Attempts   int       `json:"attempts"`
	Verified   int       `json:"verified"`
	Solved     int       `json:"solved"`
	Duplicates int       `json:"duplicates"`
	Truncated  int       `json:"truncated"`
	BatchPath  string    `gorm:"size:512" json:"batch_path"`
	MergedPath string    `gorm:"size:512" json:"merged_path"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 表名
func (RoundRecord) TableName() string {
	return "round_records"
}

// Dialector 根据驱动名返回 GORM 方言
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.New(mysql.Config{DSN: dsn, SkipInitializeWithVersion: true}), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Ledger persists round records through GORM.
type Ledger struct {
	db *gorm.DB
}

// OpenLedger connects to the database and migrates the ledger table.
func OpenLedger(ctx context.Context, driver, dsn string) (*Ledger, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}

	ledger := NewLedger(db)
	if err := ledger.Migrate(ctx); err != nil {
		_ = ledger.Close()
		return nil, err
	}
	return ledger, nil
}

// NewLedger wraps an open database.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate creates or updates the ledger table.
func (l *Ledger) Migrate(ctx context.Context) error {
	if err := l.db.WithContext(ctx).AutoMigrate(&RoundRecord{}); err != nil {
		return fmt.Errorf("migrate round ledger: %w", err)
	}
	return nil
}

// upsert replaces an existing (run, round) row, so re-running a round
// overwrites its record.
func upsert() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "round"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"problems", "attempts", "verified", "solved", "duplicates", "truncated",
			"batch_path", "merged_path", "started_at", "finished_at",
		}),
	}
}

// Record stores one round.
func (l *Ledger) Record(ctx context.Context, rec *RoundRecord) error {
	if err := l.db.WithContext(ctx).Clauses(upsert()).Create(rec).Error; err != nil {
		return fmt.Errorf("record round %d of %s: %w", rec.Round, rec.RunID, err)
	}
	return nil
}

// Rounds lists the rounds of a run in order.
func (l *Ledger) Rounds(ctx context.Context, runID string) ([]RoundRecord, error) {
	var records []RoundRecord
	err := l.db.WithContext(ctx).Where("run_id = ?", runID).Order("round").Find(&records).Error
	return records, err
}

// Close 关闭数据库连接
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
