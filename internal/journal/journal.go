// Package journal keeps a persistent audit record of every upload the
// bridge handled, whether or not it reached the ingestion service.
package journal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/docdrop/ftpbridge/pkg/config"
	"github.com/docdrop/ftpbridge/pkg/types"
)

// Recorder accepts finished upload records. Implemented by Journal; a
// nil-safe no-op is used when the journal is disabled.
type Recorder interface {
	Record(ctx context.Context, rec *types.UploadRecord) error
}

// Journal wraps the GORM database connection
type Journal struct {
	db *gorm.DB
}

// Open connects to the configured journal backend. Returns (nil, nil)
// when the journal is disabled.
func Open(cfg *config.JournalConfig) (*Journal, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "off":
		return nil, nil
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}

	log.Info().Str("driver", cfg.Driver).Msg("upload journal opened")
	return j, nil
}

func (j *Journal) migrate() error {
	return j.db.AutoMigrate(&types.UploadRecord{})
}

// Record persists one upload record
func (j *Journal) Record(ctx context.Context, rec *types.UploadRecord) error {
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	return nil
}

// Recent returns the most recent upload records, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]types.UploadRecord, error) {
	var recs []types.UploadRecord
	err := j.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	return recs, nil
}

// Stats aggregates outcome counts over the whole journal
func (j *Journal) Stats(ctx context.Context) (*types.UploadStats, error) {
	var stats types.UploadStats

	if err := j.db.WithContext(ctx).Model(&types.UploadRecord{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("failed to count journal records: %w", err)
	}
	err := j.db.WithContext(ctx).Model(&types.UploadRecord{}).
		Where("outcome = ?", types.OutcomeDelivered).
		Count(&stats.Delivered).Error
	if err != nil {
		return nil, err
	}
	stats.Failed = stats.Total - stats.Delivered

	var bytes struct{ Bytes int64 }
	err = j.db.WithContext(ctx).Model(&types.UploadRecord{}).
		Select("COALESCE(SUM(bytes), 0) AS bytes").
		Where("outcome = ?", types.OutcomeDelivered).
		Scan(&bytes).Error
	if err != nil {
		return nil, err
	}
	stats.Bytes = bytes.Bytes

	return &stats, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
