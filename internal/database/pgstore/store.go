// Package pgstore provides PostgreSQL-backed stores built on gorm.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

type userRecordRow struct {
	GroupID      int64     `gorm:"primaryKey;autoIncrement:false"`
	UserID       int64     `gorm:"primaryKey;autoIncrement:false"`
	MessageCount int       `gorm:"not null;default:0"`
	IsRestricted bool      `gorm:"not null;default:false;index"`
	LastUpdated  time.Time `gorm:"not null;index"`
}

func (userRecordRow) TableName() string { return "user_records" }

type topicSelectionRow struct {
	ChatID     int64 `gorm:"primaryKey;autoIncrement:false"`
	TopicID    int64 `gorm:"not null"`
	TopicName  string
	SelectedAt time.Time
}

func (topicSelectionRow) TableName() string { return "topic_selections" }

// Store owns the gorm handle shared by the record and selection stores.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn (a postgres:// URL or key=value string), installs the
// tracing plugin and migrates the tables.
func Open(ctx context.Context, dsn string, logger zerolog.Logger, maxConns int) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger: gormlogger.New(&logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		sqldb.SetMaxOpenConns(maxConns)
	}
	sqldb.SetConnMaxIdleTime(time.Hour)

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&userRecordRow{}, &topicSelectionRow{}); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

// Records returns the moderation counter store.
func (s *Store) Records() *RecordStore {
	return &RecordStore{db: s.db}
}

// Selections returns the topic selection store.
func (s *Store) Selections() *SelectionStore {
	return &SelectionStore{db: s.db}
}
