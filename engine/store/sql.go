package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// StateEntrySchema is one key of checker state
type StateEntrySchema struct {
	Key       string `gorm:"column:state_key;primaryKey;size:512"`
	Value     []byte
	UpdatedAt time.Time
}

type SQL struct {
	db *gorm.DB
}

func dialector(url string) gorm.Dialector {
	if filename, ok := strings.CutPrefix(url, "sqlite:"); ok {
		return sqlite.Open(fmt.Sprintf("%s?mode=rwc", filename))
	}
	return postgres.Open(url)
}

func OpenSQL(url string) (*SQL, error) {
	db, err := gorm.Open(dialector(url), &gorm.Config{
		TranslateError: true,
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				IgnoreRecordNotFoundError: true,
				LogLevel:                  logger.Warn,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return NewSQL(db)
}

// NewSQL uses an existing connection, e.g. the engine's result database.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&StateEntrySchema{}); err != nil {
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	entry := StateEntrySchema{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Table("state_entry_schemas").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	return Wrap("set", key, err)
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var entry StateEntrySchema
	result := s.db.WithContext(ctx).Table("state_entry_schemas").Where("state_key = ?", key).First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, Wrap("get", key, result.Error)
	}
	if entry.Value == nil {
		return []byte{}, nil
	}
	return entry.Value, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
