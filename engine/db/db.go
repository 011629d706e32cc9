package db

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	db *gorm.DB
)

func dialector(connectURL string) gorm.Dialector {
	if strings.HasPrefix(connectURL, "sqlite:") {
		split := strings.SplitN(connectURL, ":", 2)
		filename := split[1]
		return sqlite.Open(fmt.Sprintf("%s?mode=rwc", filename))
	} else {
		return postgres.Open(connectURL)
	}
}

func Connect(connectURL string) error {
	var err error

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			IgnoreRecordNotFoundError: true, // Ignore ErrRecordNotFound error for logger
			LogLevel:                  logger.Warn,
		},
	)

	db, err = gorm.Open(dialector(connectURL), &gorm.Config{
		TranslateError: true,
		Logger:         newLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	slog.Info("Connected to DB")

	// tick schema must come first for automigrate to work
	err = db.AutoMigrate(&TickSchema{}, &TeamSchema{}, &CheckResultSchema{}, &EngineStateSchema{})
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// Handle is the shared connection, e.g. for a checker state store on the same database.
func Handle() *gorm.DB { return db }

func Close() error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ResetResults drops every tick and check result. Teams stay.
func ResetResults() error {
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec("TRUNCATE TABLE check_result_schemas, tick_schemas CASCADE").Error; err != nil {
			return err
		}
		return db.Where("1 = 1").Delete(&EngineStateSchema{}).Error
	}
	return db.Transaction(func(tx *gorm.DB) error {
		// https://gorm.io/docs/delete.html#Block-Global-Delete
		if err := tx.Where("1 = 1").Delete(&CheckResultSchema{}).Error; err != nil {
			return err
		}

		if err := tx.Where("1 = 1").Delete(&TickSchema{}).Error; err != nil {
			return err
		}

		if err := tx.Where("1 = 1").Delete(&EngineStateSchema{}).Error; err != nil {
			return err
		}

		return nil
	})
}
