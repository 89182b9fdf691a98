package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDSNRequired is returned when no database location is configured.
var ErrDSNRequired = errors.New("storage: database dsn must be configured")

// Option adjusts how the database handle is opened.
type Option func(*gorm.Config)

// WithLogger installs a gorm logger, replacing the silent default.
func WithLogger(l logger.Interface) Option {
	return func(cfg *gorm.Config) { cfg.Logger = l }
}

// Open connects to the record store. Postgres URLs select the postgres driver;
// anything else is treated as a SQLite DSN or file path.
func Open(dsn string, opts ...Option) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	for _, opt := range opts {
		opt(cfg)
	}

	if isPostgres(trimmed) {
		db, err := gorm.Open(postgres.Open(trimmed), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}

	if !strings.HasPrefix(trimmed, "file:") {
		fileDSN, err := FileDSN(trimmed)
		if err != nil {
			return nil, err
		}
		trimmed = fileDSN
	}
	db, err := gorm.Open(sqlite.Open(trimmed), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer. Funnel every statement through one
	// connection so conditional updates serialise instead of failing busy.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return db, nil
}

// Migrate creates or updates every table owned by the relayer.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("storage: nil database")
	}
	return db.AutoMigrate(
		&NonceRecord{},
		&Job{},
		&CatalogItem{},
		&Receipt{},
	)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isPostgres(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}
