package database

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/stemsi/exroom-backend/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// catalogMaxConns keeps the read-only quiz catalog from competing with the
// record store for pool connections.
const catalogMaxConns = 4

// NewCatalogDB opens the gorm handle used for the read-only quiz catalog.
// It borrows connections from the record store pool instead of dialing its own.
func NewCatalogDB(pool *pgxpool.Pool, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.LogLevel == "debug" || cfg.LogLevel == "trace" {
		level = gormlogger.Info
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	sqlDB.SetMaxOpenConns(catalogMaxConns)
	sqlDB.SetMaxIdleConns(catalogMaxConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	db, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(level),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open catalog db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping catalog db: %w", err)
	}

	log.Info().Int("max_conns", catalogMaxConns).Msg("Catalog (gorm) connected")
	return db, nil
}
