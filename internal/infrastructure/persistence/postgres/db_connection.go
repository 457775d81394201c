// Package postgres provides the GORM-backed persistence layer of the key pool.
// PostgreSQL is the production backend; SQLite is accepted for tests and single-node setups.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// DBConnection manages the database handle lifecycle.
type DBConnection struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config *config.DatabaseConfig
	logger logger.Logger
}

// NewDBConnection opens the database, applies pool settings, checks connectivity
// and migrates the schema when auto_migrate is set.
//
// Parameters:
//   - ctx: Context for the initial health check
//   - cfg: Database configuration including driver, credentials and pool settings
//   - log: Logger instance for connection lifecycle events
//
// Returns:
//   - *DBConnection: Initialized connection manager
//   - error: ConfigurationError or PersistenceError
func NewDBConnection(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*DBConnection, error) {
	if cfg == nil {
		return nil, errors.ErrConfiguration("database configuration is missing")
	}
	log = log.WithComponent("Database")

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		log.Info(ctx, "Initializing PostgreSQL connection pool",
			logger.String("host", cfg.Host),
			logger.Int("port", cfg.Port),
			logger.String("database", cfg.Database),
			logger.Int("max_conns", cfg.MaxConns),
		)
		dialector = postgres.Open(cfg.GetDSN())
	case "sqlite":
		log.Info(ctx, "Opening SQLite database", logger.String("path", cfg.SQLitePath))
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, errors.ErrConfiguration("unsupported database driver " + cfg.Driver)
	}

	db, err := gorm.Open(dialector, NewGormConfig(log))
	if err != nil {
		log.Error(ctx, "Failed to open database", err)
		return nil, classifyError("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, classifyError("open database", err)
	}
	if cfg.Driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY under concurrent acquisition
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MinConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MinConns)
		}
		sqlDB.SetConnMaxLifetime(cfg.MaxConnLifetime)
		sqlDB.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	}

	conn := &DBConnection{db: db, sqlDB: sqlDB, config: cfg, logger: log}

	if err := conn.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		log.Info(ctx, "Database schema migrated")
	}

	return conn, nil
}

// NewGormConfig returns the GORM settings shared by every connection. Timestamps are
// kept in UTC so range queries compare consistently on every backend.
func NewGormConfig(log logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:  NewGormLogger(log),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the key-pool tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&models.Key{},
		&models.SigningSession{},
		&models.CredentialMetadata{},
		&models.KeyEvent{},
	)
	return classifyError("migrate schema", err)
}

// DB returns the GORM handle used by the repositories.
func (c *DBConnection) DB() *gorm.DB {
	return c.db
}

// Ping verifies database connectivity and responsiveness.
func (c *DBConnection) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	if err := c.sqlDB.PingContext(pingCtx); err != nil {
		c.logger.Error(ctx, "Database ping failed", err)
		return errors.ErrPersistenceTransient("ping database", err)
	}

	latency := time.Since(startTime)
	if latency > 100*time.Millisecond {
		c.logger.Warn(ctx, "High database latency detected",
			logger.Int64("latency_ms", latency.Milliseconds()),
			logger.Int("threshold_ms", 100),
		)
	}
	return nil
}

// HealthCheck returns connection pool statistics after a ping.
func (c *DBConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}

	stats := c.sqlDB.Stats()
	info := map[string]interface{}{
		"status":           "healthy",
		"driver":           c.config.Driver,
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		c.logger.Warn(ctx, "Connection pool exhausted",
			logger.Int("in_use", stats.InUse),
			logger.Int("max_conns", stats.MaxOpenConnections),
		)
		info["warning"] = "connection_pool_near_limit"
	}
	return info, nil
}

// Close shuts down the connection pool.
func (c *DBConnection) Close() error {
	c.logger.Info(context.Background(), "Closing database connection pool",
		logger.Int("open_conns", c.sqlDB.Stats().OpenConnections),
	)
	return c.sqlDB.Close()
}
