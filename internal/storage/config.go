// Package storage provides the PostgreSQL-backed implementation of
// core.Store: connection management, schema-bound queries, and the
// transaction shapes each Store operation requires.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fletcher-data/fletcher/internal/config"
)

const (
	defaultMaxConnections = 10
	defaultMaxIdleConns   = 5
	defaultConnMaxLife    = 30 * time.Minute
	defaultConnMaxIdle    = 10 * time.Minute
	postgresDriver        = "postgres"
	pingTimeout           = 5 * time.Second
)

// ErrDatabaseURLEmpty is returned when DATABASE_URL is unset.
var ErrDatabaseURLEmpty = errors.New("DATABASE_URL cannot be empty")

// Config holds PostgreSQL connection configuration.
type Config struct {
	databaseURL     string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig loads PostgreSQL configuration from environment variables.
// MAX_CONNECTIONS is the only pool-sizing knob spec.md names; the
// remaining tunables fall back to production-sane defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxConnections:  config.GetEnvInt("MAX_CONNECTIONS", defaultMaxConnections),
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLife,
		ConnMaxIdleTime: defaultConnMaxIdle,
	}
}

// Validate checks the configuration before a connection is attempted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns c.databaseURL with any userinfo password
// replaced by "***", safe to include in startup logs.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAt := strings.LastIndex(afterScheme, "@")
	if lastAt == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAt]

	colon := strings.Index(userInfo, ":")
	if colon == -1 {
		return c.databaseURL
	}

	username := userInfo[:colon]
	password := userInfo[colon+1:]

	if password == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAt:]

	return scheme + "://" + username + ":***" + hostAndRest
}

// Connection wraps *sql.DB with Fletcher's pool defaults and health check.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled connection to cfg.databaseURL and pings it
// once before returning, so a dead database fails fast at startup rather
// than on the first request.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the pool with a bounded timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return c.PingContext(ctx)
}

// Close closes the pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}
