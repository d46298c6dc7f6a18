// Package postgres provides the PostgreSQL connection manager and the
// auxiliary Redis and S3 clients used by the stores.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Capabilities describes optional schema features detected at startup.
// Stores consult these flags instead of probing per query.
type Capabilities struct {
	SchemaVersion int

	// SessionMetadata is true when the sessions table carries the
	// device_fingerprint and last_seen_at columns added in schema v4.
	SessionMetadata bool

	// CaseEvidence is true when the case_evidence table exists (schema v5).
	CaseEvidence bool
}

// Conn wraps the database handle together with the detected capabilities.
type Conn struct {
	db   *sql.DB
	caps Capabilities
}

// Connect opens the database, verifies connectivity and checks that the
// schema is at least config.MinimumSchemaVersion equivalent. It returns an
// error rather than starting against a schema it cannot serve.
func Connect(ctx context.Context, cfg ConnectionConfig, minVersion int) (*Conn, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	caps, err := detectCapabilities(pingCtx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if caps.SchemaVersion < minVersion {
		db.Close()
		return nil, fmt.Errorf("database schema version %d is below required minimum %d; run migrations first",
			caps.SchemaVersion, minVersion)
	}

	return &Conn{db: db, caps: caps}, nil
}

// NewConn wraps an existing database handle. Intended for tests.
func NewConn(db *sql.DB, caps Capabilities) *Conn {
	return &Conn{db: db, caps: caps}
}

func detectCapabilities(ctx context.Context, db *sql.DB) (Capabilities, error) {
	var caps Capabilities

	err := db.QueryRowContext(ctx, `SELECT version FROM schema_info ORDER BY version DESC LIMIT 1`).
		Scan(&caps.SchemaVersion)
	if err == sql.ErrNoRows {
		return caps, fmt.Errorf("schema_info table is empty; run migrations first")
	}
	if err != nil {
		return caps, fmt.Errorf("failed to read schema version: %w", err)
	}

	caps.SessionMetadata = caps.SchemaVersion >= 4
	caps.CaseEvidence = caps.SchemaVersion >= 5
	return caps, nil
}

// DB returns the underlying database handle.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Capabilities returns the schema capabilities detected at startup.
func (c *Conn) Capabilities() Capabilities {
	return c.caps
}

// HealthCheck verifies the connection is alive.
func (c *Conn) HealthCheck(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics.
func (c *Conn) Stats() sql.DBStats {
	return c.db.Stats()
}

// Close closes the database connection.
func (c *Conn) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres connection: %w", err)
	}
	return nil
}
