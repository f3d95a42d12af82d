// Package postgres manages the pgx connection pool for the prefixd
// repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool errors.
var (
	ErrNotConnected     = errors.New("database not connected")
	ErrConnectionClosed = errors.New("database connection closed")
	ErrConnectionFailed = errors.New("database connection failed")
)

// Config holds pool settings derived from storage configuration.
type Config struct {
	ConnectionString  string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	ConnectTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultConfig returns a pool config with production defaults applied over
// the connection string.
func DefaultConfig(connString string, maxConns, minConns int32) *Config {
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	return &Config{
		ConnectionString:  connString,
		MaxConns:          maxConns,
		MinConns:          minConns,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		ConnectTimeout:    10 * time.Second,
		HealthCheckPeriod: time.Minute,
	}
}

// Pool wraps pgxpool with lifecycle management and logging.
type Pool struct {
	pool     *pgxpool.Pool
	config   *Config
	logger   *slog.Logger
	isClosed atomic.Bool
}

// NewPool creates an unconnected pool.
func NewPool(config *Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config: config,
		logger: logger.With("component", "db_pool"),
	}
}

// Connect establishes the connection pool and verifies it with a ping.
func (p *Pool) Connect(ctx context.Context) error {
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}

	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	poolConfig.MaxConns = p.config.MaxConns
	poolConfig.MinConns = p.config.MinConns
	poolConfig.MaxConnLifetime = p.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = p.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = p.config.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	start := time.Now()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	p.pool = pool
	p.logger.Info("Connected to PostgreSQL",
		"connection_time", time.Since(start),
		"max_conns", p.config.MaxConns,
		"min_conns", p.config.MinConns,
	)
	return nil
}

// Close shuts the pool down.
func (p *Pool) Close() {
	if p.pool == nil || p.isClosed.Swap(true) {
		return
	}
	p.pool.Close()
	p.logger.Info("Disconnected from PostgreSQL")
}

// Ping checks database liveness.
func (p *Pool) Ping(ctx context.Context) error {
	if p.pool == nil {
		return ErrNotConnected
	}
	return p.pool.Ping(ctx)
}

// Exec runs a statement.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.pool == nil {
		return pgconn.CommandTag{}, ErrNotConnected
	}
	return p.pool.Exec(ctx, sql, args...)
}

// Query runs a query returning rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	return p.pool.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.pool == nil {
		return errorRow{err: ErrNotConnected}
	}
	return p.pool.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}
	return p.pool.Begin(ctx)
}

// Pool exposes the underlying pgxpool for migrations.
func (p *Pool) Pool() *pgxpool.Pool {
	return p.pool
}

type errorRow struct{ err error }

func (r errorRow) Scan(dest ...any) error { return r.err }
