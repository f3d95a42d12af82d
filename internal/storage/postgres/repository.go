// Package postgres implements the prefixd Repository on PostgreSQL via pgx.
// Per-scope serialization uses transaction-scoped advisory locks so that two
// events with the same scope never race, and the unique partial index over
// (scope_hash, pop) backs the at-most-one-non-terminal invariant.
package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lance0/prefixd/internal/database/postgres"
	"github.com/lance0/prefixd/internal/storage"
)

// querier is the query surface shared by the pool and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL storage implementation.
type Repository struct {
	pool   *postgres.Pool
	logger *slog.Logger

	// rowParseErrors counts list-query rows skipped because they failed to
	// scan. A bad row never fails a page.
	rowParseErrors prometheus.Counter
}

var _ storage.Repository = (*Repository)(nil)

// New creates a repository over a connected pool. rowParseErrors may be nil.
func New(pool *postgres.Pool, logger *slog.Logger, rowParseErrors prometheus.Counter) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		pool:           pool,
		logger:         logger.With("component", "repository"),
		rowParseErrors: rowParseErrors,
	}
}

// Ping checks database liveness.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (r *Repository) Close() {
	r.pool.Close()
}

func (r *Repository) recordRowParseError(err error) {
	if r.rowParseErrors != nil {
		r.rowParseErrors.Inc()
	}
	r.logger.Warn("Skipping unparseable row", "error", err)
}

// scopeTx adapts a pgx transaction to the ScopeTx surface.
type scopeTx struct {
	r  *Repository
	tx pgx.Tx
}

var _ storage.ScopeTx = (*scopeTx)(nil)

// InScope runs fn inside a transaction holding the advisory lock for
// (scopeHash, pop). The lock is released at commit or rollback.
func (r *Repository) InScope(ctx context.Context, scopeHash, pop string, fn func(tx storage.ScopeTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		scopeHash+":"+pop,
	); err != nil {
		return err
	}

	if err := fn(&scopeTx{r: r, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
