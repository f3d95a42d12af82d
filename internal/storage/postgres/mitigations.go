package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

const insertMitigationSQL = `
	INSERT INTO mitigations (mitigation_id, scope_hash, pop, customer_id, service_id,
		victim_ip, vector, dst_prefix, protocol, dst_ports, action_type, rate_bps,
		status, playbook_step, created_at, updated_at, expires_at, withdrawn_at,
		triggering_event_id, last_event_id, escalated_from_id, reason, rejection_reason, details)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24)`

const updateMitigationSQL = `
	UPDATE mitigations SET
		action_type = $2, rate_bps = $3, status = $4, playbook_step = $5,
		updated_at = $6, expires_at = $7, withdrawn_at = $8, last_event_id = $9,
		escalated_from_id = $10, reason = $11, rejection_reason = $12, details = $13
	WHERE mitigation_id = $1`

func insertMitigation(ctx context.Context, q querier, m *core.Mitigation) error {
	details, err := detailsToDB(m.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = q.Exec(ctx, insertMitigationSQL,
		m.ID, m.ScopeHash, m.POP, m.CustomerID, m.ServiceID,
		m.VictimIP, m.Vector, m.Match.DstPrefix, protoToDB(m.Match.Protocol),
		portsToDB(m.Match.DstPorts), m.Action.Type, m.Action.RateBPS,
		m.Status, m.PlaybookStep, m.CreatedAt, m.UpdatedAt, m.ExpiresAt,
		timeOrNil(m.WithdrawnAt), m.TriggeringEventID, m.LastEventID,
		uuidOrNil(m.EscalatedFromID), m.Reason, m.RejectionReason, details,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Unique partial index over (scope_hash, pop): another non-terminal
		// mitigation holds this scope.
		return core.ErrConflict
	}
	return err
}

func updateMitigation(ctx context.Context, q querier, m *core.Mitigation) error {
	details, err := detailsToDB(m.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	tag, err := q.Exec(ctx, updateMitigationSQL,
		m.ID, m.Action.Type, m.Action.RateBPS, m.Status, m.PlaybookStep,
		m.UpdatedAt, m.ExpiresAt, timeOrNil(m.WithdrawnAt), m.LastEventID,
		uuidOrNil(m.EscalatedFromID), m.Reason, m.RejectionReason, details,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func activeForIP(ctx context.Context, q querier, victimIP netip.Addr, pop string) ([]*core.Mitigation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+mitigationColumns+` FROM mitigations
		WHERE victim_ip = $1 AND pop = $2 AND status IN ('pending', 'active', 'escalated')
		ORDER BY created_at`,
		victimIP, pop)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Mitigation
	for rows.Next() {
		m, err := scanMitigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMitigation returns a mitigation by ID.
func (r *Repository) GetMitigation(ctx context.Context, id uuid.UUID) (*core.Mitigation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+mitigationColumns+` FROM mitigations WHERE mitigation_id = $1`, id)
	m, err := scanMitigation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return m, err
}

// ListMitigations returns mitigations matching the filter, newest first.
func (r *Repository) ListMitigations(ctx context.Context, f storage.MitigationFilter) ([]*core.Mitigation, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if f.CustomerID != "" {
		where += ` AND customer_id = ` + arg(f.CustomerID)
	}
	if f.POP != "" {
		where += ` AND pop = ` + arg(f.POP)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM mitigations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + mitigationColumns + ` FROM mitigations` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*core.Mitigation
	for rows.Next() {
		m, err := scanMitigation(rows)
		if err != nil {
			r.recordRowParseError(err)
			continue
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// ActiveMitigationsForIP returns non-terminal mitigations for a victim IP.
func (r *Repository) ActiveMitigationsForIP(ctx context.Context, victimIP netip.Addr, pop string) ([]*core.Mitigation, error) {
	return activeForIP(ctx, r.pool, victimIP, pop)
}

// MitigationForTriggeringEvent finds the newest mitigation created by an
// event, for the detector unban path.
func (r *Repository) MitigationForTriggeringEvent(ctx context.Context, eventID uuid.UUID) (*core.Mitigation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+mitigationColumns+` FROM mitigations
		WHERE triggering_event_id = $1
		ORDER BY created_at DESC LIMIT 1`,
		eventID)
	m, err := scanMitigation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return m, err
}

// ExpiredMitigations returns active/escalated mitigations past expires_at.
func (r *Repository) ExpiredMitigations(ctx context.Context, pop string, now time.Time) ([]*core.Mitigation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+mitigationColumns+` FROM mitigations
		WHERE pop = $1 AND status IN ('active', 'escalated') AND expires_at <= $2
		ORDER BY expires_at`,
		pop, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Mitigation
	for rows.Next() {
		m, err := scanMitigation(rows)
		if err != nil {
			r.recordRowParseError(err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ScopeTx implementation.

func (t *scopeTx) CurrentForScope(ctx context.Context, scopeHash, pop string) (*core.Mitigation, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+mitigationColumns+` FROM mitigations
		WHERE scope_hash = $1 AND pop = $2 AND status IN ('pending', 'active', 'escalated')
		FOR UPDATE`,
		scopeHash, pop)
	m, err := scanMitigation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (t *scopeTx) ActiveForIP(ctx context.Context, victimIP netip.Addr, pop string) ([]*core.Mitigation, error) {
	return activeForIP(ctx, t.tx, victimIP, pop)
}

func (t *scopeTx) InsertMitigation(ctx context.Context, m *core.Mitigation) error {
	return insertMitigation(ctx, t.tx, m)
}

func (t *scopeTx) UpdateMitigation(ctx context.Context, m *core.Mitigation) error {
	return updateMitigation(ctx, t.tx, m)
}

func (t *scopeTx) CountActive(ctx context.Context, customerID *string, pop string) (storage.Counts, error) {
	var c storage.Counts
	err := t.tx.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE customer_id = $1),
			count(*) FILTER (WHERE pop = $2),
			count(*)
		FROM mitigations
		WHERE status IN ('pending', 'active', 'escalated')`,
		customerID, pop,
	).Scan(&c.Customer, &c.POP, &c.Global)
	return c, err
}

func (t *scopeTx) InsertAudit(ctx context.Context, e *core.AuditEntry) error {
	return insertAudit(ctx, t.tx, e)
}
