package postgres

import (
	"context"
	"fmt"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

func insertAudit(ctx context.Context, q querier, e *core.AuditEntry) error {
	details, err := detailsToDB(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO audit_log (audit_id, ts, actor_type, actor_id, action, target_type, target_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Timestamp, e.ActorType, e.ActorID, e.Action, e.TargetType, e.TargetID, details,
	)
	return err
}

// InsertAudit appends an audit entry outside a scope transaction.
func (r *Repository) InsertAudit(ctx context.Context, e *core.AuditEntry) error {
	return insertAudit(ctx, r.pool, e)
}

// ListAudit returns audit entries matching the filter, newest first.
func (r *Repository) ListAudit(ctx context.Context, f storage.AuditFilter) ([]*core.AuditEntry, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActorType != "" {
		where += ` AND actor_type = ` + arg(f.ActorType)
	}
	if f.Action != "" {
		where += ` AND action = ` + arg(f.Action)
	}
	if f.TargetID != "" {
		where += ` AND target_id = ` + arg(f.TargetID)
	}
	if f.From != nil {
		where += ` AND ts >= ` + arg(*f.From)
	}
	if f.To != nil {
		where += ` AND ts <= ` + arg(*f.To)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY ts DESC`
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

	var out []*core.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			r.recordRowParseError(err)
			continue
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
