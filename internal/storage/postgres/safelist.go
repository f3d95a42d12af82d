package postgres

import (
	"context"
	"net/netip"
	"time"

	"github.com/lance0/prefixd/internal/core"
)

// AddSafelistEntry upserts a safelist prefix.
func (r *Repository) AddSafelistEntry(ctx context.Context, e *core.SafelistEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO safelist (prefix, added_at, added_by, reason, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (prefix) DO UPDATE SET
			added_at = EXCLUDED.added_at,
			added_by = EXCLUDED.added_by,
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at`,
		e.Prefix, e.AddedAt, e.AddedBy, e.Reason, timeOrNil(e.ExpiresAt),
	)
	return err
}

// RemoveSafelistEntry deletes a safelist prefix, reporting whether it
// existed.
func (r *Repository) RemoveSafelistEntry(ctx context.Context, prefix netip.Prefix) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM safelist WHERE prefix = $1`, prefix)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListSafelist returns all safelist entries.
func (r *Repository) ListSafelist(ctx context.Context) ([]*core.SafelistEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT prefix, added_at, added_by, reason, expires_at FROM safelist ORDER BY prefix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.SafelistEntry
	for rows.Next() {
		e, err := scanSafelist(rows)
		if err != nil {
			r.recordRowParseError(err)
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// IsSafelisted checks longest-prefix containment with the inet >>= operator;
// the safelist is never enumerated on the ingest path.
func (r *Repository) IsSafelisted(ctx context.Context, ip netip.Addr) (bool, error) {
	var hit bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM safelist
			WHERE prefix >>= $1::inet
			  AND (expires_at IS NULL OR expires_at > now())
		)`, ip,
	).Scan(&hit)
	return hit, err
}

// PruneExpiredSafelist removes entries past their expiry.
func (r *Repository) PruneExpiredSafelist(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM safelist WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
