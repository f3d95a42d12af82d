package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/core"
)

const insertAnnouncementSQL = `
	INSERT INTO announcements (announcement_id, mitigation_id, pop, peer_name, peer_address,
		nlri_hash, nlri, action_type, rate_bps, status, announced_at, withdrawn_at,
		last_error, retry_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const updateAnnouncementSQL = `
	UPDATE announcements SET
		nlri_hash = $2, nlri = $3, action_type = $4, rate_bps = $5, status = $6,
		announced_at = $7, withdrawn_at = $8, last_error = $9, retry_count = $10,
		updated_at = $11
	WHERE announcement_id = $1`

func insertAnnouncement(ctx context.Context, q querier, a *core.Announcement) error {
	_, err := q.Exec(ctx, insertAnnouncementSQL,
		a.ID, a.MitigationID, a.POP, a.PeerName, a.PeerAddress,
		a.NLRIHash, a.NLRI, a.Action.Type, a.Action.RateBPS, a.Status,
		timeOrNil(a.AnnouncedAt), timeOrNil(a.WithdrawnAt), a.LastError,
		a.RetryCount, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func updateAnnouncement(ctx context.Context, q querier, a *core.Announcement) error {
	tag, err := q.Exec(ctx, updateAnnouncementSQL,
		a.ID, a.NLRIHash, a.NLRI, a.Action.Type, a.Action.RateBPS, a.Status,
		timeOrNil(a.AnnouncedAt), timeOrNil(a.WithdrawnAt), a.LastError,
		a.RetryCount, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func announcementsFor(ctx context.Context, q querier, mitigationID uuid.UUID) ([]*core.Announcement, error) {
	rows, err := q.Query(ctx, `
		SELECT `+announcementColumns+` FROM announcements
		WHERE mitigation_id = $1 ORDER BY peer_name`,
		mitigationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AnnouncementsForMitigation returns all announcement rows for a mitigation.
func (r *Repository) AnnouncementsForMitigation(ctx context.Context, mitigationID uuid.UUID) ([]*core.Announcement, error) {
	return announcementsFor(ctx, r.pool, mitigationID)
}

// NonTerminalAnnouncements returns announcements belonging to non-terminal
// mitigations in a POP. The reconciler derives the desired speaker state
// from this set.
func (r *Repository) NonTerminalAnnouncements(ctx context.Context, pop string) ([]*core.Announcement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+qualifiedAnnouncementColumns+`
		FROM announcements a
		JOIN mitigations m ON m.mitigation_id = a.mitigation_id
		WHERE m.pop = $1 AND m.status IN ('pending', 'active', 'escalated')
		ORDER BY a.created_at`,
		pop)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Announcement
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			r.recordRowParseError(err)
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const qualifiedAnnouncementColumns = `a.announcement_id, a.mitigation_id, a.pop, a.peer_name,
	a.peer_address, a.nlri_hash, a.nlri, a.action_type, a.rate_bps, a.status, a.announced_at,
	a.withdrawn_at, a.last_error, a.retry_count, a.created_at, a.updated_at`

// UpdateAnnouncement replaces an announcement row outside a scope
// transaction (reconciler retries).
func (r *Repository) UpdateAnnouncement(ctx context.Context, a *core.Announcement) error {
	return updateAnnouncement(ctx, r.pool, a)
}

func (t *scopeTx) InsertAnnouncement(ctx context.Context, a *core.Announcement) error {
	return insertAnnouncement(ctx, t.tx, a)
}

func (t *scopeTx) UpdateAnnouncement(ctx context.Context, a *core.Announcement) error {
	return updateAnnouncement(ctx, t.tx, a)
}

func (t *scopeTx) AnnouncementsFor(ctx context.Context, mitigationID uuid.UUID) ([]*core.Announcement, error) {
	return announcementsFor(ctx, t.tx, mitigationID)
}
