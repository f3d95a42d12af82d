package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

// InsertEvent persists an event idempotently on (source, external_event_id).
func (r *Repository) InsertEvent(ctx context.Context, e *core.Event) (bool, *core.Event, error) {
	details, err := detailsToDB(e.RawDetails)
	if err != nil {
		return false, nil, fmt.Errorf("marshal raw_details: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO events (event_id, external_event_id, source, event_timestamp, ingested_at,
			victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence, action, raw_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (source, external_event_id) WHERE external_event_id IS NOT NULL DO NOTHING`,
		e.EventID, e.ExternalEventID, e.Source, e.EventTimestamp, e.IngestedAt,
		e.VictimIP, e.Vector, protoToDB(e.Protocol), e.BPS, e.PPS,
		portsToDB(e.TopDstPorts), e.Confidence, e.Action, details,
	)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	// Conflict: the detector replayed an event we already hold.
	existing, err := r.FindEventByExternalID(ctx, e.Source, *e.ExternalEventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// GetEvent returns an event by ID.
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*core.Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return e, err
}

// FindEventByExternalID looks up an event by its detector identity.
func (r *Repository) FindEventByExternalID(ctx context.Context, source, externalEventID string) (*core.Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source = $1 AND external_event_id = $2`,
		source, externalEventID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return e, err
}

// ListEvents returns events matching the filter, newest first, with the
// total match count.
func (r *Repository) ListEvents(ctx context.Context, f storage.EventFilter) ([]*core.Event, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Source != "" {
		where += ` AND source = ` + arg(f.Source)
	}
	if f.VictimIP != "" {
		where += ` AND victim_ip = ` + arg(f.VictimIP) + `::inet`
	}
	if f.Vector != "" {
		where += ` AND vector = ` + arg(f.Vector)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + eventColumns + ` FROM events` + where + ` ORDER BY ingested_at DESC`
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

	var out []*core.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			r.recordRowParseError(err)
			continue
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
