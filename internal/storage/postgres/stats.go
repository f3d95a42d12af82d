package postgres

import (
	"context"

	"github.com/lance0/prefixd/internal/storage"
)

// POPStats aggregates mitigation counts per POP; the local POP is always
// present even when it has no rows yet.
func (r *Repository) POPStats(ctx context.Context, localPOP string) ([]storage.POPStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT pop,
			count(*) FILTER (WHERE status IN ('pending', 'active', 'escalated')),
			count(*)
		FROM mitigations
		GROUP BY pop
		ORDER BY pop`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.POPStat
	sawLocal := false
	for rows.Next() {
		var st storage.POPStat
		if err := rows.Scan(&st.POP, &st.ActiveMitigations, &st.TotalMitigations); err != nil {
			r.recordRowParseError(err)
			continue
		}
		if st.POP == localPOP {
			sawLocal = true
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !sawLocal {
		out = append(out, storage.POPStat{POP: localPOP})
	}
	return out, nil
}

// Stats aggregates mitigation counts for one POP.
func (r *Repository) Stats(ctx context.Context, pop string) (*storage.Stats, error) {
	s := &storage.Stats{
		ByStatus:         make(map[string]int),
		ByVector:         make(map[string]int),
		ActiveByCustomer: make(map[string]int),
	}

	rows, err := r.pool.Query(ctx,
		`SELECT status, count(*) FROM mitigations WHERE pop = $1 GROUP BY status`, pop)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByStatus[status] = n
		s.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT vector, count(*) FROM mitigations WHERE pop = $1 GROUP BY vector`, pop)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var vector string
		var n int
		if err := rows.Scan(&vector, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByVector[vector] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `
		SELECT customer_id, count(*) FROM mitigations
		WHERE pop = $1 AND customer_id IS NOT NULL
		  AND status IN ('pending', 'active', 'escalated')
		GROUP BY customer_id`, pop)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var customer string
		var n int
		if err := rows.Scan(&customer, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ActiveByCustomer[customer] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM events`).Scan(&s.TotalEvents); err != nil {
		return nil, err
	}
	return s, nil
}
