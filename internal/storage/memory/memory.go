// Package memory provides an in-memory Repository used by tests and lab
// POPs. A single mutex serializes all access, which trivially satisfies the
// per-scope serialization contract.
package memory

import (
	"context"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

// Repository is the in-memory storage implementation.
type Repository struct {
	mu sync.Mutex

	events        map[uuid.UUID]*core.Event
	eventsByExtID map[string]uuid.UUID
	mitigations   map[uuid.UUID]*core.Mitigation
	announcements map[uuid.UUID]*core.Announcement
	safelist      map[netip.Prefix]*core.SafelistEntry
	audit         []*core.AuditEntry
}

// New creates an empty in-memory repository.
func New() *Repository {
	return &Repository{
		events:        make(map[uuid.UUID]*core.Event),
		eventsByExtID: make(map[string]uuid.UUID),
		mitigations:   make(map[uuid.UUID]*core.Mitigation),
		announcements: make(map[uuid.UUID]*core.Announcement),
		safelist:      make(map[netip.Prefix]*core.SafelistEntry),
	}
}

var _ storage.Repository = (*Repository)(nil)

func extKey(source, externalEventID string) string {
	return source + "\x00" + externalEventID
}

// Ping always succeeds.
func (r *Repository) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (r *Repository) Close() {}

// InsertEvent persists an event idempotently on (source, external_event_id).
func (r *Repository) InsertEvent(ctx context.Context, e *core.Event) (bool, *core.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ExternalEventID != nil {
		key := extKey(e.Source, *e.ExternalEventID)
		if id, ok := r.eventsByExtID[key]; ok {
			return false, copyEvent(r.events[id]), nil
		}
		r.eventsByExtID[key] = e.EventID
	}
	r.events[e.EventID] = copyEvent(e)
	return true, nil, nil
}

// GetEvent returns an event by ID.
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*core.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyEvent(e), nil
}

// FindEventByExternalID looks up an event by its detector identity.
func (r *Repository) FindEventByExternalID(ctx context.Context, source, externalEventID string) (*core.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.eventsByExtID[extKey(source, externalEventID)]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyEvent(r.events[id]), nil
}

// ListEvents returns events matching the filter, newest first.
func (r *Repository) ListEvents(ctx context.Context, f storage.EventFilter) ([]*core.Event, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*core.Event
	for _, e := range r.events {
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if f.VictimIP != "" && e.VictimIP.String() != f.VictimIP {
			continue
		}
		if f.Vector != "" && string(e.Vector) != f.Vector {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].IngestedAt.After(all[j].IngestedAt) })
	total := len(all)
	page := paginate(all, f.Limit, f.Offset)
	out := make([]*core.Event, 0, len(page))
	for _, e := range page {
		out = append(out, copyEvent(e))
	}
	return out, total, nil
}

type memTx struct {
	r *Repository
}

// InScope serializes fn under the repository mutex.
func (r *Repository) InScope(ctx context.Context, scopeHash, pop string, fn func(tx storage.ScopeTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&memTx{r: r})
}

func (t *memTx) CurrentForScope(ctx context.Context, scopeHash, pop string) (*core.Mitigation, error) {
	for _, m := range t.r.mitigations {
		if m.ScopeHash == scopeHash && m.POP == pop && !m.Status.Terminal() {
			return copyMitigation(m), nil
		}
	}
	return nil, nil
}

func (t *memTx) ActiveForIP(ctx context.Context, victimIP netip.Addr, pop string) ([]*core.Mitigation, error) {
	return t.r.activeForIPLocked(victimIP, pop), nil
}

func (t *memTx) InsertMitigation(ctx context.Context, m *core.Mitigation) error {
	if !m.Status.Terminal() {
		for _, other := range t.r.mitigations {
			if other.ScopeHash == m.ScopeHash && other.POP == m.POP && !other.Status.Terminal() {
				return core.ErrConflict
			}
		}
	}
	t.r.mitigations[m.ID] = copyMitigation(m)
	return nil
}

func (t *memTx) UpdateMitigation(ctx context.Context, m *core.Mitigation) error {
	if _, ok := t.r.mitigations[m.ID]; !ok {
		return core.ErrNotFound
	}
	t.r.mitigations[m.ID] = copyMitigation(m)
	return nil
}

func (t *memTx) InsertAnnouncement(ctx context.Context, a *core.Announcement) error {
	t.r.announcements[a.ID] = copyAnnouncement(a)
	return nil
}

func (t *memTx) UpdateAnnouncement(ctx context.Context, a *core.Announcement) error {
	if _, ok := t.r.announcements[a.ID]; !ok {
		return core.ErrNotFound
	}
	t.r.announcements[a.ID] = copyAnnouncement(a)
	return nil
}

func (t *memTx) AnnouncementsFor(ctx context.Context, mitigationID uuid.UUID) ([]*core.Announcement, error) {
	return t.r.announcementsForLocked(mitigationID), nil
}

func (t *memTx) CountActive(ctx context.Context, customerID *string, pop string) (storage.Counts, error) {
	var c storage.Counts
	for _, m := range t.r.mitigations {
		if m.Status.Terminal() {
			continue
		}
		c.Global++
		if m.POP == pop {
			c.POP++
		}
		if customerID != nil && m.CustomerID != nil && *m.CustomerID == *customerID {
			c.Customer++
		}
	}
	return c, nil
}

func (t *memTx) InsertAudit(ctx context.Context, e *core.AuditEntry) error {
	t.r.audit = append(t.r.audit, e)
	return nil
}

// GetMitigation returns a mitigation by ID.
func (r *Repository) GetMitigation(ctx context.Context, id uuid.UUID) (*core.Mitigation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mitigations[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyMitigation(m), nil
}

// ListMitigations returns mitigations matching the filter, newest first.
func (r *Repository) ListMitigations(ctx context.Context, f storage.MitigationFilter) ([]*core.Mitigation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*core.Mitigation
	for _, m := range r.mitigations {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, m.Status) {
			continue
		}
		if f.CustomerID != "" && (m.CustomerID == nil || *m.CustomerID != f.CustomerID) {
			continue
		}
		if f.POP != "" && m.POP != f.POP {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	page := paginate(all, f.Limit, f.Offset)
	out := make([]*core.Mitigation, 0, len(page))
	for _, m := range page {
		out = append(out, copyMitigation(m))
	}
	return out, total, nil
}

func (r *Repository) activeForIPLocked(victimIP netip.Addr, pop string) []*core.Mitigation {
	var out []*core.Mitigation
	for _, m := range r.mitigations {
		if m.VictimIP == victimIP && m.POP == pop && !m.Status.Terminal() {
			out = append(out, copyMitigation(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActiveMitigationsForIP returns non-terminal mitigations for a victim IP.
func (r *Repository) ActiveMitigationsForIP(ctx context.Context, victimIP netip.Addr, pop string) ([]*core.Mitigation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeForIPLocked(victimIP, pop), nil
}

// MitigationForTriggeringEvent finds the mitigation a given event created.
func (r *Repository) MitigationForTriggeringEvent(ctx context.Context, eventID uuid.UUID) (*core.Mitigation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *core.Mitigation
	for _, m := range r.mitigations {
		if m.TriggeringEventID != eventID {
			continue
		}
		if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}
	if newest == nil {
		return nil, core.ErrNotFound
	}
	return copyMitigation(newest), nil
}

// ExpiredMitigations returns active/escalated mitigations past expires_at.
func (r *Repository) ExpiredMitigations(ctx context.Context, pop string, now time.Time) ([]*core.Mitigation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Mitigation
	for _, m := range r.mitigations {
		if m.POP != pop {
			continue
		}
		if m.Status != core.StatusActive && m.Status != core.StatusEscalated {
			continue
		}
		if !m.ExpiresAt.After(now) {
			out = append(out, copyMitigation(m))
		}
	}
	return out, nil
}

func (r *Repository) announcementsForLocked(mitigationID uuid.UUID) []*core.Announcement {
	var out []*core.Announcement
	for _, a := range r.announcements {
		if a.MitigationID == mitigationID {
			out = append(out, copyAnnouncement(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerName < out[j].PeerName })
	return out
}

// AnnouncementsForMitigation returns all announcement rows for a mitigation.
func (r *Repository) AnnouncementsForMitigation(ctx context.Context, mitigationID uuid.UUID) ([]*core.Announcement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.announcementsForLocked(mitigationID), nil
}

// NonTerminalAnnouncements returns announcements whose mitigation is still
// non-terminal in the given POP.
func (r *Repository) NonTerminalAnnouncements(ctx context.Context, pop string) ([]*core.Announcement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.Announcement
	for _, a := range r.announcements {
		m, ok := r.mitigations[a.MitigationID]
		if !ok || m.POP != pop || m.Status.Terminal() {
			continue
		}
		out = append(out, copyAnnouncement(a))
	}
	return out, nil
}

// UpdateAnnouncement replaces an announcement row.
func (r *Repository) UpdateAnnouncement(ctx context.Context, a *core.Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.announcements[a.ID]; !ok {
		return core.ErrNotFound
	}
	r.announcements[a.ID] = copyAnnouncement(a)
	return nil
}

// AddSafelistEntry upserts a safelist prefix.
func (r *Repository) AddSafelistEntry(ctx context.Context, e *core.SafelistEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.safelist[e.Prefix.Masked()] = e
	return nil
}

// RemoveSafelistEntry deletes a safelist prefix.
func (r *Repository) RemoveSafelistEntry(ctx context.Context, prefix netip.Prefix) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := prefix.Masked()
	if _, ok := r.safelist[key]; !ok {
		return false, nil
	}
	delete(r.safelist, key)
	return true, nil
}

// ListSafelist returns all safelist entries sorted by prefix.
func (r *Repository) ListSafelist(ctx context.Context) ([]*core.SafelistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.SafelistEntry, 0, len(r.safelist))
	for _, e := range r.safelist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Prefix.String(), out[j].Prefix.String()) < 0
	})
	return out, nil
}

// IsSafelisted reports whether ip falls inside any non-expired safelist
// prefix.
func (r *Repository) IsSafelisted(ctx context.Context, ip netip.Addr) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, e := range r.safelist {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		if e.Prefix.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// PruneExpiredSafelist removes expired entries.
func (r *Repository) PruneExpiredSafelist(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, e := range r.safelist {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(r.safelist, key)
			removed++
		}
	}
	return removed, nil
}

// InsertAudit appends an audit entry.
func (r *Repository) InsertAudit(ctx context.Context, e *core.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

// ListAudit returns audit entries matching the filter, newest first.
func (r *Repository) ListAudit(ctx context.Context, f storage.AuditFilter) ([]*core.AuditEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*core.AuditEntry
	for _, e := range r.audit {
		if f.ActorType != "" && string(e.ActorType) != f.ActorType {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.TargetID != "" && (e.TargetID == nil || *e.TargetID != f.TargetID) {
			continue
		}
		if f.From != nil && e.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && e.Timestamp.After(*f.To) {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	total := len(all)
	return paginate(all, f.Limit, f.Offset), total, nil
}

// POPStats aggregates mitigation counts per POP; the local POP is always
// present even when empty.
func (r *Repository) POPStats(ctx context.Context, localPOP string) ([]storage.POPStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := map[string]*storage.POPStat{
		localPOP: {POP: localPOP},
	}
	for _, m := range r.mitigations {
		st, ok := stats[m.POP]
		if !ok {
			st = &storage.POPStat{POP: m.POP}
			stats[m.POP] = st
		}
		st.TotalMitigations++
		if !m.Status.Terminal() {
			st.ActiveMitigations++
		}
	}
	out := make([]storage.POPStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].POP < out[j].POP })
	return out, nil
}

// Stats aggregates mitigation counts for one POP.
func (r *Repository) Stats(ctx context.Context, pop string) (*storage.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &storage.Stats{
		ByStatus:         make(map[string]int),
		ByVector:         make(map[string]int),
		ActiveByCustomer: make(map[string]int),
	}
	for _, m := range r.mitigations {
		if m.POP != pop {
			continue
		}
		s.Total++
		s.ByStatus[string(m.Status)]++
		s.ByVector[string(m.Vector)]++
		if !m.Status.Terminal() && m.CustomerID != nil {
			s.ActiveByCustomer[*m.CustomerID]++
		}
	}
	s.TotalEvents = len(r.events)
	return s, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func containsStatus(statuses []core.MitigationStatus, s core.MitigationStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func copyEvent(e *core.Event) *core.Event {
	c := *e
	c.TopDstPorts = append([]uint16(nil), e.TopDstPorts...)
	return &c
}

func copyMitigation(m *core.Mitigation) *core.Mitigation {
	c := *m
	c.Match.DstPorts = append([]uint16(nil), m.Match.DstPorts...)
	return &c
}

func copyAnnouncement(a *core.Announcement) *core.Announcement {
	c := *a
	c.NLRI = append([]byte(nil), a.NLRI...)
	return &c
}
