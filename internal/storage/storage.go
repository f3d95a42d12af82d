// Package storage defines the repository abstraction for prefixd's durable
// state: events, mitigations, announcements, safelist and audit. All state
// transitions go through a Repository; the mitigation manager and the
// reconciler are the only writers of mitigations and announcements.
package storage

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/core"
)

// EventFilter selects events for listing.
type EventFilter struct {
	Source   string
	VictimIP string
	Vector   string
	Limit    int
	Offset   int
}

// MitigationFilter selects mitigations for listing.
type MitigationFilter struct {
	Statuses   []core.MitigationStatus
	CustomerID string
	POP        string
	Limit      int
	Offset     int
}

// AuditFilter selects audit entries for listing.
type AuditFilter struct {
	ActorType string
	Action    string
	TargetID  string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Counts carries the active-mitigation tallies consumed by quota guardrails.
type Counts struct {
	Customer int
	POP      int
	Global   int
}

// POPStat summarizes one POP for GET /v1/pops.
type POPStat struct {
	POP               string `json:"pop"`
	ActiveMitigations int    `json:"active_mitigations"`
	TotalMitigations  int    `json:"total_mitigations"`
}

// Stats aggregates mitigation counts for GET /v1/stats.
type Stats struct {
	Total            int            `json:"total_mitigations"`
	ByStatus         map[string]int `json:"by_status"`
	ByVector         map[string]int `json:"by_vector"`
	ActiveByCustomer map[string]int `json:"active_by_customer"`
	TotalEvents      int            `json:"total_events"`
}

// ScopeTx is the transactional surface available while holding the per-scope
// lock. Everything written through it commits or rolls back atomically,
// including the audit entries describing the change.
type ScopeTx interface {
	// CurrentForScope returns the non-terminal mitigation for the locked
	// scope, or nil.
	CurrentForScope(ctx context.Context, scopeHash, pop string) (*core.Mitigation, error)

	// ActiveForIP returns all non-terminal mitigations for a victim IP in a
	// POP, re-read under the lock.
	ActiveForIP(ctx context.Context, victimIP netip.Addr, pop string) ([]*core.Mitigation, error)

	InsertMitigation(ctx context.Context, m *core.Mitigation) error
	UpdateMitigation(ctx context.Context, m *core.Mitigation) error

	InsertAnnouncement(ctx context.Context, a *core.Announcement) error
	UpdateAnnouncement(ctx context.Context, a *core.Announcement) error
	AnnouncementsFor(ctx context.Context, mitigationID uuid.UUID) ([]*core.Announcement, error)

	// CountActive returns the net active-mitigation counts; rows withdrawn
	// earlier in this transaction do not count.
	CountActive(ctx context.Context, customerID *string, pop string) (Counts, error)

	InsertAudit(ctx context.Context, e *core.AuditEntry) error
}

// Repository is the durable store. Implementations: postgres (production) and
// memory (tests, lab POPs).
type Repository interface {
	Ping(ctx context.Context) error
	Close()

	// InsertEvent persists an event idempotently on (source,
	// external_event_id). When a duplicate arrives the prior event is
	// returned and created is false.
	InsertEvent(ctx context.Context, e *core.Event) (created bool, existing *core.Event, err error)
	GetEvent(ctx context.Context, id uuid.UUID) (*core.Event, error)
	FindEventByExternalID(ctx context.Context, source, externalEventID string) (*core.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*core.Event, int, error)

	// InScope runs fn inside a transaction holding the advisory lock for
	// (scopeHash, pop). Two events with the same scope never race.
	InScope(ctx context.Context, scopeHash, pop string, fn func(tx ScopeTx) error) error

	GetMitigation(ctx context.Context, id uuid.UUID) (*core.Mitigation, error)
	ListMitigations(ctx context.Context, f MitigationFilter) ([]*core.Mitigation, int, error)
	ActiveMitigationsForIP(ctx context.Context, victimIP netip.Addr, pop string) ([]*core.Mitigation, error)
	MitigationForTriggeringEvent(ctx context.Context, eventID uuid.UUID) (*core.Mitigation, error)

	// ExpiredMitigations returns active/escalated mitigations whose
	// expires_at is at or before now.
	ExpiredMitigations(ctx context.Context, pop string, now time.Time) ([]*core.Mitigation, error)

	AnnouncementsForMitigation(ctx context.Context, mitigationID uuid.UUID) ([]*core.Announcement, error)
	NonTerminalAnnouncements(ctx context.Context, pop string) ([]*core.Announcement, error)
	UpdateAnnouncement(ctx context.Context, a *core.Announcement) error

	AddSafelistEntry(ctx context.Context, e *core.SafelistEntry) error
	RemoveSafelistEntry(ctx context.Context, prefix netip.Prefix) (bool, error)
	ListSafelist(ctx context.Context) ([]*core.SafelistEntry, error)
	// IsSafelisted checks longest-prefix containment of ip against the
	// safelist.
	IsSafelisted(ctx context.Context, ip netip.Addr) (bool, error)
	PruneExpiredSafelist(ctx context.Context, now time.Time) (int, error)

	InsertAudit(ctx context.Context, e *core.AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]*core.AuditEntry, int, error)

	POPStats(ctx context.Context, localPOP string) ([]POPStat, error)
	Stats(ctx context.Context, pop string) (*Stats, error)
}
