// Package core defines the prefixd domain model: detector events, mitigations,
// FlowSpec announcements, safelist entries and audit records.
package core

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Vector represents an attack category reported by a detector.
type Vector string

const (
	VectorUDPFlood  Vector = "udp_flood"
	VectorSYNFlood  Vector = "syn_flood"
	VectorACKFlood  Vector = "ack_flood"
	VectorICMPFlood Vector = "icmp_flood"
	VectorUnknown   Vector = "unknown"
)

// Valid reports whether v is a known vector.
func (v Vector) Valid() bool {
	switch v {
	case VectorUDPFlood, VectorSYNFlood, VectorACKFlood, VectorICMPFlood, VectorUnknown:
		return true
	}
	return false
}

// EventAction represents the requested direction of a detector event.
type EventAction string

const (
	EventActionBan   EventAction = "ban"
	EventActionUnban EventAction = "unban"
)

// MitigationStatus represents mitigation state machine states.
type MitigationStatus string

const (
	StatusPending   MitigationStatus = "pending"
	StatusActive    MitigationStatus = "active"
	StatusEscalated MitigationStatus = "escalated"
	StatusExpired   MitigationStatus = "expired"
	StatusWithdrawn MitigationStatus = "withdrawn"
	StatusRejected  MitigationStatus = "rejected"
)

// Terminal reports whether the status is terminal. A mitigation never leaves
// a terminal status.
func (s MitigationStatus) Terminal() bool {
	switch s {
	case StatusExpired, StatusWithdrawn, StatusRejected:
		return true
	}
	return false
}

// NonTerminalStatuses is the set of statuses covered by the unique
// (scope_hash, pop) constraint.
var NonTerminalStatuses = []MitigationStatus{StatusPending, StatusActive, StatusEscalated}

// ActionType represents the FlowSpec action applied by a mitigation.
type ActionType string

const (
	ActionPolice  ActionType = "police"
	ActionDiscard ActionType = "discard"
)

// AnnouncementStatus represents the per-peer announcement lifecycle.
type AnnouncementStatus string

const (
	AnnouncementPending   AnnouncementStatus = "pending"
	AnnouncementAnnounced AnnouncementStatus = "announced"
	AnnouncementWithdrawn AnnouncementStatus = "withdrawn"
	AnnouncementFailed    AnnouncementStatus = "failed"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorDetector ActorType = "detector"
	ActorOperator ActorType = "operator"
)

// Audit action names.
const (
	AuditEventIngested       = "event_ingested"
	AuditMitigationCreated   = "mitigation_created"
	AuditTTLExtended         = "ttl_extended"
	AuditMitigationEscalated = "mitigation_escalated"
	AuditMitigationWithdrawn = "mitigation_withdrawn"
	AuditMitigationExpired   = "mitigation_expired"
	AuditGuardrailReject     = "guardrail_reject"
	AuditDetectorUnban       = "detector_unban"
	AuditUnbanNoOp           = "unban_noop"
	AuditSafelistAdded       = "safelist_added"
	AuditSafelistRemoved     = "safelist_removed"
	AuditConfigReloaded      = "config_reloaded"
)

// Event is an immutable detector-reported DDoS event. Events are written once
// on ingest and never mutated or deleted.
type Event struct {
	EventID         uuid.UUID      `json:"event_id"`
	ExternalEventID *string        `json:"external_event_id,omitempty"`
	Source          string         `json:"source"`
	EventTimestamp  time.Time      `json:"event_timestamp"`
	IngestedAt      time.Time      `json:"ingested_at"`
	VictimIP        netip.Addr     `json:"victim_ip"`
	Vector          Vector         `json:"vector"`
	Protocol        *uint8         `json:"protocol,omitempty"`
	BPS             uint64         `json:"bps"`
	PPS             uint64         `json:"pps"`
	TopDstPorts     []uint16       `json:"top_dst_ports"`
	Confidence      float64        `json:"confidence"`
	Action          EventAction    `json:"action"`
	RawDetails      map[string]any `json:"raw_details,omitempty"`
}

// Match is the FlowSpec match portion of a mitigation: a /32 destination
// prefix, an optional protocol and up to eight destination ports. A nil
// Protocol matches any protocol; empty DstPorts match all ports.
type Match struct {
	DstPrefix netip.Prefix `json:"dst_prefix"`
	Protocol  *uint8       `json:"protocol,omitempty"`
	DstPorts  []uint16     `json:"dst_ports"`
}

// Action is the FlowSpec action of a mitigation. Discard is encoded on the
// wire as traffic-rate 0.
type Action struct {
	Type    ActionType `json:"type"`
	RateBPS uint64     `json:"rate_bps,omitempty"`
}

// Mitigation is the durable record of one FlowSpec rule decision for a scope.
// At most one mitigation per (scope_hash, pop) may be in a non-terminal
// status at any time.
type Mitigation struct {
	ID                uuid.UUID        `json:"mitigation_id"`
	ScopeHash         string           `json:"scope_hash"`
	POP               string           `json:"pop"`
	CustomerID        *string          `json:"customer_id,omitempty"`
	ServiceID         *string          `json:"service_id,omitempty"`
	VictimIP          netip.Addr       `json:"victim_ip"`
	Vector            Vector           `json:"vector"`
	Match             Match            `json:"match"`
	Action            Action           `json:"action"`
	Status            MitigationStatus `json:"status"`
	PlaybookStep      int              `json:"playbook_step"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ExpiresAt         time.Time        `json:"expires_at"`
	WithdrawnAt       *time.Time       `json:"withdrawn_at,omitempty"`
	TriggeringEventID uuid.UUID        `json:"triggering_event_id"`
	LastEventID       uuid.UUID        `json:"last_event_id"`
	EscalatedFromID   *uuid.UUID       `json:"escalated_from_id,omitempty"`
	Reason            string           `json:"reason"`
	RejectionReason   *string          `json:"rejection_reason,omitempty"`
	Details           map[string]any   `json:"details,omitempty"`
}

// Announcement tracks one mitigation's NLRI on one peer. Transitions are
// monotonic pending -> announced -> withdrawn, or -> failed with retry.
type Announcement struct {
	ID           uuid.UUID          `json:"announcement_id"`
	MitigationID uuid.UUID          `json:"mitigation_id"`
	POP          string             `json:"pop"`
	PeerName     string             `json:"peer_name"`
	PeerAddress  string             `json:"peer_address"`
	NLRIHash     string             `json:"nlri_hash"`
	NLRI         []byte             `json:"nlri"`
	Action       Action             `json:"action"`
	Status       AnnouncementStatus `json:"status"`
	AnnouncedAt  *time.Time         `json:"announced_at,omitempty"`
	WithdrawnAt  *time.Time         `json:"withdrawn_at,omitempty"`
	LastError    *string            `json:"last_error,omitempty"`
	RetryCount   int                `json:"retry_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// SafelistEntry is an operator-managed never-mitigate prefix.
type SafelistEntry struct {
	Prefix    netip.Prefix `json:"prefix"`
	AddedAt   time.Time    `json:"added_at"`
	AddedBy   string       `json:"added_by"`
	Reason    *string      `json:"reason,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// NewAuditID returns a fresh audit entry ID.
func NewAuditID() uuid.UUID { return uuid.New() }

// AuditEntry is an append-only record of a state-changing operation.
type AuditEntry struct {
	ID         uuid.UUID      `json:"audit_id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorType  ActorType      `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetType *string        `json:"target_type,omitempty"`
	TargetID   *string        `json:"target_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}
