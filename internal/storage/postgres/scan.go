package postgres

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/core"
)

// scanner abstracts pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const eventColumns = `event_id, external_event_id, source, event_timestamp, ingested_at,
	victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence, action, raw_details`

func scanEvent(s scanner) (*core.Event, error) {
	var (
		e        core.Event
		protocol *int16
		ports    []int32
		details  []byte
	)
	if err := s.Scan(
		&e.EventID, &e.ExternalEventID, &e.Source, &e.EventTimestamp, &e.IngestedAt,
		&e.VictimIP, &e.Vector, &protocol, &e.BPS, &e.PPS, &ports, &e.Confidence,
		&e.Action, &details,
	); err != nil {
		return nil, err
	}
	e.Protocol = protoFromDB(protocol)
	e.TopDstPorts = portsFromDB(ports)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.RawDetails); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

const mitigationColumns = `mitigation_id, scope_hash, pop, customer_id, service_id, victim_ip,
	vector, dst_prefix, protocol, dst_ports, action_type, rate_bps, status, playbook_step,
	created_at, updated_at, expires_at, withdrawn_at, triggering_event_id, last_event_id,
	escalated_from_id, reason, rejection_reason, details`

func scanMitigation(s scanner) (*core.Mitigation, error) {
	var (
		m         core.Mitigation
		dstPrefix netip.Prefix
		protocol  *int16
		ports     []int32
		details   []byte
	)
	if err := s.Scan(
		&m.ID, &m.ScopeHash, &m.POP, &m.CustomerID, &m.ServiceID, &m.VictimIP,
		&m.Vector, &dstPrefix, &protocol, &ports, &m.Action.Type, &m.Action.RateBPS,
		&m.Status, &m.PlaybookStep, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		&m.WithdrawnAt, &m.TriggeringEventID, &m.LastEventID, &m.EscalatedFromID,
		&m.Reason, &m.RejectionReason, &details,
	); err != nil {
		return nil, err
	}
	m.Match = core.Match{
		DstPrefix: dstPrefix,
		Protocol:  protoFromDB(protocol),
		DstPorts:  portsFromDB(ports),
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &m.Details); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

const announcementColumns = `announcement_id, mitigation_id, pop, peer_name, peer_address,
	nlri_hash, nlri, action_type, rate_bps, status, announced_at, withdrawn_at, last_error,
	retry_count, created_at, updated_at`

func scanAnnouncement(s scanner) (*core.Announcement, error) {
	var a core.Announcement
	if err := s.Scan(
		&a.ID, &a.MitigationID, &a.POP, &a.PeerName, &a.PeerAddress,
		&a.NLRIHash, &a.NLRI, &a.Action.Type, &a.Action.RateBPS, &a.Status,
		&a.AnnouncedAt, &a.WithdrawnAt, &a.LastError, &a.RetryCount,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

const auditColumns = `audit_id, ts, actor_type, actor_id, action, target_type, target_id, details`

func scanAudit(s scanner) (*core.AuditEntry, error) {
	var (
		e       core.AuditEntry
		details []byte
	)
	if err := s.Scan(
		&e.ID, &e.Timestamp, &e.ActorType, &e.ActorID, &e.Action,
		&e.TargetType, &e.TargetID, &details,
	); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func scanSafelist(s scanner) (*core.SafelistEntry, error) {
	var e core.SafelistEntry
	if err := s.Scan(&e.Prefix, &e.AddedAt, &e.AddedBy, &e.Reason, &e.ExpiresAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func protoToDB(p *uint8) *int16 {
	if p == nil {
		return nil
	}
	v := int16(*p)
	return &v
}

func protoFromDB(p *int16) *uint8 {
	if p == nil {
		return nil
	}
	v := uint8(*p)
	return &v
}

func portsToDB(ports []uint16) []int32 {
	out := make([]int32, len(ports))
	for i, p := range ports {
		out[i] = int32(p)
	}
	return out
}

func portsFromDB(ports []int32) []uint16 {
	if len(ports) == 0 {
		return nil
	}
	out := make([]uint16, len(ports))
	for i, p := range ports {
		out[i] = uint16(p)
	}
	return out
}

func detailsToDB(details map[string]any) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	return json.Marshal(details)
}

// uuidOrNil dereferences an optional UUID for insert parameters.
func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

// timeOrNil dereferences an optional timestamp for insert parameters.
func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
