// Package policy turns a validated event and the matching playbook into a
// proposed mitigation: action, rate, TTL and FlowSpec match scope.
package policy

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
)

// SelectStep returns the index of the first playbook step whose
// confidence_min is satisfied by the event confidence. When no step matches,
// the first step is the playbook default.
func SelectStep(pb *config.Playbook, confidence float64) int {
	for i, s := range pb.Steps {
		if confidence >= s.ConfidenceMin {
			return i
		}
	}
	return 0
}

// MatchPorts computes the mitigation's destination ports: the event's top
// ports intersected with the service's allowed ports for the event protocol.
// An empty intersection falls back to no ports, matching all traffic to the
// destination. When the owner is unknown (allow_unknown_assets) the event
// ports are used as-is.
func MatchPorts(ev *core.Event, owner *config.Owner) []uint16 {
	eventPorts := core.NormalizePorts(ev.TopDstPorts)
	if owner == nil || len(eventPorts) == 0 {
		return eventPorts
	}

	var allowed []uint16
	if ev.Protocol != nil {
		allowed = owner.AllowedPorts.ForProtocol(*ev.Protocol)
	} else {
		// No protocol on the event: any allowed port qualifies.
		allowed = append(allowed, owner.AllowedPorts.TCP...)
		allowed = append(allowed, owner.AllowedPorts.UDP...)
	}
	if len(allowed) == 0 {
		return nil
	}

	allowedSet := make(map[uint16]struct{}, len(allowed))
	for _, p := range allowed {
		allowedSet[p] = struct{}{}
	}
	var out []uint16
	for _, p := range eventPorts {
		if _, ok := allowedSet[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Propose builds the candidate mitigation for an event. The candidate is in
// pending status with the scope hash computed over the canonical match;
// guardrails and correlation run against it before anything is persisted.
func Propose(ev *core.Event, snap *config.Snapshot, owner *config.Owner, now time.Time) (*core.Mitigation, int) {
	pb := snap.Playbooks.ForVector(ev.Vector)
	stepIdx := SelectStep(pb, ev.Confidence)
	step := pb.Steps[stepIdx]

	ports := MatchPorts(ev, owner)
	scopeHash := core.ScopeHash(ev.VictimIP, ev.Protocol, ports, snap.Settings.POP)

	m := &core.Mitigation{
		ID:        uuid.New(),
		ScopeHash: scopeHash,
		POP:       snap.Settings.POP,
		VictimIP:  ev.VictimIP,
		Vector:    ev.Vector,
		Match: core.Match{
			DstPrefix: netip.PrefixFrom(ev.VictimIP, 32),
			Protocol:  ev.Protocol,
			DstPorts:  ports,
		},
		Action:            StepAction(step),
		Status:            core.StatusPending,
		PlaybookStep:      stepIdx,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(step.TTL()),
		TriggeringEventID: ev.EventID,
		LastEventID:       ev.EventID,
		Reason:            string(ev.Vector) + " detected by " + ev.Source,
	}
	if owner != nil {
		customerID, serviceID := owner.CustomerID, owner.ServiceID
		m.CustomerID = &customerID
		m.ServiceID = &serviceID
	}
	return m, stepIdx
}

// StepAction converts a playbook step into a mitigation action.
func StepAction(step config.Step) core.Action {
	a := core.Action{Type: step.Action}
	if step.Action == core.ActionPolice {
		a.RateBPS = step.RateBPS
	}
	return a
}
