// Package correlation relates a new event to the active mitigations for the
// same victim IP and decides how the state should change: extend, escalate,
// replace, add a parallel scope, create fresh, or do nothing.
package correlation

import (
	"time"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
)

// Kind enumerates correlation decisions.
type Kind string

const (
	// KindCreate starts a new mitigation; no active mitigation relates.
	KindCreate Kind = "create"

	// KindExtend pushes the matched mitigation's expiry forward.
	KindExtend Kind = "extend"

	// KindEscalate moves the matched mitigation to the next playbook step.
	KindEscalate Kind = "escalate"

	// KindReplace withdraws the matched mitigation and creates a wider one
	// covering the port union.
	KindReplace Kind = "replace"

	// KindParallel keeps the matched mitigation and creates a second one for
	// the disjoint ports only.
	KindParallel Kind = "parallel"

	// KindNoOp leaves state untouched (event ports are a subset of an
	// existing scope).
	KindNoOp Kind = "noop"
)

// Decision is the outcome of correlating one event.
type Decision struct {
	Kind Kind

	// Target is the related existing mitigation for extend, escalate,
	// replace and noop decisions.
	Target *core.Mitigation

	// Ports carries the union scope for replace and the disjoint remainder
	// for parallel.
	Ports []uint16

	// NextStep is the playbook step index an escalation moves to.
	NextStep int
}

// Decide correlates a candidate mitigation against the non-terminal
// mitigations for the same victim IP in the same POP. active must be read
// under the per-scope lock that also covers the resulting writes.
func Decide(ev *core.Event, candidate *core.Mitigation, active []*core.Mitigation, snap *config.Snapshot, now time.Time) Decision {
	// Exact scope first: same hash means same (ip, protocol, ports) tuple.
	for _, m := range active {
		if m.ScopeHash != candidate.ScopeHash {
			continue
		}
		if next, ok := escalationStep(ev, m, snap, now); ok {
			return Decision{Kind: KindEscalate, Target: m, NextStep: next}
		}
		return Decision{Kind: KindExtend, Target: m}
	}

	// Port-set relationships against mitigations with the same protocol
	// semantics. The first related mitigation wins; remaining ones would be
	// handled by subsequent events.
	candPorts := portSet(candidate.Match.DstPorts)
	for _, m := range active {
		if !sameProtocol(candidate.Match.Protocol, m.Match.Protocol) {
			continue
		}
		existing := portSet(m.Match.DstPorts)

		// An empty port list matches all ports to the destination.
		if len(candPorts) == 0 && len(existing) > 0 {
			return Decision{Kind: KindReplace, Target: m, Ports: nil}
		}
		if len(candPorts) > 0 && len(existing) == 0 {
			return Decision{Kind: KindNoOp, Target: m}
		}

		inter := intersect(candPorts, existing)
		switch {
		case len(inter) == 0:
			continue // disjoint, keep looking
		case len(inter) == len(existing) && len(candPorts) > len(existing):
			// Strict superset: replace with the union.
			return Decision{Kind: KindReplace, Target: m, Ports: union(candPorts, existing)}
		case len(inter) == len(candPorts):
			// Subset (or equal ports with different hash inputs): covered.
			return Decision{Kind: KindNoOp, Target: m}
		default:
			// Partial overlap: mitigate the uncovered ports alongside.
			return Decision{Kind: KindParallel, Target: m, Ports: subtract(candPorts, existing)}
		}
	}

	return Decision{Kind: KindCreate}
}

// escalationStep checks whether the matched mitigation should move to the
// next playbook step for this event.
func escalationStep(ev *core.Event, m *core.Mitigation, snap *config.Snapshot, now time.Time) (int, bool) {
	pb := snap.Playbooks.ForVector(m.Vector)
	i := m.PlaybookStep
	if i < 0 || i+1 >= len(pb.Steps) {
		return 0, false
	}
	cur, next := pb.Steps[i], pb.Steps[i+1]

	age := now.Sub(m.CreatedAt)
	if cur.PersistenceMinSeconds <= 0 || age < cur.PersistenceMin() {
		return 0, false
	}
	if ev.Confidence < next.ConfidenceMin {
		return 0, false
	}
	if cur.MaxEscalatedSeconds > 0 && age >= cur.MaxEscalated() {
		return 0, false
	}
	if m.CustomerID != nil {
		if c, ok := snap.Inventory.Customers[*m.CustomerID]; ok && c.PolicyProfile == config.ProfileStrict {
			return 0, false
		}
	}
	return i + 1, true
}

func sameProtocol(a, b *uint8) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func portSet(ports []uint16) map[uint16]struct{} {
	out := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		out[p] = struct{}{}
	}
	return out
}

func intersect(a, b map[uint16]struct{}) []uint16 {
	var out []uint16
	for p := range a {
		if _, ok := b[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func union(a, b map[uint16]struct{}) []uint16 {
	out := make([]uint16, 0, len(a)+len(b))
	for p := range a {
		out = append(out, p)
	}
	for p := range b {
		if _, ok := a[p]; !ok {
			out = append(out, p)
		}
	}
	return core.NormalizePorts(out)
}

func subtract(a, b map[uint16]struct{}) []uint16 {
	var out []uint16
	for p := range a {
		if _, ok := b[p]; !ok {
			out = append(out, p)
		}
	}
	return core.NormalizePorts(out)
}
