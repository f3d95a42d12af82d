// Package guardrails validates proposed mitigations before any state is
// written or announced. Check is a pure function over its inputs; rules are
// applied in order and the first failure rejects. If any guardrail rejects,
// no announcer call occurs.
package guardrails

import (
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

// Input carries everything Check needs. Safelisted and Counts are resolved
// by the caller (repository lookups) so that Check itself stays pure.
type Input struct {
	Event     *core.Event
	Candidate *core.Mitigation
	Snapshot  *config.Snapshot

	// Safelisted is the longest-prefix containment result for the victim IP.
	Safelisted bool

	// Counts are the net active-mitigation tallies at decision time.
	Counts storage.Counts

	// Owned reports whether the victim IP resolved to a known service.
	Owned bool
}

// Check validates a proposed mitigation. A nil return means all guardrails
// passed.
func Check(in Input) *core.RejectError {
	ev := in.Event
	m := in.Candidate
	settings := in.Snapshot.Settings

	// 1. Victim must be IPv4.
	if !ev.VictimIP.IsValid() {
		return core.Rejectf(core.RejectInvalidIP, "victim_ip is not a valid address")
	}
	if ev.VictimIP.Is6() && !ev.VictimIP.Is4In6() {
		return core.Rejectf(core.RejectIPv6NotSupported, "victim_ip %s is IPv6", ev.VictimIP)
	}

	// 2. Match prefix must be exactly victim_ip/32.
	if m.Match.DstPrefix.Bits() != 32 || m.Match.DstPrefix.Addr() != ev.VictimIP {
		return core.Rejectf(core.RejectPrefixMismatch,
			"dst_prefix %s does not match victim_ip %s/32", m.Match.DstPrefix, ev.VictimIP)
	}

	// 3. Ownership.
	if !in.Owned && !settings.Guardrails.AllowUnknownAssets {
		return core.Rejectf(core.RejectUnknownAsset, "victim_ip %s belongs to no known service", ev.VictimIP)
	}

	// 4. Safelist.
	if in.Safelisted {
		return core.Rejectf(core.RejectSafelisted, "victim_ip %s is safelisted", ev.VictimIP)
	}

	// 5. Port count cap, applied after dedup.
	if len(core.NormalizePorts(m.Match.DstPorts)) > settings.Guardrails.MaxPorts {
		return core.Rejectf(core.RejectTooManyPorts,
			"%d ports exceeds max_ports %d", len(m.Match.DstPorts), settings.Guardrails.MaxPorts)
	}

	// 6. TTL bounds. A candidate without an expiry is rejected outright.
	if m.ExpiresAt.IsZero() {
		return core.Rejectf(core.RejectTTLMissing, "mitigation has no expiry")
	}
	ttl := m.ExpiresAt.Sub(m.CreatedAt)
	if ttl < settings.Timers.MinTTL() || ttl > settings.Timers.MaxTTL() {
		return core.Rejectf(core.RejectTTLOutOfRange,
			"ttl %s outside [%s, %s]", ttl, settings.Timers.MinTTL(), settings.Timers.MaxTTL())
	}

	// 7. Quotas.
	g := settings.Guardrails
	if m.CustomerID != nil && g.MaxPerCustomer > 0 && in.Counts.Customer >= g.MaxPerCustomer {
		return core.Rejectf(core.RejectQuotaCustomer,
			"customer %s at quota %d", *m.CustomerID, g.MaxPerCustomer)
	}
	if g.MaxPerPOP > 0 && in.Counts.POP >= g.MaxPerPOP {
		return core.Rejectf(core.RejectQuotaPOP, "pop %s at quota %d", m.POP, g.MaxPerPOP)
	}
	if g.MaxGlobal > 0 && in.Counts.Global >= g.MaxGlobal {
		return core.Rejectf(core.RejectQuotaGlobal, "global quota %d reached", g.MaxGlobal)
	}

	// 8. Police needs a positive rate.
	if m.Action.Type == core.ActionPolice && m.Action.RateBPS == 0 {
		return core.Rejectf(core.RejectInvalidRate, "police action requires rate_bps > 0")
	}

	return nil
}
