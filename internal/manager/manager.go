// Package manager orchestrates event ingestion: guardrails, policy,
// correlation, repository writes, announcer calls, audit and broadcast. The
// manager exclusively owns writes to mitigations and announcements.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lance0/prefixd/internal/announcer"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/correlation"
	"github.com/lance0/prefixd/internal/flowspec"
	"github.com/lance0/prefixd/internal/guardrails"
	"github.com/lance0/prefixd/internal/metrics"
	"github.com/lance0/prefixd/internal/policy"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/storage"
)

const dedupeCacheSize = 4096

// Manager runs the ingestion pipeline.
type Manager struct {
	repo      storage.Repository
	announcer announcer.Announcer
	cfg       *config.Store
	publisher *realtime.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// dedupe is a fast-path cache over (source, external_event_id) so that
	// detector replays skip the repository round-trip.
	dedupe *lru.Cache[string, core.OutcomeKind]

	shuttingDown atomic.Bool
}

// New creates a mitigation manager.
func New(repo storage.Repository, ann announcer.Announcer, cfg *config.Store, bus *realtime.Bus, logger *slog.Logger, m *metrics.Metrics) *Manager {
	cache, _ := lru.New[string, core.OutcomeKind](dedupeCacheSize)
	return &Manager{
		repo:      repo,
		announcer: ann,
		cfg:       cfg,
		publisher: realtime.NewPublisher(bus, realtime.SourceManager),
		logger:    logger.With("component", "manager"),
		metrics:   m,
		dedupe:    cache,
	}
}

// BeginShutdown makes subsequent ingests fail with shutting_down. In-flight
// ingests complete.
func (mg *Manager) BeginShutdown() {
	mg.shuttingDown.Store(true)
}

// ShuttingDown reports whether shutdown has begun.
func (mg *Manager) ShuttingDown() bool {
	return mg.shuttingDown.Load()
}

// Ingest runs one detector event through the pipeline and returns the
// outcome. Infrastructure errors after the state write are not surfaced;
// reconciliation completes pending announcements.
func (mg *Manager) Ingest(ctx context.Context, ev *core.Event) (*core.Outcome, error) {
	start := time.Now()
	defer func() {
		if mg.metrics != nil {
			mg.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	snap := mg.cfg.Load()
	now := time.Now().UTC()

	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = now
	}
	if ev.Action == "" {
		ev.Action = core.EventActionBan
	}

	// Fast-path dedupe before touching storage.
	if key, ok := dedupeKey(ev); ok && ev.Action == core.EventActionBan {
		if prior, hit := mg.dedupe.Get(key); hit {
			return mg.finish(ev, &core.Outcome{
				Kind:   core.OutcomeNoOp,
				Event:  ev,
				Reason: "duplicate_event (prior outcome: " + string(prior) + ")",
			}), nil
		}
	}

	created, existing, err := mg.repo.InsertEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	if mg.metrics != nil {
		mg.metrics.EventsIngested.WithLabelValues(ev.Source, string(ev.Action)).Inc()
	}

	if !created {
		// The detector replayed a known event. An unban replaying the
		// original ban's identity still proceeds to withdrawal.
		if ev.Action == core.EventActionUnban && existing.Action != core.EventActionUnban {
			return mg.handleUnban(ctx, ev, existing, now)
		}
		return mg.finish(ev, &core.Outcome{
			Kind:   core.OutcomeNoOp,
			Event:  existing,
			Reason: "duplicate_event",
		}), nil
	}

	if mg.shuttingDown.Load() {
		return nil, core.ErrShuttingDown
	}

	if ev.Action == core.EventActionUnban {
		return mg.handleUnbanByExternalID(ctx, ev, now)
	}

	return mg.handleBan(ctx, snap, ev, now)
}

// handleBan runs policy, correlation and guardrails, then applies the
// decision transactionally under the per-scope lock.
func (mg *Manager) handleBan(ctx context.Context, snap *config.Snapshot, ev *core.Event, now time.Time) (*core.Outcome, error) {
	owner, owned := snap.Inventory.OwnerOf(ev.VictimIP)
	var ownerRef *config.Owner
	if owned {
		ownerRef = &owner
	}

	candidate, stepIdx := policy.Propose(ev, snap, ownerRef, now)

	safelisted, err := mg.repo.IsSafelisted(ctx, ev.VictimIP)
	if err != nil {
		return nil, fmt.Errorf("safelist lookup: %w", err)
	}

	var outcome *core.Outcome
	err = mg.repo.InScope(ctx, candidate.ScopeHash, candidate.POP, func(tx storage.ScopeTx) error {
		active, err := tx.ActiveForIP(ctx, ev.VictimIP, candidate.POP)
		if err != nil {
			return err
		}
		decision := correlation.Decide(ev, candidate, active, snap, now)

		outcome, err = mg.applyDecision(ctx, tx, snap, ev, candidate, stepIdx, decision, safelisted, owned, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Announcer calls happen outside the transaction; announcement rows were
	// created pending and a crash here is repaired by reconciliation.
	mg.completeAnnouncements(ctx, snap, outcome)

	return mg.finish(ev, outcome), nil
}

// applyDecision performs the transactional writes for a correlation
// decision. Guardrails run against the effective candidate with net counts:
// a mitigation withdrawn earlier in the same transaction no longer counts.
func (mg *Manager) applyDecision(
	ctx context.Context,
	tx storage.ScopeTx,
	snap *config.Snapshot,
	ev *core.Event,
	candidate *core.Mitigation,
	stepIdx int,
	decision correlation.Decision,
	safelisted, owned bool,
	now time.Time,
) (*core.Outcome, error) {
	switch decision.Kind {
	case correlation.KindNoOp:
		return &core.Outcome{
			Kind:       core.OutcomeNoOp,
			Event:      ev,
			Mitigation: decision.Target,
			Reason:     "covered_by_existing_scope",
		}, nil

	case correlation.KindExtend:
		return mg.extendMitigation(ctx, tx, snap, ev, decision.Target, now)

	case correlation.KindEscalate:
		return mg.escalateMitigation(ctx, tx, snap, ev, decision.Target, decision.NextStep, safelisted, now)

	case correlation.KindReplace:
		// Withdraw the narrower mitigation first so quota counting sees the
		// net state, then create the union scope.
		if err := mg.withdrawInTx(ctx, tx, decision.Target, "replaced_by_wider_scope", core.ActorSystem, nil, now); err != nil {
			return nil, err
		}
		replacement := rescope(candidate, decision.Ports, snap.Settings.POP)
		return mg.createMitigation(ctx, tx, snap, ev, replacement, stepIdx, safelisted, owned, now, decision.Target)

	case correlation.KindParallel:
		parallel := rescope(candidate, decision.Ports, snap.Settings.POP)
		return mg.createMitigation(ctx, tx, snap, ev, parallel, stepIdx, safelisted, owned, now, nil)

	default: // KindCreate
		return mg.createMitigation(ctx, tx, snap, ev, candidate, stepIdx, safelisted, owned, now, nil)
	}
}

// createMitigation validates the candidate and writes it with pending
// announcement rows. withdrawn, when non-nil, is the mitigation replaced in
// this transaction and is reported alongside the new one.
func (mg *Manager) createMitigation(
	ctx context.Context,
	tx storage.ScopeTx,
	snap *config.Snapshot,
	ev *core.Event,
	candidate *core.Mitigation,
	stepIdx int,
	safelisted, owned bool,
	now time.Time,
	withdrawn *core.Mitigation,
) (*core.Outcome, error) {
	counts, err := tx.CountActive(ctx, candidate.CustomerID, candidate.POP)
	if err != nil {
		return nil, err
	}

	if reject := guardrails.Check(guardrails.Input{
		Event:      ev,
		Candidate:  candidate,
		Snapshot:   snap,
		Safelisted: safelisted,
		Counts:     counts,
		Owned:      owned,
	}); reject != nil {
		// Safelist immunity: a safelisted victim never gets a mitigation
		// row, only the audit trail.
		if reject.Reason == core.RejectSafelisted {
			return mg.rejectEvent(ctx, tx, ev, reject, now)
		}
		return mg.rejectMitigation(ctx, tx, ev, candidate, reject, now)
	}

	dryRun := snap.Settings.Mode == config.ModeDryRun
	if dryRun {
		// Dry-run records the decision but never announces: the mitigation
		// is terminal on arrival.
		candidate.Status = core.StatusExpired
		if candidate.Details == nil {
			candidate.Details = map[string]any{}
		}
		candidate.Details["dry_run"] = true
	}
	candidate.PlaybookStep = stepIdx

	if err := tx.InsertMitigation(ctx, candidate); err != nil {
		return nil, err
	}

	if !dryRun {
		if err := mg.insertAnnouncementRows(ctx, tx, snap, candidate, now); err != nil {
			return nil, err
		}
	}

	if err := tx.InsertAudit(ctx, auditEntry(core.ActorDetector, &ev.Source, core.AuditMitigationCreated,
		"mitigation", candidate.ID.String(), map[string]any{
			"scope_hash": candidate.ScopeHash,
			"victim_ip":  candidate.VictimIP.String(),
			"vector":     string(candidate.Vector),
			"action":     string(candidate.Action.Type),
			"dry_run":    dryRun,
		}, now)); err != nil {
		return nil, err
	}

	outcome := &core.Outcome{Kind: core.OutcomeAccepted, Event: ev, Mitigation: candidate}
	if withdrawn != nil {
		outcome.Extra = []*core.Mitigation{withdrawn}
	}
	return outcome, nil
}

// extendMitigation pushes the target's expiry forward, clamped to max_ttl
// from creation. Same-scope guardrail state (safelist, ownership) was
// validated when the mitigation was created.
func (mg *Manager) extendMitigation(ctx context.Context, tx storage.ScopeTx, snap *config.Snapshot, ev *core.Event, target *core.Mitigation, now time.Time) (*core.Outcome, error) {
	pb := snap.Playbooks.ForVector(target.Vector)
	step := pb.Steps[clampStep(target.PlaybookStep, len(pb.Steps))]

	proposed := now.Add(step.TTL())
	if proposed.After(target.ExpiresAt) {
		target.ExpiresAt = proposed
	}
	maxExpiry := target.CreatedAt.Add(snap.Settings.Timers.MaxTTL())
	if target.ExpiresAt.After(maxExpiry) {
		target.ExpiresAt = maxExpiry
	}
	target.LastEventID = ev.EventID
	target.UpdatedAt = now

	if err := tx.UpdateMitigation(ctx, target); err != nil {
		return nil, err
	}
	if err := tx.InsertAudit(ctx, auditEntry(core.ActorDetector, &ev.Source, core.AuditTTLExtended,
		"mitigation", target.ID.String(), map[string]any{
			"expires_at": target.ExpiresAt,
			"event_id":   ev.EventID.String(),
		}, now)); err != nil {
		return nil, err
	}

	return &core.Outcome{Kind: core.OutcomeExtended, Event: ev, Mitigation: target}, nil
}

// escalateMitigation moves the target to the next playbook step: new action
// and rate, extended TTL, and every per-peer announcement re-armed with the
// new action.
func (mg *Manager) escalateMitigation(
	ctx context.Context,
	tx storage.ScopeTx,
	snap *config.Snapshot,
	ev *core.Event,
	target *core.Mitigation,
	nextStep int,
	safelisted bool,
	now time.Time,
) (*core.Outcome, error) {
	// Escalation changes the action, not the count or the scope; quota
	// guardrails do not apply, but the safelist may have gained the victim
	// since creation.
	if safelisted {
		reject := core.Rejectf(core.RejectSafelisted, "victim_ip %s is safelisted", ev.VictimIP)
		return mg.rejectEvent(ctx, tx, ev, reject, now)
	}

	pb := snap.Playbooks.ForVector(target.Vector)
	step := pb.Steps[clampStep(nextStep, len(pb.Steps))]

	priorID := target.ID
	target.Status = core.StatusEscalated
	target.PlaybookStep = nextStep
	target.Action = policy.StepAction(step)
	target.EscalatedFromID = &priorID
	target.LastEventID = ev.EventID
	target.UpdatedAt = now

	proposed := now.Add(step.TTL())
	if proposed.After(target.ExpiresAt) {
		target.ExpiresAt = proposed
	}
	maxExpiry := target.CreatedAt.Add(snap.Settings.Timers.MaxTTL())
	if target.ExpiresAt.After(maxExpiry) {
		target.ExpiresAt = maxExpiry
	}

	if err := tx.UpdateMitigation(ctx, target); err != nil {
		return nil, err
	}

	// One announcement row per (mitigation, peer): the rows flip back to
	// pending carrying the new action. The NLRI is unchanged; announcing it
	// again replaces the old path, swapping the traffic-rate community.
	anns, err := tx.AnnouncementsFor(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range anns {
		a.Action = target.Action
		a.Status = core.AnnouncementPending
		a.AnnouncedAt = nil
		a.UpdatedAt = now
		if err := tx.UpdateAnnouncement(ctx, a); err != nil {
			return nil, err
		}
	}

	if err := tx.InsertAudit(ctx, auditEntry(core.ActorSystem, nil, core.AuditMitigationEscalated,
		"mitigation", target.ID.String(), map[string]any{
			"step":   nextStep,
			"action": string(target.Action.Type),
			"event_id": ev.EventID.String(),
		}, now)); err != nil {
		return nil, err
	}

	return &core.Outcome{Kind: core.OutcomeEscalated, Event: ev, Mitigation: target}, nil
}

// rejectMitigation persists a rejected mitigation row and the guardrail
// audit. Rejected mitigations are terminal and never announced.
func (mg *Manager) rejectMitigation(ctx context.Context, tx storage.ScopeTx, ev *core.Event, candidate *core.Mitigation, reject *core.RejectError, now time.Time) (*core.Outcome, error) {
	reason := reject.Reason
	candidate.Status = core.StatusRejected
	candidate.RejectionReason = &reason
	candidate.UpdatedAt = now

	if err := tx.InsertMitigation(ctx, candidate); err != nil {
		// The scope may be occupied by the very mitigation that made this
		// candidate redundant; the audit trail still records the rejection.
		if !errors.Is(err, core.ErrConflict) {
			return nil, err
		}
	}
	outcome, err := mg.rejectEvent(ctx, tx, ev, reject, now)
	if err != nil {
		return nil, err
	}
	outcome.Mitigation = candidate
	return outcome, nil
}

// rejectEvent records the guardrail audit and rejection metric without
// touching any mitigation row.
func (mg *Manager) rejectEvent(ctx context.Context, tx storage.ScopeTx, ev *core.Event, reject *core.RejectError, now time.Time) (*core.Outcome, error) {
	if err := tx.InsertAudit(ctx, auditEntry(core.ActorSystem, nil, core.AuditGuardrailReject,
		"event", ev.EventID.String(), map[string]any{
			"reason":    reject.Reason,
			"detail":    reject.Detail,
			"victim_ip": ev.VictimIP.String(),
		}, now)); err != nil {
		return nil, err
	}
	if mg.metrics != nil {
		mg.metrics.GuardrailRejections.WithLabelValues(reject.Reason).Inc()
	}
	return &core.Outcome{Kind: core.OutcomeRejected, Event: ev, Reason: reject.Reason}, nil
}

// insertAnnouncementRows creates one pending announcement per configured
// peer.
func (mg *Manager) insertAnnouncementRows(ctx context.Context, tx storage.ScopeTx, snap *config.Snapshot, m *core.Mitigation, now time.Time) error {
	nlri := flowspec.FromMatch(m.Match)
	raw, err := nlri.Encode()
	if err != nil {
		return fmt.Errorf("encode nlri: %w", err)
	}
	hash := flowspec.HashBytes(raw)

	for _, peer := range announceTargets(snap) {
		a := &core.Announcement{
			ID:           uuid.New(),
			MitigationID: m.ID,
			POP:          m.POP,
			PeerName:     peer.Name,
			PeerAddress:  peer.Address,
			NLRIHash:     hash,
			NLRI:         raw,
			Action:       m.Action,
			Status:       core.AnnouncementPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertAnnouncement(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// completeAnnouncements performs the announcer calls for a freshly written
// outcome and records per-peer results. The first peer success moves a
// pending mitigation to active.
func (mg *Manager) completeAnnouncements(ctx context.Context, snap *config.Snapshot, outcome *core.Outcome) {
	if outcome == nil || outcome.Mitigation == nil {
		return
	}
	m := outcome.Mitigation

	// Withdraw announcer paths for mitigations closed by this decision.
	for _, old := range outcome.Extra {
		mg.withdrawPaths(ctx, snap, old)
	}

	switch outcome.Kind {
	case core.OutcomeAccepted, core.OutcomeEscalated:
	default:
		return
	}
	if m.Status.Terminal() {
		return // dry-run or rejected
	}

	anns, err := mg.repo.AnnouncementsForMitigation(ctx, m.ID)
	if err != nil {
		mg.logger.Error("Failed to load announcements after commit", "mitigation_id", m.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	announcedAny := false
	nlri := flowspec.FromMatch(m.Match)

	for _, a := range anns {
		if a.Status != core.AnnouncementPending {
			continue
		}
		err := mg.announcer.Announce(ctx, a.PeerName, nlri, m.Action)
		a.UpdatedAt = now
		if err != nil {
			errStr := err.Error()
			a.Status = core.AnnouncementFailed
			a.LastError = &errStr
			a.RetryCount++
			mg.logger.Warn("Announce failed; reconciliation will retry",
				"mitigation_id", m.ID, "peer", a.PeerName, "error", err)
		} else {
			a.Status = core.AnnouncementAnnounced
			announcedAt := now
			a.AnnouncedAt = &announcedAt
			a.LastError = nil
			announcedAny = true
		}
		if uerr := mg.repo.UpdateAnnouncement(ctx, a); uerr != nil {
			mg.logger.Error("Failed to update announcement row", "announcement_id", a.ID, "error", uerr)
		}
	}

	// First peer success activates a pending mitigation.
	if announcedAny && m.Status == core.StatusPending {
		err := mg.repo.InScope(ctx, m.ScopeHash, m.POP, func(tx storage.ScopeTx) error {
			current, err := tx.CurrentForScope(ctx, m.ScopeHash, m.POP)
			if err != nil || current == nil || current.ID != m.ID {
				return err
			}
			current.Status = core.StatusActive
			current.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateMitigation(ctx, current); err != nil {
				return err
			}
			*m = *current
			return nil
		})
		if err != nil {
			mg.logger.Error("Failed to activate mitigation", "mitigation_id", m.ID, "error", err)
		}
	}
}

// withdrawPaths removes a closed mitigation's NLRI from every peer and
// closes its announcement rows.
func (mg *Manager) withdrawPaths(ctx context.Context, snap *config.Snapshot, m *core.Mitigation) {
	anns, err := mg.repo.AnnouncementsForMitigation(ctx, m.ID)
	if err != nil {
		mg.logger.Error("Failed to load announcements for withdrawal", "mitigation_id", m.ID, "error", err)
		return
	}
	nlri := flowspec.FromMatch(m.Match)
	now := time.Now().UTC()

	for _, a := range anns {
		// Rows are usually already closed in the transaction; the path on
		// the speaker still has to go.
		if err := mg.announcer.Withdraw(ctx, a.PeerName, nlri); err != nil {
			mg.logger.Warn("Withdraw failed; reconciliation will remove the stale path",
				"mitigation_id", m.ID, "peer", a.PeerName, "error", err)
			continue
		}
		if a.Status != core.AnnouncementWithdrawn {
			a.Status = core.AnnouncementWithdrawn
			withdrawnAt := now
			a.WithdrawnAt = &withdrawnAt
			a.UpdatedAt = now
			if uerr := mg.repo.UpdateAnnouncement(ctx, a); uerr != nil {
				mg.logger.Error("Failed to close announcement row", "announcement_id", a.ID, "error", uerr)
			}
		}
	}
}

// finish records metrics and publishes the outcome to the broadcast bus.
func (mg *Manager) finish(ev *core.Event, outcome *core.Outcome) *core.Outcome {
	if mg.metrics != nil {
		mg.metrics.IngestOutcomes.WithLabelValues(string(outcome.Kind)).Inc()
	}
	if key, ok := dedupeKey(ev); ok && ev.Action == core.EventActionBan && outcome.Kind != core.OutcomeNoOp {
		mg.dedupe.Add(key, outcome.Kind)
	}

	mg.publisher.PublishEvent(ev, outcome.Kind)
	if outcome.Mitigation != nil {
		switch outcome.Kind {
		case core.OutcomeAccepted:
			mg.publisher.PublishMitigation(realtime.KindMitigationCreated, outcome.Mitigation)
		case core.OutcomeExtended, core.OutcomeEscalated:
			mg.publisher.PublishMitigation(realtime.KindMitigationUpdated, outcome.Mitigation)
		case core.OutcomeWithdrawn:
			mg.publisher.PublishMitigation(realtime.KindMitigationWithdrawn, outcome.Mitigation)
		}
	}
	for _, extra := range outcome.Extra {
		mg.publisher.PublishMitigation(realtime.KindMitigationWithdrawn, extra)
	}
	return outcome
}

// rescope rebuilds a candidate over a different port set, recomputing the
// scope hash and match.
func rescope(candidate *core.Mitigation, ports []uint16, pop string) *core.Mitigation {
	c := *candidate
	c.ID = uuid.New()
	c.Match.DstPorts = core.NormalizePorts(ports)
	c.ScopeHash = core.ScopeHash(c.VictimIP, c.Match.Protocol, c.Match.DstPorts, pop)
	return &c
}

func clampStep(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func dedupeKey(ev *core.Event) (string, bool) {
	if ev.ExternalEventID == nil || *ev.ExternalEventID == "" {
		return "", false
	}
	return ev.Source + "\x00" + *ev.ExternalEventID, true
}

func auditEntry(actor core.ActorType, actorID *string, action, targetType, targetID string, details map[string]any, now time.Time) *core.AuditEntry {
	return &core.AuditEntry{
		ID:         uuid.New(),
		Timestamp:  now,
		ActorType:  actor,
		ActorID:    actorID,
		Action:     action,
		TargetType: &targetType,
		TargetID:   &targetID,
		Details:    details,
	}
}

func announceTargets(snap *config.Snapshot) []config.PeerConfig {
	peers := snap.Settings.BGP.Peers
	if len(peers) == 0 {
		return []config.PeerConfig{{Name: "mock", Address: "127.0.0.1"}}
	}
	return peers
}
