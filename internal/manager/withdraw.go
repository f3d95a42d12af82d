package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/storage"
)

// withdrawInTx marks a mitigation withdrawn and closes its announcement rows
// inside the current scope transaction. Announcer calls happen after commit.
func (mg *Manager) withdrawInTx(ctx context.Context, tx storage.ScopeTx, m *core.Mitigation, reason string, actor core.ActorType, actorID *string, now time.Time) error {
	if m.Status.Terminal() {
		return core.ErrTerminalState
	}
	m.Status = core.StatusWithdrawn
	withdrawnAt := now
	m.WithdrawnAt = &withdrawnAt
	m.Reason = reason
	m.UpdatedAt = now

	if err := tx.UpdateMitigation(ctx, m); err != nil {
		return err
	}

	anns, err := tx.AnnouncementsFor(ctx, m.ID)
	if err != nil {
		return err
	}
	for _, a := range anns {
		if a.Status == core.AnnouncementWithdrawn {
			continue
		}
		a.Status = core.AnnouncementWithdrawn
		aWithdrawn := now
		a.WithdrawnAt = &aWithdrawn
		a.UpdatedAt = now
		if err := tx.UpdateAnnouncement(ctx, a); err != nil {
			return err
		}
	}

	auditAction := core.AuditMitigationWithdrawn
	if reason == "detector_unban" {
		auditAction = core.AuditDetectorUnban
	}
	return tx.InsertAudit(ctx, auditEntry(actor, actorID, auditAction,
		"mitigation", m.ID.String(), map[string]any{
			"reason":    reason,
			"victim_ip": m.VictimIP.String(),
		}, now))
}

// Withdraw is the operator-facing withdrawal of one mitigation.
func (mg *Manager) Withdraw(ctx context.Context, id uuid.UUID, operatorID, reason string) (*core.Mitigation, error) {
	m, err := mg.repo.GetMitigation(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return nil, core.ErrTerminalState
	}
	if reason == "" {
		reason = "operator_withdraw"
	}

	now := time.Now().UTC()
	err = mg.repo.InScope(ctx, m.ScopeHash, m.POP, func(tx storage.ScopeTx) error {
		current, err := tx.CurrentForScope(ctx, m.ScopeHash, m.POP)
		if err != nil {
			return err
		}
		if current == nil || current.ID != m.ID {
			return core.ErrTerminalState
		}
		*m = *current
		return mg.withdrawInTx(ctx, tx, m, reason, core.ActorOperator, &operatorID, now)
	})
	if err != nil {
		return nil, err
	}

	snap := mg.cfg.Load()
	mg.withdrawPaths(ctx, snap, m)
	mg.publisher.PublishMitigation(realtime.KindMitigationWithdrawn, m)
	return m, nil
}

// handleUnbanByExternalID resolves a detector unban that arrived with a new
// event row: the original ban is located by (source, external_event_id).
func (mg *Manager) handleUnbanByExternalID(ctx context.Context, ev *core.Event, now time.Time) (*core.Outcome, error) {
	if ev.ExternalEventID == nil || *ev.ExternalEventID == "" {
		return mg.unbanNoOp(ctx, ev, "unban_without_external_event_id", now)
	}
	original, err := mg.repo.FindEventByExternalID(ctx, ev.Source, *ev.ExternalEventID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mg.unbanNoOp(ctx, ev, "original_event_not_found", now)
		}
		return nil, err
	}
	if original.EventID == ev.EventID {
		// The unban event itself claimed the external ID; there was never a
		// ban to undo.
		return mg.unbanNoOp(ctx, ev, "original_event_not_found", now)
	}
	return mg.handleUnban(ctx, ev, original, now)
}

// handleUnban withdraws the mitigation created by the original ban event.
func (mg *Manager) handleUnban(ctx context.Context, ev, original *core.Event, now time.Time) (*core.Outcome, error) {
	m, err := mg.repo.MitigationForTriggeringEvent(ctx, original.EventID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return mg.unbanNoOp(ctx, ev, "no_mitigation_for_event", now)
		}
		return nil, err
	}
	if m.Status.Terminal() {
		return mg.unbanNoOp(ctx, ev, "mitigation_already_terminal", now)
	}

	err = mg.repo.InScope(ctx, m.ScopeHash, m.POP, func(tx storage.ScopeTx) error {
		current, err := tx.CurrentForScope(ctx, m.ScopeHash, m.POP)
		if err != nil {
			return err
		}
		if current == nil || current.ID != m.ID {
			return core.ErrTerminalState
		}
		*m = *current
		return mg.withdrawInTx(ctx, tx, m, "detector_unban", core.ActorDetector, &ev.Source, now)
	})
	if err != nil {
		if errors.Is(err, core.ErrTerminalState) {
			return mg.unbanNoOp(ctx, ev, "mitigation_already_terminal", now)
		}
		return nil, fmt.Errorf("withdraw for unban: %w", err)
	}

	snap := mg.cfg.Load()
	mg.withdrawPaths(ctx, snap, m)
	return mg.finish(ev, &core.Outcome{Kind: core.OutcomeWithdrawn, Event: ev, Mitigation: m}), nil
}

// unbanNoOp records an audit entry for an unban that matched nothing.
func (mg *Manager) unbanNoOp(ctx context.Context, ev *core.Event, reason string, now time.Time) (*core.Outcome, error) {
	if err := mg.repo.InsertAudit(ctx, auditEntry(core.ActorDetector, &ev.Source, core.AuditUnbanNoOp,
		"event", ev.EventID.String(), map[string]any{
			"reason":    reason,
			"victim_ip": ev.VictimIP.String(),
		}, now)); err != nil {
		return nil, err
	}
	return mg.finish(ev, &core.Outcome{Kind: core.OutcomeNoOp, Event: ev, Reason: reason}), nil
}
