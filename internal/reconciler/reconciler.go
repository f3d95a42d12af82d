// Package reconciler drives the speaker's actual state toward the
// repository's desired state: TTL expiry, re-announcement of missing paths,
// withdrawal of stale paths, and per-peer session bookkeeping. The loop is
// idempotent; any tick may be re-run after partial failure.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/announcer"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
	"github.com/lance0/prefixd/internal/metrics"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/storage"
)

// Status is the reconciler's operational snapshot for health reporting.
type Status struct {
	LastTick     time.Time             `json:"last_tick"`
	LastDuration time.Duration         `json:"last_duration"`
	LastError    string                `json:"last_error,omitempty"`
	Peers        []announcer.PeerState `json:"peers"`
}

// Reconciler is the periodic convergence loop for the local POP.
type Reconciler struct {
	repo      storage.Repository
	announcer announcer.Announcer
	cfg       *config.Store
	publisher *realtime.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	status Status
}

// New creates a reconciler.
func New(repo storage.Repository, ann announcer.Announcer, cfg *config.Store, bus *realtime.Bus, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		repo:      repo,
		announcer: ann,
		cfg:       cfg,
		publisher: realtime.NewPublisher(bus, realtime.SourceReconciler),
		logger:    logger.With("component", "reconciler"),
		metrics:   m,
	}
}

// Run ticks at the configured interval until ctx is cancelled. The in-flight
// tick completes before Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.Load().Settings.Timers.ReconcileInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Reconciler started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case <-ticker.C:
			// The tick runs against a background context so shutdown does
			// not abort half-applied repairs.
			tickCtx, cancel := context.WithTimeout(context.Background(), interval)
			r.Tick(tickCtx)
			cancel()

			// The interval may have been hot-reloaded.
			if next := r.cfg.Load().Settings.Timers.ReconcileInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				r.logger.Info("Reconcile interval updated", "interval", interval)
			}
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	snap := r.cfg.Load()
	pop := snap.Settings.POP

	var tickErr error
	if err := r.expire(ctx, snap, pop); err != nil {
		tickErr = err
		r.logger.Error("Expiry pass failed", "error", err)
	}
	if _, err := r.repo.PruneExpiredSafelist(ctx, time.Now().UTC()); err != nil {
		r.logger.Warn("Safelist prune failed", "error", err)
	}
	if err := r.converge(ctx, snap, pop); err != nil {
		tickErr = err
		r.logger.Error("Convergence pass failed", "error", err)
	}
	peers := r.peerStates(ctx)
	r.updateGauges(ctx, pop)

	duration := time.Since(start)
	r.mu.Lock()
	r.status = Status{
		LastTick:     start.UTC(),
		LastDuration: duration,
		Peers:        peers,
	}
	if tickErr != nil {
		r.status.LastError = tickErr.Error()
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ReconcileTicks.Inc()
		r.metrics.ReconcileDuration.Observe(duration.Seconds())
	}
}

// Status returns the last tick's operational snapshot.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// expire transitions mitigations past their TTL to expired and removes their
// paths from the speaker.
func (r *Reconciler) expire(ctx context.Context, snap *config.Snapshot, pop string) error {
	now := time.Now().UTC()
	due, err := r.repo.ExpiredMitigations(ctx, pop, now)
	if err != nil {
		return err
	}

	for _, m := range due {
		m := m
		err := r.repo.InScope(ctx, m.ScopeHash, pop, func(tx storage.ScopeTx) error {
			current, err := tx.CurrentForScope(ctx, m.ScopeHash, pop)
			if err != nil {
				return err
			}
			if current == nil || current.ID != m.ID || current.Status.Terminal() {
				return nil // already handled by a concurrent actor
			}
			current.Status = core.StatusExpired
			current.UpdatedAt = now
			if err := tx.UpdateMitigation(ctx, current); err != nil {
				return err
			}

			anns, err := tx.AnnouncementsFor(ctx, current.ID)
			if err != nil {
				return err
			}
			for _, a := range anns {
				if a.Status == core.AnnouncementWithdrawn {
					continue
				}
				a.Status = core.AnnouncementWithdrawn
				withdrawnAt := now
				a.WithdrawnAt = &withdrawnAt
				a.UpdatedAt = now
				if err := tx.UpdateAnnouncement(ctx, a); err != nil {
					return err
				}
			}

			*m = *current
			return tx.InsertAudit(ctx, &core.AuditEntry{
				ID:         newUUID(),
				Timestamp:  now,
				ActorType:  core.ActorSystem,
				Action:     core.AuditMitigationExpired,
				TargetType: strPtr("mitigation"),
				TargetID:   strPtr(m.ID.String()),
				Details: map[string]any{
					"victim_ip":  m.VictimIP.String(),
					"expires_at": m.ExpiresAt,
				},
			})
		})
		if err != nil {
			r.logger.Error("Failed to expire mitigation", "mitigation_id", m.ID, "error", err)
			continue
		}
		if m.Status != core.StatusExpired {
			continue
		}

		nlri := flowspec.FromMatch(m.Match)
		for _, peer := range peersOf(snap) {
			if err := r.announcer.Withdraw(ctx, peer.Name, nlri); err != nil {
				r.logger.Warn("Withdraw on expiry failed; stale path sweep will retry",
					"mitigation_id", m.ID, "peer", peer.Name, "error", err)
			}
		}
		if r.metrics != nil {
			r.metrics.ReconcileRepairs.WithLabelValues("expire").Inc()
		}
		r.publisher.PublishMitigation(realtime.KindMitigationExpired, m)
	}
	return nil
}

// converge compares desired announcements with the speaker's actual paths
// per peer: missing paths are re-announced, stale paths withdrawn.
func (r *Reconciler) converge(ctx context.Context, snap *config.Snapshot, pop string) error {
	desired, err := r.repo.NonTerminalAnnouncements(ctx, pop)
	if err != nil {
		return err
	}

	desiredByPeer := make(map[string][]*core.Announcement)
	for _, a := range desired {
		desiredByPeer[a.PeerName] = append(desiredByPeer[a.PeerName], a)
	}

	for _, peer := range peersOf(snap) {
		actual, err := r.announcer.ListPaths(ctx, peer.Name)
		if err != nil {
			r.logger.Warn("list_paths failed; skipping peer this tick", "peer", peer.Name, "error", err)
			continue
		}
		actualByHash := make(map[string]announcer.PathEntry, len(actual))
		for _, p := range actual {
			actualByHash[p.NLRIHash] = p
		}

		wanted := make(map[string]struct{})
		now := time.Now().UTC()

		for _, a := range desiredByPeer[peer.Name] {
			if a.Status == core.AnnouncementWithdrawn {
				continue
			}
			wanted[a.NLRIHash] = struct{}{}
			if _, present := actualByHash[a.NLRIHash]; present {
				// Converged; ensure the row reflects reality.
				if a.Status != core.AnnouncementAnnounced {
					a.Status = core.AnnouncementAnnounced
					announcedAt := now
					a.AnnouncedAt = &announcedAt
					a.LastError = nil
					a.UpdatedAt = now
					if err := r.repo.UpdateAnnouncement(ctx, a); err != nil {
						r.logger.Error("Failed to mark announcement announced", "announcement_id", a.ID, "error", err)
					}
				}
				continue
			}

			// Desired but missing on the speaker: re-announce.
			m, err := r.repo.GetMitigation(ctx, a.MitigationID)
			if err != nil {
				r.logger.Error("Missing mitigation for announcement", "announcement_id", a.ID, "error", err)
				continue
			}
			nlri := flowspec.FromMatch(m.Match)
			announceErr := r.announcer.Announce(ctx, peer.Name, nlri, m.Action)
			a.UpdatedAt = now
			if announceErr != nil {
				errStr := announceErr.Error()
				a.Status = core.AnnouncementFailed
				a.LastError = &errStr
				a.RetryCount++
				r.logger.Warn("Re-announce failed", "peer", peer.Name, "mitigation_id", m.ID, "error", announceErr)
			} else {
				a.Status = core.AnnouncementAnnounced
				announcedAt := now
				a.AnnouncedAt = &announcedAt
				a.LastError = nil
				a.RetryCount++
				if r.metrics != nil {
					r.metrics.ReconcileRepairs.WithLabelValues("reannounce").Inc()
				}
			}
			if err := r.repo.UpdateAnnouncement(ctx, a); err != nil {
				r.logger.Error("Failed to update announcement after repair", "announcement_id", a.ID, "error", err)
			}
		}

		// Present on the speaker but not desired: stale, withdraw.
		for hash, p := range actualByHash {
			if _, ok := wanted[hash]; ok {
				continue
			}
			if p.NLRI == nil {
				r.logger.Warn("Stale path without decodable NLRI; cannot withdraw", "peer", peer.Name, "nlri_hash", hash)
				continue
			}
			if err := r.announcer.Withdraw(ctx, peer.Name, p.NLRI); err != nil {
				r.logger.Warn("Stale path withdraw failed", "peer", peer.Name, "nlri_hash", hash, "error", err)
				continue
			}
			if r.metrics != nil {
				r.metrics.ReconcileRepairs.WithLabelValues("stale_withdraw").Inc()
			}
		}
	}
	return nil
}

// peerStates records per-peer session state for health reporting and
// metrics.
func (r *Reconciler) peerStates(ctx context.Context) []announcer.PeerState {
	states, err := r.announcer.PeerStatus(ctx)
	if err != nil {
		r.logger.Warn("peer_status failed", "error", err)
		return nil
	}
	if r.metrics != nil {
		for _, s := range states {
			v := 0.0
			if s.Established {
				v = 1.0
			}
			r.metrics.BGPSessionUp.WithLabelValues(s.Name).Set(v)
		}
	}
	return states
}

func (r *Reconciler) updateGauges(ctx context.Context, pop string) {
	if r.metrics == nil {
		return
	}
	_, total, err := r.repo.ListMitigations(ctx, storage.MitigationFilter{
		Statuses: core.NonTerminalStatuses,
		POP:      pop,
		Limit:    1,
	})
	if err != nil {
		r.logger.Warn("Failed to count active mitigations", "error", err)
		return
	}
	r.metrics.MitigationsActive.Set(float64(total))
}

// WithdrawAll withdraws every non-terminal mitigation, used on graceful
// shutdown when preserve_announcements_on_shutdown is false.
func (r *Reconciler) WithdrawAll(ctx context.Context) error {
	snap := r.cfg.Load()
	pop := snap.Settings.POP
	now := time.Now().UTC()

	active, _, err := r.repo.ListMitigations(ctx, storage.MitigationFilter{
		Statuses: core.NonTerminalStatuses,
		POP:      pop,
	})
	if err != nil {
		return err
	}

	for _, m := range active {
		m := m
		err := r.repo.InScope(ctx, m.ScopeHash, pop, func(tx storage.ScopeTx) error {
			current, err := tx.CurrentForScope(ctx, m.ScopeHash, pop)
			if err != nil || current == nil || current.ID != m.ID {
				return err
			}
			current.Status = core.StatusWithdrawn
			withdrawnAt := now
			current.WithdrawnAt = &withdrawnAt
			current.Reason = "shutdown"
			current.UpdatedAt = now
			if err := tx.UpdateMitigation(ctx, current); err != nil {
				return err
			}
			anns, err := tx.AnnouncementsFor(ctx, current.ID)
			if err != nil {
				return err
			}
			for _, a := range anns {
				if a.Status == core.AnnouncementWithdrawn {
					continue
				}
				a.Status = core.AnnouncementWithdrawn
				aw := now
				a.WithdrawnAt = &aw
				a.UpdatedAt = now
				if err := tx.UpdateAnnouncement(ctx, a); err != nil {
					return err
				}
			}
			*m = *current
			return tx.InsertAudit(ctx, &core.AuditEntry{
				ID:         newUUID(),
				Timestamp:  now,
				ActorType:  core.ActorSystem,
				Action:     core.AuditMitigationWithdrawn,
				TargetType: strPtr("mitigation"),
				TargetID:   strPtr(m.ID.String()),
				Details:    map[string]any{"reason": "shutdown"},
			})
		})
		if err != nil {
			r.logger.Error("Failed to withdraw on shutdown", "mitigation_id", m.ID, "error", err)
			continue
		}

		nlri := flowspec.FromMatch(m.Match)
		for _, peer := range peersOf(snap) {
			if err := r.announcer.Withdraw(ctx, peer.Name, nlri); err != nil {
				r.logger.Warn("Shutdown withdraw failed", "peer", peer.Name, "mitigation_id", m.ID, "error", err)
			}
		}
	}
	return nil
}

func peersOf(snap *config.Snapshot) []config.PeerConfig {
	peers := snap.Settings.BGP.Peers
	if len(peers) == 0 {
		return []config.PeerConfig{{Name: "mock", Address: "127.0.0.1"}}
	}
	return peers
}

func newUUID() uuid.UUID { return uuid.New() }

func strPtr(s string) *string { return &s }
