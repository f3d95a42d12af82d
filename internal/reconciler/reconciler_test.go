package reconciler

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/announcer"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
	"github.com/lance0/prefixd/internal/manager"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/storage"
	"github.com/lance0/prefixd/internal/storage/memory"
)

const testInventory = `
customers:
  - customer_id: acme
    services:
      - service_id: acme-dns
        allowed_ports:
          udp: [53]
        assets: [{ip: 203.0.113.10}]
`

const testPlaybooks = `
playbooks:
  udp_flood:
    steps:
      - action: police
        rate_bps: 1000000000
        ttl_seconds: 600
        confidence_min: 0.5
  unknown:
    steps:
      - action: police
        rate_bps: 2000000000
        ttl_seconds: 300
        confidence_min: 0.5
`

type fixture struct {
	repo *memory.Repository
	mock *announcer.Mock
	mgr  *manager.Manager
	rec  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	inv, err := config.ParseInventory([]byte(testInventory))
	require.NoError(t, err)
	pb, err := config.ParsePlaybooks([]byte(testPlaybooks))
	require.NoError(t, err)

	settings := &config.Settings{
		POP:  "ams1",
		Mode: config.ModeEnforced,
		BGP: config.BGPConfig{
			Mode:  "mock",
			Peers: []config.PeerConfig{{Name: "edge1", Address: "192.0.2.11"}},
		},
		Timers: config.TimersConfig{
			MinTTLSeconds:            60,
			MaxTTLSeconds:            86400,
			ReconcileIntervalSeconds: 30,
		},
		Guardrails: config.GuardrailsConfig{MaxPorts: 8},
	}
	snap := &config.Snapshot{
		Settings:  settings,
		Inventory: inv,
		Playbooks: pb,
		LoadedAt:  time.Now().UTC(),
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	mock := announcer.NewMock(settings.BGP.Peers)
	store := config.NewStaticStore(snap)
	bus := realtime.NewBus(log, nil)

	return &fixture{
		repo: repo,
		mock: mock,
		mgr:  manager.New(repo, mock, store, bus, log, nil),
		rec:  New(repo, mock, store, bus, log, nil),
	}
}

func u8(v uint8) *uint8 { return &v }

func ingest(t *testing.T, f *fixture, externalID string) *core.Mitigation {
	t.Helper()
	outcome, err := f.mgr.Ingest(context.Background(), &core.Event{
		ExternalEventID: strPtr(externalID),
		Source:          "fnm",
		EventTimestamp:  time.Now().UTC(),
		VictimIP:        netip.MustParseAddr("203.0.113.10"),
		Vector:          core.VectorUDPFlood,
		Protocol:        u8(17),
		TopDstPorts:     []uint16{53},
		Confidence:      0.95,
		Action:          core.EventActionBan,
	})
	require.NoError(t, err)
	require.Equal(t, core.OutcomeAccepted, outcome.Kind)
	return outcome.Mitigation
}

// S6: after a speaker restart, one tick restores the missing path and bumps
// retry_count, without duplicating the mitigation.
func TestTickRepairsMissingPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := ingest(t, f, "e1")
	anns, err := f.repo.AnnouncementsForMitigation(ctx, m.ID)
	require.NoError(t, err)
	hash := anns[0].NLRIHash

	// Speaker restart: all paths gone.
	f.mock.DropAll()
	require.False(t, f.mock.HasPath("edge1", hash))

	f.rec.Tick(ctx)

	assert.True(t, f.mock.HasPath("edge1", hash))
	anns, err = f.repo.AnnouncementsForMitigation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, anns[0].RetryCount)
	assert.Equal(t, core.AnnouncementAnnounced, anns[0].Status)

	_, count, err := f.repo.ListMitigations(ctx, storage.MitigationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// Stale paths on the speaker with no desired counterpart are withdrawn.
func TestTickWithdrawsStalePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Inject a path the repository knows nothing about.
	nlri := mustNLRI(t, "198.51.100.99")
	require.NoError(t, f.mock.Announce(ctx, "edge1", nlri, core.Action{Type: core.ActionDiscard}))
	hash, err := nlri.Hash()
	require.NoError(t, err)
	require.True(t, f.mock.HasPath("edge1", hash))

	f.rec.Tick(ctx)
	assert.False(t, f.mock.HasPath("edge1", hash))
}

// Mitigations past their TTL expire, their paths are removed, and they never
// transition again.
func TestTickExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := ingest(t, f, "e1")
	anns, err := f.repo.AnnouncementsForMitigation(ctx, m.ID)
	require.NoError(t, err)
	hash := anns[0].NLRIHash

	// Force the expiry into the past.
	err = f.repo.InScope(ctx, m.ScopeHash, m.POP, func(tx storage.ScopeTx) error {
		current, err := tx.CurrentForScope(ctx, m.ScopeHash, m.POP)
		require.NoError(t, err)
		current.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		return tx.UpdateMitigation(ctx, current)
	})
	require.NoError(t, err)

	f.rec.Tick(ctx)

	expired, err := f.repo.GetMitigation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, expired.Status)
	assert.False(t, f.mock.HasPath("edge1", hash))

	audit, _, err := f.repo.ListAudit(ctx, storage.AuditFilter{Action: core.AuditMitigationExpired})
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	// Idempotent: a second tick changes nothing.
	f.rec.Tick(ctx)
	again, err := f.repo.GetMitigation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusExpired, again.Status)
	assert.Equal(t, expired.UpdatedAt, again.UpdatedAt)
}

// P7: after one tick with a healthy announcer the speaker holds exactly the
// desired paths.
func TestTickConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := ingest(t, f, "e1")
	anns, err := f.repo.AnnouncementsForMitigation(ctx, m.ID)
	require.NoError(t, err)

	f.mock.DropAll()
	stray := mustNLRI(t, "198.51.100.99")
	require.NoError(t, f.mock.Announce(ctx, "edge1", stray, core.Action{Type: core.ActionDiscard}))

	f.rec.Tick(ctx)

	paths, err := f.mock.ListPaths(ctx, "edge1")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, anns[0].NLRIHash, paths[0].NLRIHash)
}

func TestTickRecordsPeerState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.rec.Tick(ctx)
	status := f.rec.Status()
	require.Len(t, status.Peers, 1)
	assert.True(t, status.Peers[0].Established)
	assert.False(t, status.LastTick.IsZero())

	f.mock.SetPeerDown("edge1", true)
	f.rec.Tick(ctx)
	assert.False(t, f.rec.Status().Peers[0].Established)
}

func TestWithdrawAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := ingest(t, f, "e1")
	anns, err := f.repo.AnnouncementsForMitigation(ctx, m.ID)
	require.NoError(t, err)

	require.NoError(t, f.rec.WithdrawAll(ctx))

	withdrawn, err := f.repo.GetMitigation(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusWithdrawn, withdrawn.Status)
	assert.False(t, f.mock.HasPath("edge1", anns[0].NLRIHash))
}

func mustNLRI(t *testing.T, ip string) *flowspec.NLRI {
	t.Helper()
	addr := netip.MustParseAddr(ip)
	return flowspec.FromMatch(core.Match{DstPrefix: netip.PrefixFrom(addr, 32)})
}
