package memory

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

func strPtr(s string) *string { return &s }

func newEvent(externalID string) *core.Event {
	return &core.Event{
		EventID:         uuid.New(),
		ExternalEventID: strPtr(externalID),
		Source:          "fnm",
		EventTimestamp:  time.Now().UTC(),
		IngestedAt:      time.Now().UTC(),
		VictimIP:        netip.MustParseAddr("203.0.113.10"),
		Vector:          core.VectorUDPFlood,
		Action:          core.EventActionBan,
	}
}

func newMitigation(scope string) *core.Mitigation {
	addr := netip.MustParseAddr("203.0.113.10")
	now := time.Now().UTC()
	return &core.Mitigation{
		ID:        uuid.New(),
		ScopeHash: scope,
		POP:       "ams1",
		VictimIP:  addr,
		Vector:    core.VectorUDPFlood,
		Match:     core.Match{DstPrefix: netip.PrefixFrom(addr, 32)},
		Action:    core.Action{Type: core.ActionDiscard},
		Status:    core.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestInsertEventIdempotent(t *testing.T) {
	repo := New()
	ctx := context.Background()

	ev := newEvent("e1")
	created, existing, err := repo.InsertEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	dup := newEvent("e1")
	created, existing, err = repo.InsertEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, ev.EventID, existing.EventID)

	// Events without an external ID never collide.
	anon := newEvent("")
	anon.ExternalEventID = nil
	created, _, err = repo.InsertEvent(ctx, anon)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestScopeUniqueness(t *testing.T) {
	repo := New()
	ctx := context.Background()

	first := newMitigation("scope-a")
	err := repo.InScope(ctx, "scope-a", "ams1", func(tx storage.ScopeTx) error {
		return tx.InsertMitigation(ctx, first)
	})
	require.NoError(t, err)

	// A second non-terminal mitigation on the same scope is refused.
	second := newMitigation("scope-a")
	err = repo.InScope(ctx, "scope-a", "ams1", func(tx storage.ScopeTx) error {
		return tx.InsertMitigation(ctx, second)
	})
	assert.ErrorIs(t, err, core.ErrConflict)

	// A terminal one is fine.
	third := newMitigation("scope-a")
	third.Status = core.StatusRejected
	err = repo.InScope(ctx, "scope-a", "ams1", func(tx storage.ScopeTx) error {
		return tx.InsertMitigation(ctx, third)
	})
	assert.NoError(t, err)
}

func TestSafelistContainment(t *testing.T) {
	repo := New()
	ctx := context.Background()

	require.NoError(t, repo.AddSafelistEntry(ctx, &core.SafelistEntry{
		Prefix:  netip.MustParsePrefix("203.0.113.0/24"),
		AddedAt: time.Now().UTC(),
		AddedBy: "ops",
	}))

	hit, err := repo.IsSafelisted(ctx, netip.MustParseAddr("203.0.113.200"))
	require.NoError(t, err)
	assert.True(t, hit)

	miss, err := repo.IsSafelisted(ctx, netip.MustParseAddr("198.51.100.1"))
	require.NoError(t, err)
	assert.False(t, miss)
}

func TestSafelistExpiry(t *testing.T) {
	repo := New()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.AddSafelistEntry(ctx, &core.SafelistEntry{
		Prefix:    netip.MustParsePrefix("203.0.113.0/24"),
		AddedAt:   past.Add(-time.Hour),
		AddedBy:   "ops",
		ExpiresAt: &past,
	}))

	hit, err := repo.IsSafelisted(ctx, netip.MustParseAddr("203.0.113.1"))
	require.NoError(t, err)
	assert.False(t, hit, "expired entries do not match")

	removed, err := repo.PruneExpiredSafelist(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := repo.ListSafelist(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListMitigationsFilterAndPaging(t *testing.T) {
	repo := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := newMitigation(uuid.NewString())
		if i%2 == 0 {
			m.Status = core.StatusExpired
		}
		m.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		err := repo.InScope(ctx, m.ScopeHash, m.POP, func(tx storage.ScopeTx) error {
			return tx.InsertMitigation(ctx, m)
		})
		require.NoError(t, err)
	}

	active, count, err := repo.ListMitigations(ctx, storage.MitigationFilter{
		Statuses: []core.MitigationStatus{core.StatusActive},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, active, 2)

	page, count, err := repo.ListMitigations(ctx, storage.MitigationFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Len(t, page, 1)
}

func TestPOPStatsIncludesLocal(t *testing.T) {
	repo := New()
	stats, err := repo.POPStats(context.Background(), "ams1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "ams1", stats[0].POP)
	assert.Zero(t, stats[0].TotalMitigations)
}
