package correlation

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
)

func u8(v uint8) *uint8 { return &v }

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	inv, err := config.ParseInventory([]byte(`
customers:
  - customer_id: acme
    services:
      - service_id: svc
        assets: [{ip: 203.0.113.10}]
  - customer_id: initech
    policy_profile: strict
    services:
      - service_id: vpn
        assets: [{ip: 198.51.100.5}]
`))
	require.NoError(t, err)
	pb, err := config.ParsePlaybooks([]byte(`
playbooks:
  udp_flood:
    steps:
      - action: police
        rate_bps: 500000000
        ttl_seconds: 120
        confidence_min: 0.5
        persistence_min_seconds: 60
        max_escalated_seconds: 3600
      - action: discard
        ttl_seconds: 300
        confidence_min: 0.9
  unknown:
    steps:
      - action: police
        rate_bps: 1000000000
        ttl_seconds: 300
        confidence_min: 0.5
`))
	require.NoError(t, err)

	return &config.Snapshot{
		Settings:  &config.Settings{POP: "ams1"},
		Inventory: inv,
		Playbooks: pb,
	}
}

func mitigation(ip string, protocol *uint8, ports []uint16, createdAgo time.Duration) *core.Mitigation {
	addr := netip.MustParseAddr(ip)
	customer := "acme"
	now := time.Now().UTC()
	return &core.Mitigation{
		ID:         uuid.New(),
		ScopeHash:  core.ScopeHash(addr, protocol, ports, "ams1"),
		POP:        "ams1",
		CustomerID: &customer,
		VictimIP:   addr,
		Vector:     core.VectorUDPFlood,
		Match: core.Match{
			DstPrefix: netip.PrefixFrom(addr, 32),
			Protocol:  protocol,
			DstPorts:  core.NormalizePorts(ports),
		},
		Action:    core.Action{Type: core.ActionPolice, RateBPS: 500_000_000},
		Status:    core.StatusActive,
		CreatedAt: now.Add(-createdAgo),
		ExpiresAt: now.Add(2 * time.Minute),
	}
}

func candidate(ip string, protocol *uint8, ports []uint16) *core.Mitigation {
	return mitigation(ip, protocol, ports, 0)
}

func event(confidence float64) *core.Event {
	return &core.Event{
		EventID:    uuid.New(),
		VictimIP:   netip.MustParseAddr("203.0.113.10"),
		Vector:     core.VectorUDPFlood,
		Confidence: confidence,
	}
}

func TestDecideCreateWhenNoActive(t *testing.T) {
	snap := testSnapshot(t)
	d := Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{53}), nil, snap, time.Now())
	assert.Equal(t, KindCreate, d.Kind)
}

func TestDecideExtendOnExactScope(t *testing.T) {
	snap := testSnapshot(t)
	existing := mitigation("203.0.113.10", u8(17), []uint16{53}, 10*time.Second)
	d := Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{53}),
		[]*core.Mitigation{existing}, snap, time.Now())
	assert.Equal(t, KindExtend, d.Kind)
	assert.Equal(t, existing.ID, d.Target.ID)
}

func TestDecideEscalateAfterPersistence(t *testing.T) {
	snap := testSnapshot(t)
	now := time.Now()

	// 90s old, next-step confidence satisfied: escalate to step 1.
	existing := mitigation("203.0.113.10", u8(17), []uint16{53}, 90*time.Second)
	d := Decide(event(0.95), candidate("203.0.113.10", u8(17), []uint16{53}),
		[]*core.Mitigation{existing}, snap, now)
	assert.Equal(t, KindEscalate, d.Kind)
	assert.Equal(t, 1, d.NextStep)

	// Too young: extend instead.
	young := mitigation("203.0.113.10", u8(17), []uint16{53}, 30*time.Second)
	d = Decide(event(0.95), candidate("203.0.113.10", u8(17), []uint16{53}),
		[]*core.Mitigation{young}, snap, now)
	assert.Equal(t, KindExtend, d.Kind)

	// Confidence below the next step's bar: extend.
	d = Decide(event(0.7), candidate("203.0.113.10", u8(17), []uint16{53}),
		[]*core.Mitigation{existing}, snap, now)
	assert.Equal(t, KindExtend, d.Kind)

	// Past the escalation window: extend.
	old := mitigation("203.0.113.10", u8(17), []uint16{53}, 2*time.Hour)
	d = Decide(event(0.95), candidate("203.0.113.10", u8(17), []uint16{53}),
		[]*core.Mitigation{old}, snap, now)
	assert.Equal(t, KindExtend, d.Kind)
}

func TestDecideNoEscalationForStrictProfile(t *testing.T) {
	snap := testSnapshot(t)
	existing := mitigation("198.51.100.5", u8(17), []uint16{500}, 90*time.Second)
	strict := "initech"
	existing.CustomerID = &strict

	ev := event(0.95)
	ev.VictimIP = netip.MustParseAddr("198.51.100.5")

	d := Decide(ev, candidate("198.51.100.5", u8(17), []uint16{500}),
		[]*core.Mitigation{existing}, snap, time.Now())
	assert.Equal(t, KindExtend, d.Kind)
}

func TestDecidePortRelationships(t *testing.T) {
	snap := testSnapshot(t)
	now := time.Now()
	existing := mitigation("203.0.113.10", u8(17), []uint16{53, 123}, 10*time.Second)

	t.Run("superset replaces with union", func(t *testing.T) {
		d := Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{53, 123, 389}),
			[]*core.Mitigation{existing}, snap, now)
		assert.Equal(t, KindReplace, d.Kind)
		assert.Equal(t, []uint16{53, 123, 389}, d.Ports)
	})

	t.Run("subset is a noop", func(t *testing.T) {
		d := Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{53}),
			[]*core.Mitigation{existing}, snap, now)
		assert.Equal(t, KindNoOp, d.Kind)
	})

	t.Run("overlap creates parallel scope for the remainder", func(t *testing.T) {
		d := Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{123, 389}),
			[]*core.Mitigation{existing}, snap, now)
		assert.Equal(t, KindParallel, d.Kind)
		assert.Equal(t, []uint16{389}, d.Ports)
	})

	t.Run("disjoint creates new", func(t *testing.T) {
		d := Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{389, 636}),
			[]*core.Mitigation{existing}, snap, now)
		assert.Equal(t, KindCreate, d.Kind)
	})

	t.Run("different protocol is unrelated", func(t *testing.T) {
		d := Decide(event(0.8), candidate("203.0.113.10", u8(6), []uint16{53}),
			[]*core.Mitigation{existing}, snap, now)
		assert.Equal(t, KindCreate, d.Kind)
	})
}

func TestDecideMatchAllPorts(t *testing.T) {
	snap := testSnapshot(t)
	now := time.Now()
	existing := mitigation("203.0.113.10", u8(17), []uint16{53}, 10*time.Second)

	// A match-all candidate supersedes any ported scope.
	d := Decide(event(0.8), candidate("203.0.113.10", u8(17), nil),
		[]*core.Mitigation{existing}, snap, now)
	assert.Equal(t, KindReplace, d.Kind)
	assert.Nil(t, d.Ports)

	// A ported candidate is covered by an existing match-all scope.
	matchAll := mitigation("203.0.113.10", u8(17), nil, 10*time.Second)
	d = Decide(event(0.8), candidate("203.0.113.10", u8(17), []uint16{80}),
		[]*core.Mitigation{matchAll}, snap, now)
	assert.Equal(t, KindNoOp, d.Kind)
}
