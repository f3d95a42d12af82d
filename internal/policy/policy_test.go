package policy

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
      - service_id: acme-dns
        allowed_ports:
          udp: [53, 123]
          tcp: [53]
        assets: [{ip: 203.0.113.10}]
`))
	require.NoError(t, err)
	pb, err := config.ParsePlaybooks([]byte(`
playbooks:
  udp_flood:
    steps:
      - action: police
        rate_bps: 1000000000
        ttl_seconds: 600
        confidence_min: 0.5
      - action: discard
        ttl_seconds: 1800
        confidence_min: 0.9
  unknown:
    steps:
      - action: police
        rate_bps: 2000000000
        ttl_seconds: 300
        confidence_min: 0.7
`))
	require.NoError(t, err)

	return &config.Snapshot{
		Settings:  &config.Settings{POP: "ams1"},
		Inventory: inv,
		Playbooks: pb,
	}
}

func TestSelectStep(t *testing.T) {
	pb := &config.Playbook{Steps: []config.Step{
		{ConfidenceMin: 0.5},
		{ConfidenceMin: 0.9},
	}}
	assert.Equal(t, 0, SelectStep(pb, 0.6))
	assert.Equal(t, 0, SelectStep(pb, 0.95)) // first matching step, not highest
	assert.Equal(t, 0, SelectStep(pb, 0.1))  // nothing matches: playbook default
}

func TestMatchPortsIntersection(t *testing.T) {
	snap := testSnapshot(t)
	owner, ok := snap.Inventory.OwnerOf(netip.MustParseAddr("203.0.113.10"))
	require.True(t, ok)

	tests := []struct {
		name     string
		protocol *uint8
		ports    []uint16
		want     []uint16
	}{
		{"udp intersect", u8(17), []uint16{53, 80}, []uint16{53}},
		{"udp multiple", u8(17), []uint16{123, 53}, []uint16{53, 123}},
		{"empty intersection falls back to all ports", u8(17), []uint16{80, 443}, nil},
		{"no protocol uses any allowed port", nil, []uint16{53, 80}, []uint16{53}},
		{"icmp has no ports", u8(1), []uint16{53}, nil},
		{"no event ports", u8(17), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &core.Event{
				VictimIP:    netip.MustParseAddr("203.0.113.10"),
				Protocol:    tt.protocol,
				TopDstPorts: tt.ports,
			}
			assert.Equal(t, tt.want, MatchPorts(ev, &owner))
		})
	}
}

func TestMatchPortsUnknownOwner(t *testing.T) {
	ev := &core.Event{TopDstPorts: []uint16{8080, 80}}
	assert.Equal(t, []uint16{80, 8080}, MatchPorts(ev, nil))
}

func TestPropose(t *testing.T) {
	snap := testSnapshot(t)
	owner, _ := snap.Inventory.OwnerOf(netip.MustParseAddr("203.0.113.10"))
	now := time.Now().UTC()

	ev := &core.Event{
		EventID:     uuid.New(),
		Source:      "fnm",
		VictimIP:    netip.MustParseAddr("203.0.113.10"),
		Vector:      core.VectorUDPFlood,
		Protocol:    u8(17),
		TopDstPorts: []uint16{53},
		Confidence:  0.95,
	}

	m, step := Propose(ev, snap, &owner, now)
	assert.Equal(t, 0, step)
	assert.Equal(t, core.StatusPending, m.Status)
	assert.Equal(t, "ams1", m.POP)
	assert.Equal(t, "203.0.113.10/32", m.Match.DstPrefix.String())
	assert.Equal(t, []uint16{53}, m.Match.DstPorts)
	assert.Equal(t, core.ActionPolice, m.Action.Type)
	assert.Equal(t, uint64(1_000_000_000), m.Action.RateBPS)
	assert.Equal(t, now.Add(10*time.Minute), m.ExpiresAt)
	assert.Equal(t, ev.EventID, m.TriggeringEventID)
	assert.Equal(t, ev.EventID, m.LastEventID)
	require.NotNil(t, m.CustomerID)
	assert.Equal(t, "acme", *m.CustomerID)

	// Scope hash is stable for the same canonical tuple.
	m2, _ := Propose(ev, snap, &owner, now)
	assert.Equal(t, m.ScopeHash, m2.ScopeHash)
	assert.NotEqual(t, m.ID, m2.ID)
}

func TestProposeUnknownVectorFallsBack(t *testing.T) {
	snap := testSnapshot(t)
	now := time.Now().UTC()

	ev := &core.Event{
		VictimIP:   netip.MustParseAddr("203.0.113.10"),
		Vector:     core.VectorICMPFlood, // no explicit playbook
		Confidence: 0.8,
	}
	m, _ := Propose(ev, snap, nil, now)
	assert.Equal(t, uint64(2_000_000_000), m.Action.RateBPS)
	assert.Equal(t, now.Add(5*time.Minute), m.ExpiresAt)
}
