package guardrails

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	inv, err := config.ParseInventory([]byte(`
customers:
  - customer_id: acme
    services:
      - service_id: acme-dns
        allowed_ports:
          udp: [53]
        assets: [{ip: 203.0.113.10}]
`))
	require.NoError(t, err)
	pb, err := config.ParsePlaybooks([]byte(`
playbooks:
  unknown:
    steps:
      - action: police
        rate_bps: 1000000000
        ttl_seconds: 600
        confidence_min: 0.5
`))
	require.NoError(t, err)

	return &config.Snapshot{
		Settings: &config.Settings{
			POP:  "ams1",
			Mode: config.ModeEnforced,
			Timers: config.TimersConfig{
				MinTTLSeconds: 60,
				MaxTTLSeconds: 3600,
			},
			Guardrails: config.GuardrailsConfig{
				MaxPorts:       8,
				MaxPerCustomer: 2,
				MaxPerPOP:      5,
				MaxGlobal:      10,
			},
		},
		Inventory: inv,
		Playbooks: pb,
		LoadedAt:  time.Now(),
	}
}

func baseInput(t *testing.T) Input {
	t.Helper()
	now := time.Now().UTC()
	victim := netip.MustParseAddr("203.0.113.10")
	customer := "acme"
	service := "acme-dns"

	return Input{
		Event: &core.Event{
			VictimIP:   victim,
			Vector:     core.VectorUDPFlood,
			Confidence: 0.9,
			Action:     core.EventActionBan,
		},
		Candidate: &core.Mitigation{
			VictimIP:   victim,
			CustomerID: &customer,
			ServiceID:  &service,
			POP:        "ams1",
			Match: core.Match{
				DstPrefix: netip.PrefixFrom(victim, 32),
				DstPorts:  []uint16{53},
			},
			Action:    core.Action{Type: core.ActionPolice, RateBPS: 1_000_000_000},
			CreatedAt: now,
			ExpiresAt: now.Add(10 * time.Minute),
		},
		Snapshot: testSnapshot(t),
		Owned:    true,
	}
}

func TestCheckPasses(t *testing.T) {
	assert.Nil(t, Check(baseInput(t)))
}

func TestCheckRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		reason string
	}{
		{
			"ipv6 victim",
			func(in *Input) {
				v6 := netip.MustParseAddr("2001:db8::1")
				in.Event.VictimIP = v6
				in.Candidate.VictimIP = v6
				in.Candidate.Match.DstPrefix = netip.PrefixFrom(v6, 128)
			},
			core.RejectIPv6NotSupported,
		},
		{
			"prefix mismatch",
			func(in *Input) {
				in.Candidate.Match.DstPrefix = netip.MustParsePrefix("203.0.113.11/32")
			},
			core.RejectPrefixMismatch,
		},
		{
			"unknown asset",
			func(in *Input) { in.Owned = false },
			core.RejectUnknownAsset,
		},
		{
			"safelisted",
			func(in *Input) { in.Safelisted = true },
			core.RejectSafelisted,
		},
		{
			"too many ports",
			func(in *Input) {
				in.Candidate.Match.DstPorts = []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9}
			},
			core.RejectTooManyPorts,
		},
		{
			"missing ttl",
			func(in *Input) { in.Candidate.ExpiresAt = time.Time{} },
			core.RejectTTLMissing,
		},
		{
			"ttl below minimum",
			func(in *Input) {
				in.Candidate.ExpiresAt = in.Candidate.CreatedAt.Add(10 * time.Second)
			},
			core.RejectTTLOutOfRange,
		},
		{
			"ttl above maximum",
			func(in *Input) {
				in.Candidate.ExpiresAt = in.Candidate.CreatedAt.Add(48 * time.Hour)
			},
			core.RejectTTLOutOfRange,
		},
		{
			"customer quota",
			func(in *Input) { in.Counts = storage.Counts{Customer: 2} },
			core.RejectQuotaCustomer,
		},
		{
			"pop quota",
			func(in *Input) { in.Counts = storage.Counts{POP: 5} },
			core.RejectQuotaPOP,
		},
		{
			"global quota",
			func(in *Input) { in.Counts = storage.Counts{Global: 10} },
			core.RejectQuotaGlobal,
		},
		{
			"police without rate",
			func(in *Input) { in.Candidate.Action = core.Action{Type: core.ActionPolice} },
			core.RejectInvalidRate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput(t)
			tt.mutate(&in)
			reject := Check(in)
			require.NotNil(t, reject)
			assert.Equal(t, tt.reason, reject.Reason)
		})
	}
}

func TestCheckAllowsUnknownAssetWhenConfigured(t *testing.T) {
	in := baseInput(t)
	in.Owned = false
	in.Snapshot.Settings.Guardrails.AllowUnknownAssets = true
	assert.Nil(t, Check(in))
}

// Safelist wins over the port cap: rules apply in order and the first
// failure decides the reason.
func TestCheckOrderSafelistBeforePorts(t *testing.T) {
	in := baseInput(t)
	in.Safelisted = true
	in.Candidate.Match.DstPorts = []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9}
	reject := Check(in)
	require.NotNil(t, reject)
	assert.Equal(t, core.RejectSafelisted, reject.Reason)
}

// Port dedup happens before the cap: nine entries with duplicates are fine.
func TestCheckPortCapAfterDedup(t *testing.T) {
	in := baseInput(t)
	in.Candidate.Match.DstPorts = []uint16{53, 53, 53, 53, 53, 53, 53, 53, 53}
	assert.Nil(t, Check(in))
}
