package core

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePorts(t *testing.T) {
	tests := []struct {
		name  string
		input []uint16
		want  []uint16
	}{
		{"nil", nil, nil},
		{"empty", []uint16{}, nil},
		{"already sorted", []uint16{53, 80}, []uint16{53, 80}},
		{"unsorted", []uint16{443, 80}, []uint16{80, 443}},
		{"duplicates", []uint16{80, 443, 80}, []uint16{80, 443}},
		{"all duplicates", []uint16{53, 53, 53}, []uint16{53}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePorts(tt.input))
		})
	}
}

func TestScopeHashStability(t *testing.T) {
	ip := netip.MustParseAddr("203.0.113.10")

	// Order and duplicates must not affect the hash.
	a := ScopeHash(ip, nil, []uint16{80, 443, 80}, "ams1")
	b := ScopeHash(ip, nil, []uint16{443, 80}, "ams1")
	assert.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestScopeHashDiscriminates(t *testing.T) {
	ip := netip.MustParseAddr("203.0.113.10")
	udp := uint8(17)
	tcp := uint8(6)

	base := ScopeHash(ip, &udp, []uint16{53}, "ams1")

	assert.NotEqual(t, base, ScopeHash(netip.MustParseAddr("203.0.113.11"), &udp, []uint16{53}, "ams1"))
	assert.NotEqual(t, base, ScopeHash(ip, &tcp, []uint16{53}, "ams1"))
	assert.NotEqual(t, base, ScopeHash(ip, nil, []uint16{53}, "ams1"))
	assert.NotEqual(t, base, ScopeHash(ip, &udp, []uint16{54}, "ams1"))
	assert.NotEqual(t, base, ScopeHash(ip, &udp, []uint16{53}, "fra1"))
}

func TestMitigationStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusEscalated.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusWithdrawn.Terminal())
	assert.True(t, StatusRejected.Terminal())
}
