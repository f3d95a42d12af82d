package flowspec

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/core"
)

func u8(v uint8) *uint8 { return &v }

func TestEncodeDestinationOnly(t *testing.T) {
	n := &NLRI{DstPrefix: netip.MustParsePrefix("203.0.113.10/32")}
	raw, err := n.Encode()
	require.NoError(t, err)

	// length, type 1, /32, 4 address octets
	assert.Equal(t, []byte{6, 1, 32, 203, 0, 113, 10}, raw)
}

func TestEncodeFullFilter(t *testing.T) {
	n := &NLRI{
		DstPrefix: netip.MustParsePrefix("203.0.113.10/32"),
		Protocol:  u8(17),
		DstPorts:  []uint16{53, 123},
	}
	raw, err := n.Encode()
	require.NoError(t, err)

	want := []byte{
		14,                  // nlri length
		1, 32, 203, 0, 113, 10, // type 1: dst 203.0.113.10/32
		3, 0x81, 17, // type 3: proto == 17, end-of-list
		5, 0x01, 53, 0x81, 123, // type 5: port == 53 or == 123 (end)
	}
	assert.Equal(t, want, raw)
}

func TestEncodeWidePort(t *testing.T) {
	n := &NLRI{
		DstPrefix: netip.MustParsePrefix("198.51.100.5/32"),
		DstPorts:  []uint16{4500},
	}
	raw, err := n.Encode()
	require.NoError(t, err)

	// Port 4500 needs the 2-octet value length (0x10) plus end-of-list.
	want := []byte{
		10,
		1, 32, 198, 51, 100, 5,
		5, 0x91, 0x11, 0x94, // 4500 = 0x1194
	}
	assert.Equal(t, want, raw)
}

func TestEncodeRejectsNonHostPrefix(t *testing.T) {
	n := &NLRI{DstPrefix: netip.MustParsePrefix("203.0.113.0/24")}
	_, err := n.Encode()
	assert.Error(t, err)
}

func TestEncodeRejectsIPv6(t *testing.T) {
	n := &NLRI{DstPrefix: netip.MustParsePrefix("2001:db8::1/128")}
	_, err := n.Encode()
	assert.Error(t, err)
}

func TestHashCanonical(t *testing.T) {
	a := FromMatch(core.Match{
		DstPrefix: netip.MustParsePrefix("203.0.113.10/32"),
		DstPorts:  []uint16{443, 80, 443},
	})
	b := FromMatch(core.Match{
		DstPrefix: netip.MustParsePrefix("203.0.113.10/32"),
		DstPorts:  []uint16{80, 443},
	})

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestTrafficRate(t *testing.T) {
	police := TrafficRate(core.Action{Type: core.ActionPolice, RateBPS: 1_000_000_000})
	assert.Equal(t, byte(0x80), police[0])
	assert.Equal(t, byte(0x06), police[1])
	// AS field is always zero.
	assert.Equal(t, byte(0), police[2])
	assert.Equal(t, byte(0), police[3])
	// 1e9 as IEEE-754 float32 big-endian: 0x4E6E6B28
	assert.Equal(t, []byte{0x4e, 0x6e, 0x6b, 0x28}, police[4:])

	discard := TrafficRate(core.Action{Type: core.ActionDiscard})
	assert.Equal(t, []byte{0, 0, 0, 0}, discard[4:])
}
