package announcer

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
)

func u8(v uint8) *uint8 { return &v }

// A path built for the speaker decodes back to the same canonical NLRI hash,
// which is what reconciliation relies on.
func TestPathRoundTrip(t *testing.T) {
	nlri := &flowspec.NLRI{
		DstPrefix: netip.MustParsePrefix("203.0.113.10/32"),
		Protocol:  u8(17),
		DstPorts:  []uint16{53, 123},
	}
	wantHash, err := nlri.Hash()
	require.NoError(t, err)

	path, err := buildPath(nlri, core.Action{Type: core.ActionPolice, RateBPS: 1_000_000_000})
	require.NoError(t, err)

	entry, err := pathToEntry(path)
	require.NoError(t, err)
	assert.Equal(t, wantHash, entry.NLRIHash)
	assert.Equal(t, core.ActionPolice, entry.Action.Type)
	assert.Equal(t, uint64(1_000_000_000), entry.Action.RateBPS)
	require.NotNil(t, entry.NLRI)
	assert.Equal(t, nlri.DstPorts, entry.NLRI.DstPorts)
}

func TestPathRoundTripDiscard(t *testing.T) {
	nlri := &flowspec.NLRI{DstPrefix: netip.MustParsePrefix("203.0.113.10/32")}

	path, err := buildPath(nlri, core.Action{Type: core.ActionDiscard})
	require.NoError(t, err)

	entry, err := pathToEntry(path)
	require.NoError(t, err)
	assert.Equal(t, core.ActionDiscard, entry.Action.Type)
	assert.Zero(t, entry.Action.RateBPS)
}
