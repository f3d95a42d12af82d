// Package flowspec encodes BGP FlowSpec NLRI (RFC 8955) and the traffic-rate
// extended community (RFC 5575 section 7). Only the component types prefixd
// announces are implemented: destination prefix (1), IP protocol (3) and
// destination port (5).
package flowspec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net/netip"

	"github.com/lance0/prefixd/internal/core"
)

// Component types (RFC 8955 section 4.2.2).
const (
	TypeDestinationPrefix = 1
	TypeIPProtocol        = 3
	TypeDestinationPort   = 5
)

// Numeric operator bits (RFC 8955 section 4.2.1.1).
const (
	opEndOfList = 0x80
	opLen2      = 0x10
	opEQ        = 0x01
)

// NLRI is a canonical FlowSpec filter built from a mitigation match. Ports
// are stored deduplicated and sorted so that encoding is deterministic.
type NLRI struct {
	DstPrefix netip.Prefix
	Protocol  *uint8
	DstPorts  []uint16
}

// FromMatch builds a canonical NLRI from a mitigation match.
func FromMatch(m core.Match) *NLRI {
	return &NLRI{
		DstPrefix: m.DstPrefix,
		Protocol:  m.Protocol,
		DstPorts:  core.NormalizePorts(m.DstPorts),
	}
}

// Encode renders the NLRI as RFC 8955 wire bytes, including the leading
// length octet. Components are emitted in ascending type order as the RFC
// requires.
func (n *NLRI) Encode() ([]byte, error) {
	if !n.DstPrefix.Addr().Is4() {
		return nil, fmt.Errorf("flowspec: destination prefix must be IPv4, got %s", n.DstPrefix)
	}
	if n.DstPrefix.Bits() != 32 {
		return nil, fmt.Errorf("flowspec: destination prefix must be /32, got /%d", n.DstPrefix.Bits())
	}

	var body []byte

	// Type 1: destination prefix, length then value, full 4 octets for /32.
	addr := n.DstPrefix.Addr().As4()
	body = append(body, TypeDestinationPrefix, byte(n.DstPrefix.Bits()))
	body = append(body, addr[:]...)

	// Type 3: IP protocol, single equality item. Omitted entirely when the
	// mitigation matches any protocol.
	if n.Protocol != nil {
		body = append(body, TypeIPProtocol, opEndOfList|opEQ, *n.Protocol)
	}

	// Type 5: destination ports, OR-ed equality items, end-of-list on the
	// final item.
	if len(n.DstPorts) > 0 {
		body = append(body, TypeDestinationPort)
		for i, port := range n.DstPorts {
			op := byte(opEQ)
			if i == len(n.DstPorts)-1 {
				op |= opEndOfList
			}
			if port > 0xff {
				op |= opLen2
				body = append(body, op, byte(port>>8), byte(port))
			} else {
				body = append(body, op, byte(port))
			}
		}
	}

	if len(body) >= 240 {
		// Two-octet length form; unreachable with /32 + proto + 8 ports but
		// kept for wire correctness.
		out := make([]byte, 0, len(body)+2)
		out = append(out, 0xf0|byte(len(body)>>8), byte(len(body)))
		return append(out, body...), nil
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(len(body)))
	return append(out, body...), nil
}

// Hash returns the sha256 hex digest of the encoded NLRI. Announcement rows
// and reconciliation compare NLRIs by this hash.
func (n *NLRI) Hash() (string, error) {
	raw, err := n.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes hashes pre-encoded NLRI bytes, for comparing speaker-reported
// paths against stored announcements.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// TrafficRate encodes the traffic-rate extended community for the given
// action. Police carries the rate as an IEEE-754 float32; discard is
// traffic-rate 0.
func TrafficRate(action core.Action) [8]byte {
	var rate float32
	if action.Type == core.ActionPolice {
		rate = float32(action.RateBPS)
	}
	var ec [8]byte
	ec[0] = 0x80 // transitive, experimental
	ec[1] = 0x06 // traffic-rate
	// Octets 2-3: 2-octet AS, always 0 for traffic-rate.
	binary.BigEndian.PutUint32(ec[4:], math.Float32bits(rate))
	return ec
}
