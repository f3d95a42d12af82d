package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// NormalizePorts deduplicates and sorts a destination port list. The result
// is the canonical form used for scope hashing and FlowSpec encoding.
func NormalizePorts(ports []uint16) []uint16 {
	if len(ports) == 0 {
		return nil
	}
	seen := make(map[uint16]struct{}, len(ports))
	out := make([]uint16, 0, len(ports))
	for _, p := range ports {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ScopeHash computes the 256-bit digest identifying a mitigation scope within
// a POP. Ports are deduplicated and sorted before hashing, so equal scopes
// with differently ordered port lists hash identically. A nil protocol hashes
// as "any".
func ScopeHash(victimIP netip.Addr, protocol *uint8, ports []uint16, pop string) string {
	proto := "any"
	if protocol != nil {
		proto = fmt.Sprintf("%d", *protocol)
	}
	norm := NormalizePorts(ports)
	parts := make([]string, 0, len(norm))
	for _, p := range norm {
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	canonical := victimIP.String() + "|" + proto + "|" + strings.Join(parts, ",") + "|" + pop
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
