package announcer

import (
	"context"
	"sort"
	"sync"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
)

type mockPath struct {
	action core.Action
	nlri   *flowspec.NLRI
}

// Mock is an in-memory announcer. It records per-peer path sets and supports
// failure injection for tests.
type Mock struct {
	mu    sync.Mutex
	paths map[string]map[string]mockPath // peer -> nlri_hash -> path
	peers []config.PeerConfig
	down  map[string]bool

	// FailAnnounce and FailWithdraw, when set, are returned by the
	// corresponding operations.
	FailAnnounce error
	FailWithdraw error

	// AnnounceCalls and WithdrawCalls count mutating operations.
	AnnounceCalls int
	WithdrawCalls int
}

var _ Announcer = (*Mock)(nil)

// NewMock creates a mock announcer for the given peers. With no peers
// configured a single synthetic peer named "mock" is used so the pipeline
// always has an announcement target.
func NewMock(peers []config.PeerConfig) *Mock {
	if len(peers) == 0 {
		peers = []config.PeerConfig{{Name: "mock", Address: "127.0.0.1"}}
	}
	m := &Mock{
		paths: make(map[string]map[string]mockPath),
		peers: peers,
		down:  make(map[string]bool),
	}
	for _, p := range peers {
		m.paths[p.Name] = make(map[string]mockPath)
	}
	return m
}

// Connect is a no-op.
func (m *Mock) Connect(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *Mock) Close() error { return nil }

// Announce records the NLRI on the peer.
func (m *Mock) Announce(ctx context.Context, peer string, nlri *flowspec.NLRI, action core.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AnnounceCalls++
	if m.FailAnnounce != nil {
		return m.FailAnnounce
	}
	hash, err := nlri.Hash()
	if err != nil {
		return err
	}
	if m.paths[peer] == nil {
		m.paths[peer] = make(map[string]mockPath)
	}
	m.paths[peer][hash] = mockPath{action: action, nlri: nlri}
	return nil
}

// Withdraw removes the NLRI from the peer.
func (m *Mock) Withdraw(ctx context.Context, peer string, nlri *flowspec.NLRI) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WithdrawCalls++
	if m.FailWithdraw != nil {
		return m.FailWithdraw
	}
	hash, err := nlri.Hash()
	if err != nil {
		return err
	}
	delete(m.paths[peer], hash)
	return nil
}

// ListPaths returns the peer's recorded paths.
func (m *Mock) ListPaths(ctx context.Context, peer string) ([]PathEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PathEntry
	for hash, path := range m.paths[peer] {
		out = append(out, PathEntry{NLRIHash: hash, Action: path.action, NLRI: path.nlri})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NLRIHash < out[j].NLRIHash })
	return out, nil
}

// PeerStatus reports every configured peer as established unless marked
// down with SetPeerDown.
func (m *Mock) PeerStatus(ctx context.Context) ([]PeerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerState, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerState{Name: p.Name, Address: p.Address, Established: !m.down[p.Name]})
	}
	return out, nil
}

// SetPeerDown toggles a peer's session state.
func (m *Mock) SetPeerDown(peer string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[peer] = down
}

// DropAll clears all recorded paths, simulating a speaker restart.
func (m *Mock) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer := range m.paths {
		m.paths[peer] = make(map[string]mockPath)
	}
}

// HasPath reports whether the peer currently holds the NLRI hash.
func (m *Mock) HasPath(peer, nlriHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paths[peer][nlriHash]
	return ok
}
