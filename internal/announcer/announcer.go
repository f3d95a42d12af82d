// Package announcer abstracts the FlowSpec speaker prefixd announces
// through. Two implementations exist: Mock (tests, lab POPs) and Sidecar (a
// co-located GoBGP reached over gRPC).
package announcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
	"github.com/lance0/prefixd/internal/metrics"
)

// PathEntry is one FlowSpec path reported by the speaker. NLRI carries the
// decoded filter so stale paths can be withdrawn by hash alone.
type PathEntry struct {
	NLRIHash string
	Action   core.Action
	NLRI     *flowspec.NLRI
}

// PeerState is the BGP session state of one peer.
type PeerState struct {
	Name        string
	Address     string
	Established bool
}

// Announcer is the FlowSpec publisher abstraction. Partial-peer failure does
// not fail an operation as a whole; each announcement row tracks its own
// status.
type Announcer interface {
	Connect(ctx context.Context) error
	Close() error

	Announce(ctx context.Context, peer string, nlri *flowspec.NLRI, action core.Action) error
	Withdraw(ctx context.Context, peer string, nlri *flowspec.NLRI) error

	ListPaths(ctx context.Context, peer string) ([]PathEntry, error)
	PeerStatus(ctx context.Context) ([]PeerState, error)
}

// ErrPermanent marks announcer failures that retrying cannot fix (bad NLRI,
// authentication). The sidecar's per-call retry loop does not retry these;
// the reconciler still re-announces failed paths on later ticks.
var ErrPermanent = errors.New("permanent announcer error")

// IsPermanent reports whether err is non-retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// New builds the announcer selected by bgp.mode.
func New(settings *config.Settings, logger *slog.Logger, m *metrics.Metrics) (Announcer, error) {
	switch settings.BGP.Mode {
	case "mock":
		return NewMock(settings.BGP.Peers), nil
	case "sidecar":
		return NewSidecar(settings.BGP, logger, m), nil
	default:
		return nil, fmt.Errorf("unknown bgp.mode %q", settings.BGP.Mode)
	}
}
