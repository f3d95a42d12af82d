package announcer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	api "github.com/osrg/gobgp/v3/api"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/flowspec"
	"github.com/lance0/prefixd/internal/metrics"
)

const (
	maxAttempts    = 4
	initialBackoff = 100 * time.Millisecond
)

// Sidecar announces through a co-located GoBGP speaker over gRPC. Mutating
// calls are retried up to three times with exponential backoff on transient
// errors; a circuit breaker sheds load when the sidecar is persistently
// unreachable. The speaker maintains the BGP sessions; prefixd injects and
// removes FlowSpec paths in its global RIB and reads per-peer session state.
type Sidecar struct {
	cfg     config.BGPConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client api.GobgpApiClient
}

var _ Announcer = (*Sidecar)(nil)

// NewSidecar creates an unconnected sidecar announcer.
func NewSidecar(cfg config.BGPConfig, logger *slog.Logger, m *metrics.Metrics) *Sidecar {
	s := &Sidecar{
		cfg:     cfg,
		logger:  logger.With("component", "announcer_sidecar"),
		metrics: m,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bgp-sidecar",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("Sidecar circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Connect dials the sidecar gRPC endpoint with the configured timeout.
func (s *Sidecar) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.Sidecar.ConnectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(connectCtx, s.cfg.Sidecar.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("dial sidecar %s: %w", s.cfg.Sidecar.Endpoint, err)
	}
	s.conn = conn
	s.client = api.NewGobgpApiClient(conn)
	s.logger.Info("Connected to BGP sidecar", "endpoint", s.cfg.Sidecar.Endpoint)
	return nil
}

// Close tears the gRPC channel down.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.client = nil
	return err
}

func (s *Sidecar) api() (api.GobgpApiClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: sidecar not connected", ErrPermanent)
	}
	return s.client, nil
}

// Announce injects the FlowSpec path into the speaker's global RIB. The
// speaker fans it out to every established peer; the peer argument scopes
// bookkeeping only.
func (s *Sidecar) Announce(ctx context.Context, peer string, nlri *flowspec.NLRI, action core.Action) error {
	client, err := s.api()
	if err != nil {
		return err
	}
	path, err := buildPath(nlri, action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	err = s.callWithRetry(ctx, "announce", func(callCtx context.Context) error {
		_, err := client.AddPath(callCtx, &api.AddPathRequest{
			TableType: api.TableType_GLOBAL,
			Path:      path,
		})
		return err
	})
	if status.Code(err) == codes.AlreadyExists {
		// The path is already present; the desired state holds.
		return nil
	}
	s.recordCall("announce", err)
	if err != nil && s.metrics != nil {
		s.metrics.AnnounceFailures.WithLabelValues(peer).Inc()
	}
	return err
}

// Withdraw removes the FlowSpec path from the speaker's global RIB.
func (s *Sidecar) Withdraw(ctx context.Context, peer string, nlri *flowspec.NLRI) error {
	client, err := s.api()
	if err != nil {
		return err
	}
	// The withdraw path must carry the same attributes as the announce to
	// identify the route; action is irrelevant to removal but required for
	// encoding, so discard is used.
	path, err := buildPath(nlri, core.Action{Type: core.ActionDiscard})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	err = s.callWithRetry(ctx, "withdraw", func(callCtx context.Context) error {
		_, err := client.DeletePath(callCtx, &api.DeletePathRequest{
			TableType: api.TableType_GLOBAL,
			Path:      path,
		})
		return err
	})
	if status.Code(err) == codes.NotFound {
		// Already gone; the desired state holds.
		return nil
	}
	s.recordCall("withdraw", err)
	return err
}

// ListPaths reads the FlowSpec routes currently in the speaker's global RIB.
// GoBGP holds one RIB shared by all peers, so the result is identical for
// every configured peer.
func (s *Sidecar) ListPaths(ctx context.Context, peer string) ([]PathEntry, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Sidecar.CallTimeout)
	defer cancel()

	stream, err := client.ListPath(callCtx, &api.ListPathRequest{
		TableType: api.TableType_GLOBAL,
		Family:    flowSpecFamily(),
	})
	if err != nil {
		s.recordCall("list_paths", err)
		return nil, err
	}

	var out []PathEntry
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.recordCall("list_paths", err)
			return nil, err
		}
		for _, p := range resp.GetDestination().GetPaths() {
			entry, err := pathToEntry(p)
			if err != nil {
				s.logger.Warn("Skipping undecodable path from speaker", "error", err)
				continue
			}
			out = append(out, entry)
		}
	}
	s.recordCall("list_paths", nil)
	return out, nil
}

// PeerStatus reads BGP session state for every neighbor of the speaker.
func (s *Sidecar) PeerStatus(ctx context.Context) ([]PeerState, error) {
	client, err := s.api()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Sidecar.CallTimeout)
	defer cancel()

	stream, err := client.ListPeer(callCtx, &api.ListPeerRequest{})
	if err != nil {
		s.recordCall("peer_status", err)
		return nil, err
	}

	byAddress := make(map[string]bool)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.recordCall("peer_status", err)
			return nil, err
		}
		peer := resp.GetPeer()
		if peer.GetState() == nil {
			continue
		}
		byAddress[peer.GetState().GetNeighborAddress()] =
			peer.GetState().GetSessionState() == api.PeerState_ESTABLISHED
	}
	s.recordCall("peer_status", nil)

	out := make([]PeerState, 0, len(s.cfg.Peers))
	for _, p := range s.cfg.Peers {
		established, known := byAddress[p.Address]
		out = append(out, PeerState{
			Name:        p.Name,
			Address:     p.Address,
			Established: known && established,
		})
	}
	return out, nil
}

// callWithRetry runs a mutating RPC through the circuit breaker with the
// configured deadline, retrying transient failures with exponential backoff.
func (s *Sidecar) callWithRetry(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := s.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Sidecar.CallTimeout)
			defer cancel()
			return nil, call(callCtx)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		if !transient(err) {
			if permanent(err) {
				return fmt.Errorf("%w: %s: %v", ErrPermanent, op, err)
			}
			return err
		}
		if attempt == maxAttempts {
			break
		}
		s.logger.Debug("Retrying sidecar call",
			"op", op, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (s *Sidecar) recordCall(op string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.AnnouncerCalls.WithLabelValues(op, result).Inc()
}

// transient reports whether a gRPC failure is worth retrying.
func transient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// permanent reports whether a failure can never succeed on retry.
func permanent(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}
