package realtime

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lance0/prefixd/internal/metrics"
)

// DefaultBufferSize is the per-subscriber message buffer.
const DefaultBufferSize = 256

// Subscriber is one consumer of the broadcast bus. Messages arrive on C;
// when the subscriber lags, the oldest messages are dropped and a
// ResyncRequired message is delivered before normal flow resumes.
type Subscriber struct {
	id  string
	ch  chan Message
	bus *Bus

	mu     sync.Mutex
	lagged bool
	closed bool
}

// ID returns the subscriber's unique ID.
func (s *Subscriber) ID() string { return s.id }

// C is the subscriber's message channel. It is closed on Unsubscribe and on
// bus shutdown.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the in-process fan-out channel. Publishers are the mitigation
// manager and the reconciler; subscribers are WebSocket feed connections.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool

	bufferSize int
	sequence   atomic.Int64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBus creates a broadcast bus. metrics may be nil.
func NewBus(logger *slog.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  DefaultBufferSize,
		logger:      logger.With("component", "broadcast_bus"),
		metrics:     m,
	}
}

// Subscribe attaches a new subscriber with a bounded buffer.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:  uuid.New().String(),
		ch:  make(chan Message, b.bufferSize),
		bus: b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("Subscriber added", "subscriber_id", sub.id, "total", count)
	if b.metrics != nil {
		b.metrics.FeedSubscribers.Set(float64(count))
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, sub.id)
	count := len(b.subscribers)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()

	b.logger.Debug("Subscriber removed", "subscriber_id", sub.id, "total", count)
	if b.metrics != nil {
		b.metrics.FeedSubscribers.Set(float64(count))
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish fans a message out to every subscriber. Publishing never blocks:
// a full subscriber buffer drops its oldest message and flags the subscriber
// for resync.
func (b *Bus) Publish(msg Message) {
	msg.Sequence = b.sequence.Add(1)

	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *Subscriber, msg Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	// A previously lagged subscriber gets the resync notice before any new
	// messages.
	if sub.lagged {
		resync := NewMessage(KindResyncRequired, map[string]any{"reason": "lag"}, SourceBus)
		resync.Sequence = msg.Sequence
		if !b.trySend(sub, resync) {
			// Still no room; keep the flag and drop the message.
			b.dropOldest(sub)
			return
		}
		sub.lagged = false
		if b.metrics != nil {
			b.metrics.FeedResyncs.Inc()
		}
	}

	if b.trySend(sub, msg) {
		return
	}

	// Buffer full: drop the oldest message, mark the subscriber lagged, and
	// make room for the next round.
	b.dropOldest(sub)
	sub.lagged = true
	if b.trySend(sub, msg) {
		return
	}
	b.logger.Debug("Subscriber buffer saturated", "subscriber_id", sub.id)
}

func (b *Bus) trySend(sub *Subscriber, msg Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		return false
	}
}

func (b *Bus) dropOldest(sub *Subscriber) {
	select {
	case <-sub.ch:
		if b.metrics != nil {
			b.metrics.FeedDropped.Inc()
		}
	default:
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	b.logger.Info("Broadcast bus closed")
}
