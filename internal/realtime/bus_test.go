package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func recv(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscriber channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishFanOut(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(NewMessage(KindEventIngested, map[string]any{"n": 1}, SourceManager))

	ma := recv(t, a)
	mb := recv(t, b)
	assert.Equal(t, KindEventIngested, ma.Kind)
	assert.Equal(t, ma.Sequence, mb.Sequence)
}

func TestSequenceMonotonic(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	sub := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(NewMessage(KindEventIngested, nil, SourceManager))
	}

	var last int64
	for i := 0; i < 5; i++ {
		msg := recv(t, sub)
		assert.Greater(t, msg.Sequence, last)
		last = msg.Sequence
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	bus.Publish(NewMessage(KindEventIngested, nil, SourceManager))
}

// A lagging subscriber loses the oldest messages and is handed a
// resync_required notice before normal delivery resumes.
func TestLaggingSubscriberGetsResync(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	sub := bus.Subscribe()

	// Overflow the buffer by two: the two oldest messages are dropped.
	for i := 0; i < DefaultBufferSize+2; i++ {
		bus.Publish(NewMessage(KindEventIngested, map[string]any{"n": i}, SourceManager))
	}

	// The first buffered message is no longer n=0.
	first := recv(t, sub)
	assert.NotEqual(t, 0, first.Data["n"])

	// Drain the rest.
	for len(sub.ch) > 0 {
		<-sub.ch
	}

	// The subscriber was flagged; the next publish leads with the resync
	// notice.
	bus.Publish(NewMessage(KindEventIngested, map[string]any{"n": "after-lag"}, SourceManager))

	resync := recv(t, sub)
	assert.Equal(t, KindResyncRequired, resync.Kind)
	assert.Equal(t, "lag", resync.Data["reason"])

	next := recv(t, sub)
	assert.Equal(t, "after-lag", next.Data["n"])
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	bus := testBus()
	sub := bus.Subscribe()

	bus.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Subscribing after close yields a closed subscriber.
	late := bus.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}
