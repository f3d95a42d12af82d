// Package realtime implements the in-process broadcast bus feeding live
// event and mitigation updates to WebSocket subscribers. Delivery is
// best-effort: each subscriber has a bounded buffer, and a subscriber that
// falls behind is told to resync rather than blocking publishers.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Message kinds published on the bus.
const (
	KindMitigationCreated   = "mitigation_created"
	KindMitigationUpdated   = "mitigation_updated"
	KindMitigationExpired   = "mitigation_expired"
	KindMitigationWithdrawn = "mitigation_withdrawn"
	KindEventIngested       = "event_ingested"
	KindResyncRequired      = "resync_required"
)

// Message sources.
const (
	SourceManager    = "manager"
	SourceReconciler = "reconciler"
	SourceBus        = "bus"
)

// Message is one broadcast bus message.
type Message struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
}

// NewMessage creates a message; the bus assigns the sequence number.
func NewMessage(kind string, data map[string]any, source string) Message {
	return Message{
		Kind:      kind,
		ID:        uuid.New().String(),
		Data:      data,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}
