package realtime

import (
	"github.com/lance0/prefixd/internal/core"
)

// Publisher builds bus messages from domain objects.
type Publisher struct {
	bus    *Bus
	source string
}

// NewPublisher creates a publisher tagged with a source name.
func NewPublisher(bus *Bus, source string) *Publisher {
	return &Publisher{bus: bus, source: source}
}

// PublishMitigation publishes a mitigation lifecycle message.
func (p *Publisher) PublishMitigation(kind string, m *core.Mitigation) {
	if p.bus == nil {
		return
	}
	data := map[string]any{
		"mitigation_id": m.ID.String(),
		"scope_hash":    m.ScopeHash,
		"pop":           m.POP,
		"victim_ip":     m.VictimIP.String(),
		"vector":        string(m.Vector),
		"status":        string(m.Status),
		"action":        string(m.Action.Type),
		"expires_at":    m.ExpiresAt,
	}
	if m.Action.Type == core.ActionPolice {
		data["rate_bps"] = m.Action.RateBPS
	}
	if m.CustomerID != nil {
		data["customer_id"] = *m.CustomerID
	}
	p.bus.Publish(NewMessage(kind, data, p.source))
}

// PublishEvent publishes an event-ingested message with its outcome.
func (p *Publisher) PublishEvent(ev *core.Event, outcome core.OutcomeKind) {
	if p.bus == nil {
		return
	}
	data := map[string]any{
		"event_id":  ev.EventID.String(),
		"source":    ev.Source,
		"victim_ip": ev.VictimIP.String(),
		"vector":    string(ev.Vector),
		"action":    string(ev.Action),
		"outcome":   string(outcome),
	}
	if ev.ExternalEventID != nil {
		data["external_event_id"] = *ev.ExternalEventID
	}
	p.bus.Publish(NewMessage(KindEventIngested, data, p.source))
}
