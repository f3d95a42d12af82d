package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

// eventRequest is the ingest payload.
type eventRequest struct {
	ExternalEventID *string        `json:"external_event_id"`
	Source          string         `json:"source" validate:"required"`
	EventTimestamp  *time.Time     `json:"event_timestamp"`
	VictimIP        string         `json:"victim_ip" validate:"required"`
	Vector          string         `json:"vector" validate:"required,oneof=udp_flood syn_flood ack_flood icmp_flood unknown"`
	Protocol        *uint8         `json:"protocol"`
	BPS             uint64         `json:"bps"`
	PPS             uint64         `json:"pps"`
	TopDstPorts     []uint16       `json:"top_dst_ports"`
	Confidence      float64        `json:"confidence" validate:"gte=0,lte=1"`
	Action          string         `json:"action" validate:"omitempty,oneof=ban unban"`
	RawDetails      map[string]any `json:"raw_details"`
}

// PostEvent ingests one detector event and returns the pipeline outcome.
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, core.ReasonValidation, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	victimIP, err := netip.ParseAddr(req.VictimIP)
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "victim_ip is not a valid IP address")
		return
	}
	victimIP = victimIP.Unmap()

	ev := &core.Event{
		ExternalEventID: req.ExternalEventID,
		Source:          req.Source,
		VictimIP:        victimIP,
		Vector:          core.Vector(req.Vector),
		Protocol:        req.Protocol,
		BPS:             req.BPS,
		PPS:             req.PPS,
		TopDstPorts:     req.TopDstPorts,
		Confidence:      req.Confidence,
		Action:          core.EventAction(req.Action),
		RawDetails:      req.RawDetails,
	}
	if req.EventTimestamp != nil {
		ev.EventTimestamp = *req.EventTimestamp
	} else {
		ev.EventTimestamp = time.Now().UTC()
	}

	outcome, err := h.Manager.Ingest(r.Context(), ev)
	if err != nil {
		if errors.Is(err, core.ErrShuttingDown) {
			h.respondError(w, r, core.ReasonShuttingDown, "daemon is shutting down")
			return
		}
		h.respondDomainError(w, r, err)
		return
	}

	h.respondJSON(w, outcomeStatus(outcome), outcome)
}

// outcomeStatus maps a pipeline outcome to an HTTP status. Rejections reuse
// the guardrail reason mapping so callers see 409/422/429 as appropriate.
func outcomeStatus(outcome *core.Outcome) int {
	switch outcome.Kind {
	case core.OutcomeAccepted:
		return http.StatusCreated
	case core.OutcomeRejected:
		switch core.QuotaReason(outcome.Reason) {
		case core.ReasonQuotaExceeded:
			return http.StatusTooManyRequests
		case core.ReasonSafelisted:
			return http.StatusConflict
		case core.ReasonOwnership:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusOK
	}
}

// ListEvents returns ingested events with pagination.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	q := r.URL.Query()
	events, count, err := h.Repo.ListEvents(r.Context(), storage.EventFilter{
		Source:   q.Get("source"),
		VictimIP: q.Get("victim_ip"),
		Vector:   q.Get("vector"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []*core.Event{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  count,
	})
}
