package handlers

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/lance0/prefixd/internal/core"
)

// ListSafelist returns all safelist entries.
func (h *Handlers) ListSafelist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Repo.ListSafelist(r.Context())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*core.SafelistEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"safelist": entries, "count": len(entries)})
}

type safelistRequest struct {
	Prefix    string     `json:"prefix" validate:"required"`
	AddedBy   string     `json:"added_by" validate:"required"`
	Reason    *string    `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// AddSafelistEntry adds a never-mitigate prefix.
func (h *Handlers) AddSafelistEntry(w http.ResponseWriter, r *http.Request) {
	var req safelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, core.ReasonValidation, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	prefix, err := netip.ParsePrefix(req.Prefix)
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "prefix is not valid CIDR")
		return
	}

	entry := &core.SafelistEntry{
		Prefix:    prefix.Masked(),
		AddedAt:   time.Now().UTC(),
		AddedBy:   req.AddedBy,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.Repo.AddSafelistEntry(r.Context(), entry); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	h.audit(r, core.ActorOperator, &req.AddedBy, core.AuditSafelistAdded, "safelist", entry.Prefix.String(), map[string]any{
		"prefix": entry.Prefix.String(),
	})
	h.respondJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

// RemoveSafelistEntry deletes a safelist prefix. The prefix arrives
// URL-encoded in the path.
func (h *Handlers) RemoveSafelistEntry(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(mux.Vars(r)["prefix"])
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "invalid prefix encoding")
		return
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "prefix is not valid CIDR")
		return
	}

	removed, err := h.Repo.RemoveSafelistEntry(r.Context(), prefix.Masked())
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if !removed {
		h.respondError(w, r, core.ReasonNotFound, "prefix not in safelist")
		return
	}

	h.audit(r, core.ActorOperator, nil, core.AuditSafelistRemoved, "safelist", prefix.String(), nil)
	h.respondJSON(w, http.StatusOK, map[string]any{"removed": prefix.Masked().String()})
}

func (h *Handlers) audit(r *http.Request, actor core.ActorType, actorID *string, action, targetType, targetID string, details map[string]any) {
	entry := &core.AuditEntry{
		ID:         core.NewAuditID(),
		Timestamp:  time.Now().UTC(),
		ActorType:  actor,
		ActorID:    actorID,
		Action:     action,
		TargetType: &targetType,
		TargetID:   &targetID,
		Details:    details,
	}
	if err := h.Repo.InsertAudit(r.Context(), entry); err != nil {
		h.Logger.Warn("Failed to write audit entry", "action", action, "error", err)
	}
}
