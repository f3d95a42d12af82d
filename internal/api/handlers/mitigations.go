package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

// ListMitigations returns mitigations with filters and pagination.
func (h *Handlers) ListMitigations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	q := r.URL.Query()
	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	mitigations, count, err := h.Repo.ListMitigations(r.Context(), storage.MitigationFilter{
		Statuses:   statuses,
		CustomerID: q.Get("customer_id"),
		POP:        q.Get("pop"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if mitigations == nil {
		mitigations = []*core.Mitigation{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"mitigations": mitigations,
		"count":       count,
	})
}

// GetMitigation returns one mitigation with its announcements.
func (h *Handlers) GetMitigation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "invalid mitigation id")
		return
	}

	m, err := h.Repo.GetMitigation(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	announcements, err := h.Repo.AnnouncementsForMitigation(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if announcements == nil {
		announcements = []*core.Announcement{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"mitigation":    m,
		"announcements": announcements,
	})
}

type withdrawRequest struct {
	OperatorID string `json:"operator_id" validate:"required"`
	Reason     string `json:"reason"`
}

// WithdrawMitigation is the operator withdrawal endpoint.
func (h *Handlers) WithdrawMitigation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "invalid mitigation id")
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, core.ReasonValidation, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	m, err := h.Manager.Withdraw(r.Context(), id, req.OperatorID, req.Reason)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"mitigation": m})
}
