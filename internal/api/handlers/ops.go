package handlers

import (
	"net/http"
	"time"

	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/storage"
)

// ListAudit returns audit entries with filters and pagination.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, err.Error())
		return
	}

	q := r.URL.Query()
	f := storage.AuditFilter{
		ActorType: q.Get("actor_type"),
		Action:    q.Get("action"),
		TargetID:  q.Get("target_id"),
		Limit:     limit,
		Offset:    offset,
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, r, core.ReasonValidation, "from must be RFC3339")
			return
		}
		f.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, r, core.ReasonValidation, "to must be RFC3339")
			return
		}
		f.To = &t
	}

	entries, count, err := h.Repo.ListAudit(r.Context(), f)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*core.AuditEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"audit": entries, "count": count})
}

// ListPOPs returns per-POP mitigation counts; the local POP is always
// included.
func (h *Handlers) ListPOPs(w http.ResponseWriter, r *http.Request) {
	snap := h.Config.Load()
	stats, err := h.Repo.POPStats(r.Context(), snap.Settings.POP)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// GetStats returns aggregated mitigation counts for the local POP.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	snap := h.Config.Load()
	stats, err := h.Repo.Stats(r.Context(), snap.Settings.POP)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// GetHealth is the public lightweight health endpoint.
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.Config.Load()
	status := "ok"
	if h.Manager.ShuttingDown() {
		status = "shutting_down"
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.Version,
		"auth_mode": snap.Settings.Auth.Mode,
	})
}

// GetHealthDetail is the authenticated full operational status.
func (h *Handlers) GetHealthDetail(w http.ResponseWriter, r *http.Request) {
	snap := h.Config.Load()

	repoStatus := "ok"
	if err := h.Repo.Ping(r.Context()); err != nil {
		repoStatus = "degraded: " + err.Error()
	}

	detail := map[string]any{
		"status":           "ok",
		"version":          h.Version,
		"pop":              snap.Settings.POP,
		"mode":             snap.Settings.Mode,
		"repository":       repoStatus,
		"config_loaded_at": snap.LoadedAt,
		"feed_subscribers": h.Bus.SubscriberCount(),
		"settings":         config.Sanitize(snap),
	}
	if h.Reconciler != nil {
		detail["reconciler"] = h.Reconciler.Status()
	}
	if h.Manager.ShuttingDown() {
		detail["status"] = "shutting_down"
	}
	h.respondJSON(w, http.StatusOK, detail)
}

// ReloadConfig validates and atomically swaps the config snapshot.
func (h *Handlers) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Config.Reload()
	if err != nil {
		h.respondError(w, r, core.ReasonValidation, "config reload failed: "+err.Error())
		return
	}

	h.audit(r, core.ActorOperator, nil, core.AuditConfigReloaded, "config", "snapshot", map[string]any{
		"loaded_at":        snap.LoadedAt,
		"inventory_assets": snap.Inventory.AssetCount(),
	})
	h.Logger.Info("Config reloaded via API", "loaded_at", snap.LoadedAt)
	h.respondJSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"loaded_at": snap.LoadedAt,
		"settings":  config.Sanitize(snap),
	})
}
