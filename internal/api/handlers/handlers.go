// Package handlers implements the prefixd HTTP API under /v1.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lance0/prefixd/internal/api/apierrors"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/core"
	"github.com/lance0/prefixd/internal/manager"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/reconciler"
	"github.com/lance0/prefixd/internal/storage"
	"github.com/lance0/prefixd/pkg/logger"
)

// maxListLimit caps list page sizes.
const maxListLimit = 1000

// Handlers carries the API's collaborators.
type Handlers struct {
	Repo       storage.Repository
	Manager    *manager.Manager
	Reconciler *reconciler.Reconciler
	Config     *config.Store
	Bus        *realtime.Bus
	Logger     *slog.Logger
	Version    string

	validate *validator.Validate
}

// New creates the handler set.
func New(repo storage.Repository, mgr *manager.Manager, rec *reconciler.Reconciler, cfg *config.Store, bus *realtime.Bus, log *slog.Logger, version string) *Handlers {
	return &Handlers{
		Repo:       repo,
		Manager:    mgr,
		Reconciler: rec,
		Config:     cfg,
		Bus:        bus,
		Logger:     log.With("component", "api"),
		Version:    version,
		validate:   validator.New(),
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Logger.Warn("Failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, reason, message string) {
	apierrors.Write(w, apierrors.New(reason, message).WithRequestID(logger.RequestID(r.Context())))
}

// respondDomainError maps repository/domain errors onto the envelope.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		h.respondError(w, r, core.ReasonNotFound, "not found")
	case errors.Is(err, core.ErrTerminalState), errors.Is(err, core.ErrConflict):
		h.respondError(w, r, core.ReasonConflict, err.Error())
	case errors.Is(err, core.ErrShuttingDown):
		h.respondError(w, r, core.ReasonShuttingDown, "daemon is shutting down")
	default:
		h.Logger.Error("Request failed", "error", err, "path", r.URL.Path)
		h.respondError(w, r, core.ReasonInternal, "internal error")
	}
}

func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return 0, 0, errors.New("limit must be in [1, 1000]")
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be >= 0")
		}
	}
	return limit, offset, nil
}

func parseStatuses(raw string) ([]core.MitigationStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []core.MitigationStatus
	for _, part := range strings.Split(raw, ",") {
		s := core.MitigationStatus(strings.TrimSpace(part))
		switch s {
		case core.StatusPending, core.StatusActive, core.StatusEscalated,
			core.StatusExpired, core.StatusWithdrawn, core.StatusRejected:
			out = append(out, s)
		default:
			return nil, errors.New("invalid status " + string(s))
		}
	}
	return out, nil
}
