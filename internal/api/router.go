// Package api builds the prefixd HTTP router: the /v1 JSON API, the
// WebSocket feed and the Prometheus metrics endpoint.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lance0/prefixd/internal/api/handlers"
	"github.com/lance0/prefixd/internal/api/middleware"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/metrics"
)

// RouterConfig carries router collaborators and auth settings.
type RouterConfig struct {
	Handlers *handlers.Handlers
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	AuthMode    config.AuthMode
	BearerToken string
	CORSOrigin  string

	IngestRatePerMinute int
	IngestRateBurst     int
}

// NewRouter builds the router with the middleware chain applied:
// recovery, request ID, logging, metrics, CORS globally; bearer auth on the
// authenticated subtree; a token bucket on event ingest.
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	h := cfg.Handlers

	router.Use(middleware.Recovery(cfg.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(middleware.Metrics(cfg.Metrics))
	}
	router.Use(middleware.CORS(cfg.CORSOrigin))

	// Public surface.
	router.HandleFunc("/v1/health", h.GetHealth).Methods(http.MethodGet)
	if cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Authenticated surface.
	v1 := router.PathPrefix("/v1").Subrouter()
	if cfg.AuthMode == config.AuthModeBearer {
		v1.Use(middleware.BearerAuth(cfg.BearerToken))
	}

	ingest := v1.PathPrefix("/events").Methods(http.MethodPost).Subrouter()
	ingest.Use(middleware.RateLimit(cfg.IngestRatePerMinute, cfg.IngestRateBurst))
	ingest.HandleFunc("", h.PostEvent)

	v1.HandleFunc("/events", h.ListEvents).Methods(http.MethodGet)

	v1.HandleFunc("/mitigations", h.ListMitigations).Methods(http.MethodGet)
	v1.HandleFunc("/mitigations/{id}", h.GetMitigation).Methods(http.MethodGet)
	v1.HandleFunc("/mitigations/{id}/withdraw", h.WithdrawMitigation).Methods(http.MethodPost)

	v1.HandleFunc("/safelist", h.ListSafelist).Methods(http.MethodGet)
	v1.HandleFunc("/safelist", h.AddSafelistEntry).Methods(http.MethodPost)
	v1.HandleFunc("/safelist/{prefix:.+}", h.RemoveSafelistEntry).Methods(http.MethodDelete)

	v1.HandleFunc("/audit", h.ListAudit).Methods(http.MethodGet)
	v1.HandleFunc("/pops", h.ListPOPs).Methods(http.MethodGet)
	v1.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	v1.HandleFunc("/health/detail", h.GetHealthDetail).Methods(http.MethodGet)
	v1.HandleFunc("/config/reload", h.ReloadConfig).Methods(http.MethodPost)
	v1.HandleFunc("/ws/feed", h.Feed).Methods(http.MethodGet)

	return router
}
