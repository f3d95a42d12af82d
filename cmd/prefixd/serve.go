package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lance0/prefixd/internal/announcer"
	"github.com/lance0/prefixd/internal/api"
	"github.com/lance0/prefixd/internal/api/handlers"
	"github.com/lance0/prefixd/internal/config"
	"github.com/lance0/prefixd/internal/database"
	dbpostgres "github.com/lance0/prefixd/internal/database/postgres"
	"github.com/lance0/prefixd/internal/manager"
	"github.com/lance0/prefixd/internal/metrics"
	"github.com/lance0/prefixd/internal/realtime"
	"github.com/lance0/prefixd/internal/reconciler"
	"github.com/lance0/prefixd/internal/storage"
	"github.com/lance0/prefixd/internal/storage/memory"
	storagepostgres "github.com/lance0/prefixd/internal/storage/postgres"
	"github.com/lance0/prefixd/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the prefixd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	store, err := config.NewStore(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prefixd: invalid configuration: %v\n", err)
		os.Exit(exitStartupError)
	}
	snap := store.Load()
	settings := snap.Settings

	log := logger.New(logger.Config{
		Level:      settings.Log.Level,
		Format:     settings.Log.Format,
		Output:     settings.Log.Output,
		Filename:   settings.Log.Filename,
		MaxSize:    settings.Log.MaxSize,
		MaxBackups: settings.Log.MaxBackups,
		MaxAge:     settings.Log.MaxAge,
		Compress:   settings.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("Starting prefixd",
		"version", version,
		"pop", settings.POP,
		"mode", settings.Mode,
		"bgp_mode", settings.BGP.Mode,
	)

	// Bearer mode without a token is a configuration error severe enough to
	// refuse startup: the API would be unreachable or wide open.
	bearerToken := settings.Auth.Token()
	if settings.Auth.Mode == config.AuthModeBearer && bearerToken == "" {
		log.Error("Bearer auth configured but no token present", "token_env", settings.Auth.TokenEnv)
		os.Exit(exitNoBearer)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, settings, log, m)
	if err != nil {
		log.Error("Failed to open repository", "error", err)
		os.Exit(exitStartupError)
	}
	defer repo.Close()

	ann, err := announcer.New(settings, log, m)
	if err != nil {
		log.Error("Failed to build announcer", "error", err)
		os.Exit(exitStartupError)
	}
	if err := ann.Connect(ctx); err != nil {
		log.Error("Failed to connect announcer", "error", err)
		os.Exit(exitStartupError)
	}
	defer ann.Close()

	bus := realtime.NewBus(log, m)
	mgr := manager.New(repo, ann, store, bus, log, m)
	rec := reconciler.New(repo, ann, store, bus, log, m)
	watcher := config.NewWatcher(store, log, nil)

	h := handlers.New(repo, mgr, rec, store, bus, log, version)
	router := api.NewRouter(api.RouterConfig{
		Handlers:            h,
		Logger:              log,
		Metrics:             m,
		Registry:            registry,
		AuthMode:            settings.Auth.Mode,
		BearerToken:         bearerToken,
		CORSOrigin:          settings.CORSOrigin,
		IngestRatePerMinute: settings.Ingest.RateLimitPerMinute,
		IngestRateBurst:     settings.Ingest.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port),
		Handler:      router,
		ReadTimeout:  settings.Server.ReadTimeout,
		WriteTimeout: settings.Server.WriteTimeout,
		IdleTimeout:  settings.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return rec.Run(groupCtx)
	})
	group.Go(func() error {
		return watcher.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return shutdown(server, mgr, rec, bus, store, log)
	})

	if err := group.Wait(); err != nil {
		log.Error("prefixd exited with error", "error", err)
		os.Exit(exitStartupError)
	}
	log.Info("prefixd exited cleanly")
	return nil
}

// shutdown drains the daemon: new ingests are refused, the HTTP server
// drains, and unless announcements are preserved every active mitigation is
// withdrawn from the speaker.
func shutdown(server *http.Server, mgr *manager.Manager, rec *reconciler.Reconciler, bus *realtime.Bus, store *config.Store, log *slog.Logger) error {
	settings := store.Load().Settings
	log.Info("Shutting down", "preserve_announcements", settings.PreserveAnnouncementsOnShutdown)

	mgr.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", "error", err)
	}

	if !settings.PreserveAnnouncementsOnShutdown {
		if err := rec.WithdrawAll(shutdownCtx); err != nil {
			log.Error("Failed to withdraw announcements on shutdown", "error", err)
		}
	}

	bus.Close()
	return nil
}

// openRepository connects the configured storage backend and runs
// migrations.
func openRepository(ctx context.Context, settings *config.Settings, log *slog.Logger, m *metrics.Metrics) (storage.Repository, error) {
	switch settings.Storage.Backend {
	case "memory":
		log.Warn("Using in-memory storage; state is lost on restart")
		return memory.New(), nil

	case "postgres":
		pool := dbpostgres.NewPool(dbpostgres.DefaultConfig(
			settings.Storage.ConnectionString,
			settings.Storage.MaxConnections,
			settings.Storage.MinConnections,
		), log)
		if err := pool.Connect(ctx); err != nil {
			return nil, err
		}
		if err := database.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, err
		}
		return storagepostgres.New(pool, log, m.DBRowParseErrors), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", settings.Storage.Backend)
	}
}
