package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/auth/google"
	"github.com/pysugar/nexus-scheduler/internal/auth/token"
	"github.com/pysugar/nexus-scheduler/internal/config"
	"github.com/pysugar/nexus-scheduler/internal/db"
	"github.com/pysugar/nexus-scheduler/internal/logging"
	"github.com/pysugar/nexus-scheduler/internal/proxy/handlers"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"github.com/pysugar/nexus-scheduler/internal/upstream"
	"github.com/pysugar/nexus-scheduler/internal/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with its admin and dispatcher APIs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, path, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.JSON); err != nil {
		return err
	}
	if path != "" {
		log.Printf("📄 Config: %s", path)
	}

	database, err := db.InitDB(cfg.Database.Path, cfg.Database.Verbose)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	repo := db.NewAccountRepository(database)
	pool := account.NewPool(repo)
	if _, err := pool.Load(ctx, repo); err != nil {
		return err
	}

	creds := cfg.OAuth.Credentials()
	if !google.HasClientCredentials(creds) {
		log.Warn("⚠️ OAuth client credentials are not set; token refresh will fail")
	}
	refresher := token.Dedupe(token.NewOAuthRefresher(google.OAuthConfig(creds), nil))

	schedCfg, err := cfg.Scheduling.Scheduler()
	if err != nil {
		return err
	}
	sched := scheduler.New(pool, refresher, schedCfg)
	settings, err := handlers.NewSchedulingSettings(ctx, database, sched, schedCfg)
	if err != nil {
		return err
	}

	upstreamClient := upstream.NewClient()
	deps := handlers.Deps{
		DB:            database,
		Pool:          pool,
		Scheduler:     sched,
		Settings:      settings,
		Profiles:      upstreamClient,
		AdminPassword: cfg.Server.AdminPassword,
		Started:       time.Now(),
	}

	if cfg.Background.RefreshInterval > 0 {
		sched.StartRefreshLoop(ctx, cfg.Background.RefreshInterval)
	}
	if cfg.Background.SweepInterval > 0 {
		sched.StartSweepLoop(ctx, cfg.Background.SweepInterval)
	}
	if cfg.Background.QuotaPollInterval > 0 {
		poller := upstream.NewQuotaPoller(upstreamClient, pool, sched)
		poller.Start(ctx, cfg.Background.QuotaPollInterval)
		deps.Poller = poller
	}

	if path != "" {
		if err := config.Watch(ctx, path, func(next *config.Config) {
			reloadConfig(next, settings)
		}); err != nil {
			log.Warnf("⚠️ Config hot reload disabled: %v", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Nexus %s starting on http://%s", version.Version, srv.Addr)
		log.Printf("🔌 Dispatcher API: http://%s/v1/internal", srv.Addr)
		log.Printf("🛠️ Admin API: http://%s/api", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Printf("👋 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadConfig applies the hot-reloadable parts of a changed config file.
func reloadConfig(next *config.Config, settings *handlers.SchedulingSettings) {
	if err := logging.Setup(next.Log.Level, next.Log.JSON); err != nil {
		log.Warnf("⚠️ Keeping previous log settings: %v", err)
	}
	schedCfg, err := next.Scheduling.Scheduler()
	if err != nil {
		log.Warnf("⚠️ Ignoring scheduling change: %v", err)
		return
	}
	if err := settings.SetBase(schedCfg); err != nil {
		log.Warnf("⚠️ Ignoring scheduling change: %v", err)
	}
}
