package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	corecfg "github.com/kestrel-lab/project-kestrel/internal/core/config"
	"github.com/kestrel-lab/project-kestrel/internal/core/consent"
	"github.com/kestrel-lab/project-kestrel/internal/core/identity"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage/postgres"
	"github.com/kestrel-lab/project-kestrel/internal/flush"
	"github.com/kestrel-lab/project-kestrel/internal/inbox"
	"github.com/kestrel-lab/project-kestrel/internal/migrations"
	"github.com/kestrel-lab/project-kestrel/internal/repository"
	"github.com/kestrel-lab/project-kestrel/internal/server"
	"github.com/kestrel-lab/project-kestrel/internal/tracking"
)

func main() {
	configPath := flag.String("config", "kestrel.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"flush_mode", cfg.Flush.Mode,
		"max_retries", cfg.Flush.MaxRetries,
		"collector", cfg.Collector.BaseURL,
	)

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}
	if err := dbAdapter.ValidateSchema(); err != nil {
		slog.Error("Schema validation failed - did you run migrations?", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Identity Register
	identityStore := postgres.NewIdentityAdapter(dbAdapter.DB())
	register, err := identity.NewRegister(ctx, identityStore)
	if err != nil {
		slog.Error("Failed to initialize identity register", "error", err)
		os.Exit(1)
	}

	// 4. Initialize Consent Gate
	policies, err := consent.LoadPolicies(cfg.Consent.PolicyDir)
	if err != nil {
		slog.Error("Failed to load consent policies", "error", err)
		os.Exit(1)
	}
	gate := consent.NewGate(policies)
	slog.Info("Consent gate initialized", "policy_count", len(policies))

	// 5. Initialize Collector Client and Flushing Manager
	collectorClient := repository.NewClient(cfg.Collector)
	flusher := flush.NewManager(dbAdapter, collectorClient, cfg.Flush)
	flusher.Subscribe(func(outcome flush.Outcome) {
		if outcome.Err != nil {
			slog.Warn("Flush pass ended early",
				"project_token", outcome.ProjectToken,
				"delivered", outcome.Delivered,
				"failed", outcome.Failed,
				"dropped", outcome.Dropped,
				"error", outcome.Err,
			)
		}
	})

	// 6. Initialize Tracking Manager
	// The event callback mirrors tracked events to the host via the log;
	// host processes tail it for their own analytics.
	tracker := tracking.NewManager(
		dbAdapter,
		register,
		gate,
		flusher,
		cfg.Collector,
		cfg.Tracking,
		func(record *v1.EventRecord) {
			slog.Debug("Event observed",
				"event_id", record.ID,
				"event_type", record.Type,
			)
		},
	)

	// 7. Initialize Inbox Synchronizer
	inboxStore := postgres.NewInboxAdapter(dbAdapter.DB())
	campaignProject := cfg.Collector.CampaignProjectToken
	if campaignProject == "" {
		campaignProject = cfg.Collector.ProjectToken
	}
	inboxManager := inbox.NewManager(collectorClient, inboxStore, register, tracker, campaignProject)

	// 8. Initialize Server
	trackingSvc := tracking.NewService(tracker, flusher, dbAdapter, cfg.Server.MaxBodySizeMB)
	inboxSvc := inbox.NewService(inboxManager)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode)
	trackingSvc.RegisterRoutes(srv.Engine)
	inboxSvc.RegisterRoutes(srv.Engine)

	// 9. Start Services
	if cfg.Flush.Mode == corecfg.FlushModePeriodic {
		interval, _ := time.ParseDuration(cfg.Flush.EffectiveInterval())
		scheduler := flush.NewScheduler(flusher, interval)
		go func() {
			if err := scheduler.Start(ctx); err != nil {
				slog.Error("Scheduler stopped with error", "error", err)
			}
		}()
	} else {
		// Backlog left by a previous run still needs one catch-up pass.
		go flusher.FlushAll(ctx)
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
