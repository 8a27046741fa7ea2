// Package main is the entry point for the mopplane controller.
// It hosts the assessment engine behind the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mopplane/internal/advisor"
	"mopplane/internal/config"
	"mopplane/internal/controller"
	"mopplane/internal/controller/handlers"
	"mopplane/internal/logger"
	"mopplane/internal/observability"
	"mopplane/internal/store"
	"mopplane/internal/store/memory"
	"mopplane/internal/store/postgres"
	"mopplane/internal/worker"
	"mopplane/internal/worker/runtime"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: mopplane.yaml in current directory)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logg := logger.NewWithLevel(os.Stdout, cfg.LogLevel)

	ctx := context.Background()

	// Result archive, optional
	var (
		archive store.Archive
		pinger  handlers.Pinger
	)
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer pg.Close()

		if *migrateFlag {
			logg.Info("running database migrations")
			if err := postgres.Migrate(pg.DB()); err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			logg.Info("migrations completed")
		}
		archive, pinger = pg, pg
	} else {
		logg.Info("no database_url configured, results are kept in memory only")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "mopplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	connectors, err := runtime.NewDefaultMux(runtime.SSHConfig{
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		ConnectRetries: cfg.SSH.ConnectRetries,
		KnownHostsFile: cfg.SSH.KnownHosts,
	}, runtime.KubernetesConfig{
		Kubeconfig: cfg.Kubernetes.Kubeconfig,
		Namespace:  cfg.Kubernetes.Namespace,
	}, logg)
	if err != nil {
		log.Fatalf("Failed to set up transports: %v", err)
	}

	var adv worker.Advisor
	if cfg.RulesFile != "" {
		rules, err := advisor.Load(cfg.RulesFile)
		if err != nil {
			log.Fatalf("Failed to load rules: %v", err)
		}
		adv = rules
	}

	var orch *worker.Orchestrator
	engineMetrics, err := observability.NewEngineMetrics(func() int64 { return orch.ActiveJobs() })
	if err != nil {
		log.Fatalf("Failed to register engine metrics: %v", err)
	}

	orch = worker.New(connectors, memory.New(), archive, adv, worker.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		CommandTimeout: cfg.Engine.CommandTimeout,
		LogLines:       cfg.Engine.LogLines,
		DialRate:       cfg.Engine.DialRate,
		Retention:      cfg.Engine.Retention,
		Logger:         logg,
		Metrics:        engineMetrics,
	})

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go orch.RunSweeper(sweepCtx, time.Minute)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, orch, controller.Options{
		Token:          cfg.APIToken,
		RateLimit:      cfg.RateLimit,
		RateLimitBurst: cfg.RateLimitBurst,
		Logger:         logg,
		Pinger:         pinger,
		Metrics:        metricsHandler,
	})
	if cfg.APIToken == "" {
		logg.Warn("api_token is empty, authentication is disabled")
	}

	go func() {
		logg.Info("mopplane controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			logg.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server forced to shutdown", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logg.Error("assessments did not stop in time", "error", err)
	}
	logg.Info("controller exited")
}
