// Package main is the entry point for the mopplane one-shot runner.
// It runs a single MOP against an inventory without the HTTP API and
// writes the report to a file or stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mopplane/internal/advisor"
	"mopplane/internal/config"
	"mopplane/internal/inventory"
	"mopplane/internal/logger"
	"mopplane/internal/observability"
	"mopplane/internal/report"
	"mopplane/internal/store"
	"mopplane/internal/store/memory"
	"mopplane/internal/store/postgres"
	"mopplane/internal/worker"
	"mopplane/internal/worker/runtime"
	"mopplane/pkg/mop"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one assessment and returns the process exit code: 0 when the
// job completed, 1 when it failed, was cancelled or could not run, 2 on usage
// errors. Returning instead of exiting lets deferred closes and the tracer
// flush run on every path.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (default: mopplane.yaml in current directory)")
	mopPath := fs.String("mop", "", "Path to the MOP file (YAML or JSON)")
	inventoryPath := fs.String("inventory", "", "Path to the server inventory file (YAML or JSON)")
	outPath := fs.String("out", "", "Report output path (default: stdout)")
	format := fs.String("format", "", "Report format: csv or json (default: from --out extension, else csv)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *mopPath == "" || *inventoryPath == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// Logs go to stderr so the report can be piped from stdout
	logg := logger.NewWithLevel(stderr, cfg.LogLevel)

	procedure, err := inventory.LoadMOP(*mopPath)
	if err != nil {
		logg.Error("failed to load MOP", "error", err)
		return 1
	}
	servers, err := inventory.LoadServers(*inventoryPath)
	if err != nil {
		logg.Error("failed to load inventory", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "mopplane-worker", cfg.OTELEndpoint)
	if err != nil {
		logg.Error("failed to init tracing", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	var archive store.Archive
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logg.Error("failed to connect to database", "error", err)
			return 1
		}
		defer pg.Close()
		archive = pg
	}

	connectors, err := runtime.NewDefaultMux(runtime.SSHConfig{
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		ConnectRetries: cfg.SSH.ConnectRetries,
		KnownHostsFile: cfg.SSH.KnownHosts,
	}, runtime.KubernetesConfig{
		Kubeconfig: cfg.Kubernetes.Kubeconfig,
		Namespace:  cfg.Kubernetes.Namespace,
	}, logg)
	if err != nil {
		logg.Error("failed to set up transports", "error", err)
		return 1
	}

	var adv worker.Advisor
	if cfg.RulesFile != "" {
		rules, err := advisor.Load(cfg.RulesFile)
		if err != nil {
			logg.Error("failed to load rules", "error", err)
			return 1
		}
		adv = rules
	}

	orch := worker.New(connectors, memory.New(), archive, adv, worker.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		CommandTimeout: cfg.Engine.CommandTimeout,
		LogLines:       cfg.Engine.LogLines,
		DialRate:       cfg.Engine.DialRate,
		Logger:         logg,
	})

	id, err := orch.Submit(ctx, procedure, servers)
	if err != nil {
		logg.Error("failed to start assessment", "error", err)
		return 1
	}
	logg.Info("assessment started", "job_id", id, "mop", procedure.Name, "servers", len(servers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
			logg.Info("interrupted, cancelling assessment")
			if err := orch.Cancel(context.Background(), id); err != nil {
				logg.Error("cancel failed", "error", err)
			}
		case <-ctx.Done():
		}
	}()

	watchProgress(ctx, stderr, orch, id)

	result, err := orch.Result(ctx, id)
	if err != nil {
		logg.Error("failed to fetch result", "error", err)
		return 1
	}

	out := stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			logg.Error("failed to create report", "error", err)
			return 1
		}
		defer f.Close()
		out = f
	}

	if *format == "" {
		*format = "csv"
		if strings.EqualFold(filepath.Ext(*outPath), ".json") {
			*format = "json"
		}
	}

	rep := report.Assemble(result)
	if err := report.Write(out, rep, *format); err != nil {
		logg.Error("failed to write report", "error", err)
		return 1
	}

	logg.Info("assessment finished",
		"status", result.Status,
		"ok", rep.Totals.OK,
		"not_ok", rep.Totals.NotOK,
		"skipped", rep.Totals.Skipped,
		"n_a", rep.Totals.NA,
	)
	if result.Status != mop.JobCompleted {
		return 1
	}
	return 0
}

// watchProgress prints a status line every second until the job is terminal.
func watchProgress(ctx context.Context, w io.Writer, orch *worker.Orchestrator, id string) {
	for {
		job, err := orch.Status(ctx, id)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "%-9s %6.2f%%  server %d/%d  command %d/%d  eta %s\n",
			job.Status, job.Percentage,
			job.CurrentServer, job.TotalServers,
			job.CurrentCommand, job.TotalCommands,
			job.EstimatedRemaining(time.Now()).Round(time.Second),
		)
		if job.Status.Terminal() {
			return
		}

		// Wakes early when the job finishes
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		orch.Wait(waitCtx, id)
		cancel()
	}
}
