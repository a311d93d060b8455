// Package app wires the engine together for one invocation: it loads the
// pipeline catalog and run configuration, discovers samples, builds the
// topology, drives the scheduler, and reports the completion summary.
package app

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/sampleflow/internal/catalog"
	"github.com/vk/sampleflow/internal/config"
	"github.com/vk/sampleflow/internal/ctxlog"
	"github.com/vk/sampleflow/internal/metrics"
	"github.com/vk/sampleflow/internal/report"
	"github.com/vk/sampleflow/internal/sample"
	"github.com/vk/sampleflow/internal/scheduler"
	"github.com/vk/sampleflow/internal/topology"
)

// App encapsulates the engine's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	catalog  *catalog.Catalog
	run      *config.Run
	registry *prometheus.Registry
	runner   scheduler.CommandRunner
}

// NewApp loads the pipeline catalog and run configuration and returns a
// ready-to-run App with its own isolated logger and metrics registry.
// Loading failures are returned, not fatal, so the CLI can map them to the
// configuration exit code.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	cat, err := catalog.Load(ctx, cfg.PipelinePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Pipeline catalog loaded.", "path", cfg.PipelinePath)

	run, err := config.Load(ctx, cfg.ConfigPath, config.Overrides{
		OutDir:  cfg.OutDir,
		Workers: cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("Run configuration assembled.", "run_id", run.RunID, "outdir", run.OutDir)

	return &App{
		outW:     outW,
		logger:   logger,
		catalog:  cat,
		run:      run,
		registry: prometheus.NewRegistry(),
	}, nil
}

// SetRunner substitutes the external-tool boundary. This is primarily for
// testing.
func (a *App) SetRunner(r scheduler.CommandRunner) {
	a.runner = r
}

// Run executes the pipeline end to end and emits the completion summary.
// The returned error carries the run's failure class for exit-code mapping.
func (a *App) Run(ctx context.Context, appConfig *Config) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	srv := a.startHealthcheckServer(ctx, appConfig.HealthcheckPort)
	if srv != nil {
		defer a.closeHealthcheckServer(ctx, srv)
	}

	started := time.Now()

	samples, err := sample.Discover(ctx, a.run.Source)
	if err != nil {
		return err
	}

	graph, err := topology.Build(ctx, a.catalog, a.run)
	if err != nil {
		return err
	}

	a.logger.Info("Starting pipeline execution.",
		"run_id", a.run.RunID, "samples", len(samples), "stages", len(graph.Nodes))

	sched := scheduler.New(graph, a.catalog, a.run, samples, scheduler.Options{
		Runner:  a.runner,
		Metrics: metrics.NewScheduler(a.registry),
	})
	statuses, runErr := sched.Execute(ctx)

	summary := &report.Summary{
		RunID:     a.run.RunID,
		Status:    report.StatusSucceeded,
		StartedAt: started,
		Elapsed:   time.Since(started),
		Samples:   len(samples),
		Config:    a.run.Snapshot(),
		Instances: statuses,
	}
	if runErr != nil {
		summary.Status = report.StatusFailed
		summary.Error = runErr.Error()
	}

	reporters := report.Multi{report.LogReporter{}}
	if a.run.ReportURL != "" {
		reporters = append(reporters, report.NewWebhookReporter(a.run.ReportURL))
	}
	// Reporting failures never change the run's outcome.
	if err := reporters.Report(ctx, summary); err != nil {
		a.logger.Warn("Completion report delivery failed.", "error", err)
	}

	a.logger.Debug("App.Run method finished.")
	return runErr
}
