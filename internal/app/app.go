package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/detgraph/internal/config"
	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/sched"
	"github.com/vk/detgraph/internal/shell"
	"github.com/vk/detgraph/internal/workload"
)

// Prompt is printed before each interactive command line.
const Prompt = "detgraph> "

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	model  *config.Model
	costs  *workload.Expr
	sched  *sched.Scheduler
	shell  *shell.Shell
}

// NewApp is the constructor for the main application. Command output goes
// to outW and logs to logW. It panics if the configuration cannot be
// loaded; the entrypoint recovers that into a startup error.
func NewApp(outW, logW io.Writer, appConfig *Config, loader config.Loader) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, appConfig.ConfigPaths...)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	applyOverrides(model, appConfig)
	logger.Debug("Configuration loaded.", "paths", len(appConfig.ConfigPaths), "workloads", len(model.Workloads), "boot_lines", len(model.Boot))

	costs := workload.NewExpr(model.WorkloadExprs(), workload.Declared{Default: model.Scheduler.DefaultStepCycles})
	s := sched.New(sched.Config{
		FaultThreshold:         model.Scheduler.FaultThreshold,
		DefaultChannelCapacity: model.Scheduler.DefaultChannelCapacity,
		UtilizationBound:       model.Scheduler.UtilizationBound,
		AuditLogSize:           model.Scheduler.AuditLogSize,
	}, sched.WithWorkload(costs))
	logger.Debug("Scheduler created.", "utilization_bound", model.Scheduler.UtilizationBound, "fault_threshold", model.Scheduler.FaultThreshold)

	return &App{
		outW:   outW,
		logger: logger,
		config: appConfig,
		model:  model,
		costs:  costs,
		sched:  s,
		shell:  shell.New(s, outW, shell.WithCosts(costs)),
	}
}

// applyOverrides copies non-zero command-line values over the file values.
func applyOverrides(m *config.Model, c *Config) {
	if c.AuditDB != "" {
		m.Audit.SQLitePath = c.AuditDB
	}
	if c.ExportURL != "" {
		m.Audit.SocketIOURL = c.ExportURL
	}
	if c.TelemetryInterval > 0 {
		m.Telemetry.Interval = c.TelemetryInterval
	}
}

// Scheduler returns the application's scheduler.
func (a *App) Scheduler() *sched.Scheduler { return a.sched }

// Model returns the loaded configuration.
func (a *App) Model() *config.Model { return a.model }

// Shell returns the non-interactive shell used for boot and script lines.
func (a *App) Shell() *shell.Shell { return a.shell }

// WorkloadErrors returns how many cost expression evaluations fell back to
// the default demand.
func (a *App) WorkloadErrors() uint64 { return a.costs.Errors() }
