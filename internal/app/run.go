package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/detgraph/internal/audit"
	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/shell"
	"github.com/vk/detgraph/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Run starts the background services, runs the boot commands and then
// either the script or the interactive shell reading from in. It returns
// once the shell is done (or ctx is cancelled) and every service stopped.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.logger.Debug("App.Run method started.")

	g, gctx := errgroup.WithContext(ctx)

	if port := a.config.HealthcheckPort; port > 0 {
		ln, err := a.listenHealthcheck(port)
		if err != nil {
			return err
		}
		g.Go(func() error { return a.serveHealthcheck(gctx, ln) })
	} else {
		a.logger.Debug("Health check server disabled.")
	}

	if iv := a.model.Telemetry.Interval; iv > 0 {
		poller, err := telemetry.New(a.sched, iv, telemetry.LogHandler())
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return poller.Run(gctx) })
	}

	sinks, err := a.openSinks(gctx)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	exported := make(chan struct{})
	if len(sinks) > 0 {
		exporter := audit.NewExporter(a.sched.Monitor(), 0, sinks...)
		g.Go(func() error {
			defer close(exported)
			return exporter.Run(gctx)
		})
		select {
		case <-exporter.Started():
		case <-gctx.Done():
		}
	} else {
		close(exported)
	}

	g.Go(func() error {
		defer cancel()
		err := a.runShell(gctx, in)
		// Closing the monitor lets the exporter drain what is buffered.
		a.sched.Monitor().Close()
		<-exported
		return err
	})

	err = g.Wait()
	a.logger.Debug("App.Run method finished.", "error", err)
	return err
}

// runShell executes the boot lines, then the script or the interactive
// loop.
func (a *App) runShell(ctx context.Context, in io.Reader) error {
	logger := ctxlog.FromContext(ctx)
	for i, line := range a.model.Boot {
		err := a.shell.Exec(ctx, line)
		if errors.Is(err, shell.ErrExit) {
			logger.Debug("Boot stopped by exit.", "line", i+1)
			break
		}
		if err != nil {
			logger.Warn("Boot command failed.", "line", i+1, "command", line, "error", err)
		}
	}

	if path := a.config.ScriptPath; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open script: %w", err)
		}
		defer f.Close()
		logger.Info("Running script.", "path", path)
		return a.shell.Run(ctx, f)
	}

	logger.Info("Interactive shell ready.")
	return shell.New(a.sched, a.outW, shell.WithPrompt(Prompt), shell.WithCosts(a.costs)).Run(ctx, in)
}

// openSinks builds the configured audit sinks. A socket.io server that
// cannot be reached is logged and skipped; a bad SQLite path is fatal.
func (a *App) openSinks(ctx context.Context) ([]audit.Sink, error) {
	logger := ctxlog.FromContext(ctx)
	cfg := a.model.Audit
	var sinks []audit.Sink

	if cfg.SQLitePath != "" {
		s, err := audit.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.SocketIOURL != "" {
		s, err := audit.DialSocketIO(ctx, audit.SocketIOOptions{
			URL:                cfg.SocketIOURL,
			Namespace:          cfg.SocketIONamespace,
			Event:              cfg.Event,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
		if err != nil {
			logger.Warn("Audit export disabled.", "url", cfg.SocketIOURL, "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.Log {
		sinks = append(sinks, audit.NewLogSink(a.logger, slog.LevelInfo))
	}

	for _, s := range sinks {
		logger.Debug("Audit sink opened.", "sink", s.Name())
	}
	return sinks, nil
}
