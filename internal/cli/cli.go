package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/vk/detgraph/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

const longHelp = `detgraph - a deterministic CBS+EDF scheduler for dataflow graphs.

Builds operator graphs and runs them under constant-bandwidth budget
servers with earliest-deadline-first dispatch. Commands are read from
--script or, without it, interactively from standard input.

Configuration files (.hcl) may be given with --config or as arguments;
directories are searched recursively.`

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")

	var (
		raw    app.Config
		parsed bool
	)
	cmd := &cobra.Command{
		Use:           "detgraph [flags] [CONFIG_PATH...]",
		Short:         "Deterministic dataflow graph scheduler",
		Long:          longHelp,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, positional []string) error {
			raw.ConfigPaths = append(raw.ConfigPaths, positional...)
			parsed = true
			return nil
		},
	}
	if args == nil {
		// cobra falls back to os.Args for a nil slice.
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringSliceVarP(&raw.ConfigPaths, "config", "c", nil, "HCL config file or directory; repeatable.")
	f.StringVarP(&raw.ScriptPath, "script", "s", "", "Run commands from this file instead of standard input.")
	f.StringVar(&raw.LogLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	f.StringVar(&raw.LogFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	f.IntVar(&raw.HealthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	f.StringVar(&raw.AuditDB, "audit-db", "", "SQLite file receiving the audit trail.")
	f.StringVar(&raw.ExportURL, "export-url", "", "socket.io server receiving the audit trail.")
	f.DurationVar(&raw.TelemetryInterval, "telemetry-interval", 0, "Telemetry sampling interval; 0 keeps the configured value.")

	if err := cmd.Execute(); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if !parsed {
		// --help was handled by cobra.
		return nil, true, nil
	}
	slog.Debug("Arguments parsed successfully.", "config_paths", len(raw.ConfigPaths))

	config, err := app.NewConfig(raw)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
