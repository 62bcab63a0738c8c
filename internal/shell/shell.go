// Package shell implements the line-oriented command surface: graphctl,
// det and the diagnostic composites. Each input line is parsed by a fresh
// cobra command tree, so flag values never leak between lines.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/sched"
	"github.com/vk/detgraph/internal/workload"
)

// ErrExit is returned by Exec for the exit command.
var ErrExit = errors.New("exit requested")

// Shell executes command lines against one scheduler.
type Shell struct {
	sched  *sched.Scheduler
	costs  *workload.Expr
	out    io.Writer
	prompt string
}

// Option configures a Shell.
type Option func(*Shell)

// WithPrompt prints prompt before reading each line.
func WithPrompt(prompt string) Option {
	return func(sh *Shell) { sh.prompt = prompt }
}

// WithCosts lets graphctl add-operator --cost install per-operator demand
// expressions into m. m should be the scheduler's workload model.
func WithCosts(m *workload.Expr) Option {
	return func(sh *Shell) { sh.costs = m }
}

// New returns a shell writing command output to out.
func New(s *sched.Scheduler, out io.Writer, opts ...Option) *Shell {
	sh := &Shell{sched: s, out: out}
	for _, opt := range opts {
		opt(sh)
	}
	return sh
}

// Scheduler returns the scheduler the shell drives.
func (sh *Shell) Scheduler() *sched.Scheduler { return sh.sched }

func (sh *Shell) printf(format string, args ...any) {
	fmt.Fprintf(sh.out, format, args...)
}

// Exec runs one command line. Output, including failure messages, goes to
// the shell's writer; the returned error is for callers that need to know
// whether the command succeeded. Blank lines and # comments are no-ops.
func (sh *Shell) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	args := strings.Fields(line)
	ctxlog.FromContext(ctx).Debug("Shell command received.", "command", args[0], "args", len(args)-1)

	root := sh.newRoot()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, ErrExit) && !errors.Is(err, errReported) {
		// Errors cobra raises itself (unknown command, bad flag) have not
		// been printed yet.
		sh.printf("%v\n", err)
		if strings.HasPrefix(err.Error(), "unknown command") {
			sh.printf("Type 'help' for a list of commands.\n")
		}
	}
	return err
}

// Run reads lines from in until EOF, exit or ctx is done.
func (sh *Shell) Run(ctx context.Context, in io.Reader) error {
	logger := ctxlog.FromContext(ctx)
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		if sh.prompt != "" {
			sh.printf("%s", sh.prompt)
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			err := sh.Exec(ctx, line)
			if errors.Is(err, ErrExit) {
				logger.Debug("Shell exit requested.")
				return nil
			}
			if err != nil {
				logger.Debug("Shell command failed.", "line", line, "error", err)
			}
		}
	}
}

// errReported marks errors whose message was already printed.
var errReported = errors.New("reported")

type reportedError struct{ err error }

func (e *reportedError) Error() string   { return e.err.Error() }
func (e *reportedError) Unwrap() []error { return []error{e.err, errReported} }

func reported(err error) error { return &reportedError{err: err} }

func usage(sh *Shell, text string) error {
	sh.printf("Usage: %s\n", text)
	return reported(errors.New("usage: " + text))
}

func (sh *Shell) newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(sh.out)
	root.SetErr(sh.out)
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetHelpCommand(sh.helpCmd())

	root.AddCommand(
		sh.graphctlCmd(),
		sh.detCmd(),
		sh.diagCmd("rtaivalidation", "Run the real-time validation checks"),
		sh.diagCmd("phase3validation", "Run every scheduler and graph check"),
		sh.diagCmd("temporaliso", "Run the temporal isolation demonstration"),
		&cobra.Command{
			Use:   "exit",
			Short: "Leave the shell",
			RunE: func(*cobra.Command, []string) error {
				return ErrExit
			},
		},
	)
	return root
}

const helpText = `Commands:
  graphctl create [--num-operators N]
  graphctl add-channel <capacity>
  graphctl add-operator <id> [--in N|none] [--out N|none] [--prio P] [--wcet C]
                        [--kind source|passthrough|transform|sink]
                        [--stage acquire|clean|explore|model|explain]
                        [--in-schema S] [--out-schema S]
  graphctl start <iterations>
  graphctl destroy
  graphctl stats | export | export-json
  graphctl det <wcet_cycles> <period_cycles> <deadline_cycles>
  det on <wcet_cycles> <period_cycles> <deadline_cycles>
  det off | reset
  det status [--format text|json|yaml]
  rtaivalidation | phase3validation | temporaliso [--format text|json|yaml]
  help
  exit
`

func (sh *Shell) helpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "help",
		Short: "List commands",
		RunE: func(*cobra.Command, []string) error {
			sh.printf("%s", helpText)
			return nil
		},
	}
}
