package shell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/spf13/cobra"
	"github.com/vk/detgraph/internal/graph"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/sched"
	"github.com/vk/detgraph/internal/workload"
)

// defaultNumOperators is used by `graphctl create` without --num-operators.
const defaultNumOperators = 16

const maxEndpoint = 0xFFFF

func (sh *Shell) graphctlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graphctl",
		Short: "Build and run the dataflow graph",
	}
	cmd.AddCommand(
		sh.createCmd(),
		sh.addChannelCmd(),
		sh.addOperatorCmd(),
		sh.startCmd(),
		sh.destroyCmd(),
		sh.statsCmd(),
		sh.exportCmd(),
		sh.exportJSONCmd(),
		sh.graphDetCmd(),
	)
	return cmd
}

func (sh *Shell) createCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a fresh graph, replacing any existing one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := sh.sched.Create(cmd.Context(), n); err != nil {
				sh.printf("Graph create error: %v\n", err)
				return reported(err)
			}
			sh.printf("Graph created\n")
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "num-operators", defaultNumOperators, "operator capacity; channels 0..N-1 are provisioned")
	return cmd
}

func (sh *Shell) addChannelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-channel <capacity>",
		Short: "Append a channel to the graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usage(sh, "graphctl add-channel <capacity>")
			}
			capacity, err := strconv.Atoi(args[0])
			if err != nil || capacity < 1 || capacity > maxEndpoint {
				sh.printf("[CTL] capacity must be 1..%d\n", maxEndpoint)
				return reported(fmt.Errorf("invalid capacity %q", args[0]))
			}
			id, err := sh.sched.AddChannel(cmd.Context(), capacity)
			if err != nil {
				sh.printf("[CTL] error: %v\n", err)
				return reported(err)
			}
			sh.printf("[CTL] ok channel=%d capacity=%d\n", id, capacity)
			return nil
		},
	}
}

// parseEndpoint accepts a channel id or "none".
func parseEndpoint(s string) (int, error) {
	if strings.EqualFold(s, "none") {
		return operator.None, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > maxEndpoint {
		return 0, fmt.Errorf("want a channel id 0..%d or none, got %q", maxEndpoint, s)
	}
	return n, nil
}

func (sh *Shell) addOperatorCmd() *cobra.Command {
	var (
		in, out, kind, stage string
		cost                 string
		prio, priority       int
		wcet                 uint64
		inSchema, outSchema  uint32
	)
	cmd := &cobra.Command{
		Use:   "add-operator <id>",
		Short: "Add an operator between two channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usage(sh, "graphctl add-operator <id> [--in N|none] [--out N|none] [--prio P] [--cost EXPR]")
			}
			id, err := strconv.Atoi(args[0])
			if err != nil || id < 0 {
				sh.printf("[GRAPH] invalid op_id\n")
				return reported(fmt.Errorf("invalid operator id %q", args[0]))
			}

			spec := operator.Spec{ID: id, Priority: prio, WCETEstimate: wcet, InSchema: inSchema, OutSchema: outSchema}
			if cmd.Flags().Changed("priority") {
				spec.Priority = priority
			}
			if spec.In, err = parseEndpoint(in); err != nil {
				sh.printf("[CTL] invalid --in\n")
				return reported(err)
			}
			if spec.Out, err = parseEndpoint(out); err != nil {
				sh.printf("[CTL] invalid --out\n")
				return reported(err)
			}
			if spec.Kind, err = operator.ParseKind(kind); err != nil {
				sh.printf("[CTL] invalid kind (use source|passthrough|transform|sink)\n")
				return reported(err)
			}
			if spec.Stage, err = operator.ParseStage(stage); err != nil {
				sh.printf("[CTL] invalid stage (use acquire|clean|explore|model|explain)\n")
				return reported(err)
			}
			var expr hcl.Expression
			if cost != "" {
				if sh.costs == nil {
					sh.printf("[CTL] --cost is not available in this shell\n")
					return reported(errors.New("no workload expression model"))
				}
				if expr, err = workload.ParseExpr(cost); err != nil {
					sh.printf("[CTL] invalid --cost: %v\n", err)
					return reported(err)
				}
			}

			if err := sh.sched.AddOperator(cmd.Context(), spec); err != nil {
				sh.printf("[GRAPH] add-operator failed: %v\n", err)
				return reported(err)
			}
			if expr != nil {
				sh.costs.Set(id, expr)
			}
			sh.printf("[GRAPH] Added operator %d priority %d\n", id, spec.Priority)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&in, "in", "none", "input channel id or none")
	f.StringVar(&out, "out", "none", "output channel id or none")
	f.IntVar(&prio, "prio", 10, "static priority 0..255, lower runs first")
	f.IntVar(&priority, "priority", 10, "alias of --prio")
	f.Uint64Var(&wcet, "wcet", 0, "declared per-step cycle estimate")
	f.StringVar(&kind, "kind", "auto", "source, passthrough, transform or sink")
	f.StringVar(&stage, "stage", "acquire", "pipeline stage tag")
	f.StringVar(&cost, "cost", "", "per-step demand expression without spaces, e.g. invocation%10==9?3000:800")
	f.Uint32Var(&inSchema, "in-schema", 0, "expected input schema id, 0 for untyped")
	f.Uint32Var(&outSchema, "out-schema", 0, "produced schema id, 0 for untyped")
	return cmd
}

func (sh *Shell) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <iterations>",
		Short: "Run scheduling rounds synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usage(sh, "graphctl start <iterations>")
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				sh.printf("[CTL] invalid steps\n")
				return reported(fmt.Errorf("invalid iteration count %q", args[0]))
			}
			rep, err := sh.sched.Start(cmd.Context(), n)
			if err != nil {
				if errors.Is(err, sched.ErrNoGraph) {
					sh.printf("[GRAPH] no active graph\n")
				} else {
					sh.printf("[GRAPH] start failed after %d rounds: %v\n", rep.Rounds, err)
				}
				return reported(err)
			}
			sh.printf("Execution complete: %d steps\n", rep.Rounds)
			sh.printf("[GRAPH] operator_steps=%d idle_rounds=%d\n", rep.Steps, rep.IdleRounds)
			return nil
		},
	}
}

func (sh *Shell) destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Tear down the graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			freed, err := sh.sched.Destroy(cmd.Context())
			if err != nil {
				sh.printf("[GRAPH] no active graph\n")
				return reported(err)
			}
			sh.printf("[GRAPH] Graph destroyed\n")
			sh.printf("[GRAPH] freed_tensors=%d\n", freed)
			return nil
		},
	}
}

// liveGraph returns the active graph or prints msg.
func (sh *Shell) liveGraph(msg string) (*graph.Graph, error) {
	g := sh.sched.Graph()
	if g == nil || g.State() == graph.Destroyed {
		sh.printf("%s\n", msg)
		return nil, reported(sched.ErrNoGraph)
	}
	return g, nil
}

func (sh *Shell) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print graph counts",
		RunE: func(*cobra.Command, []string) error {
			g, err := sh.liveGraph("GRAPH: no active graph")
			if err != nil {
				return err
			}
			c := g.Counts()
			sh.printf("GRAPH: counts ops=%d channels=%d\n", c.Operators, c.Channels)
			sh.printf("METRIC graph_stats_ops=%d\n", c.Operators)
			sh.printf("METRIC graph_stats_channels=%d\n", c.Channels)
			sh.printf("METRIC graph_stats_queued=%d\n", c.Queued)
			sh.printf("METRIC mem_pressure=%d\n", g.MemPressure())
			return nil
		},
	}
}

func (sh *Shell) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "export",
		Aliases: []string{"show"},
		Short:   "Print the graph as text",
		RunE: func(*cobra.Command, []string) error {
			g, err := sh.liveGraph("[GRAPH] no active graph")
			if err != nil {
				return err
			}
			if err := g.ExportText(sh.out); err != nil {
				return err
			}
			sh.printf("[GRAPH] export complete\n")
			return nil
		},
	}
}

func (sh *Shell) exportJSONCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-json",
		Short: "Print the graph as JSON",
		RunE: func(*cobra.Command, []string) error {
			g, err := sh.liveGraph("[GRAPH] no active graph")
			if err != nil {
				return err
			}
			return g.ExportJSON(sh.out)
		},
	}
}

// graphDetCmd is `graphctl det`, a shorthand for `det on`.
func (sh *Shell) graphDetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "det <wcet_cycles> <period_cycles> <deadline_cycles>",
		Aliases: []string{"deterministic"},
		Short:   "Same as det on",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 {
				return usage(sh, "graphctl det <wcet_cycles> <period_cycles> <deadline_cycles>")
			}
			return sh.detOn(cmd, args)
		},
	}
}
