package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/detgraph/internal/monitor"
	"github.com/vk/detgraph/internal/sched"
	"github.com/vk/detgraph/internal/workload"
)

func newShell(m workload.Model) (*Shell, *bytes.Buffer) {
	var opts []sched.Option
	if m != nil {
		opts = append(opts, sched.WithWorkload(m))
	}
	out := &bytes.Buffer{}
	return New(sched.New(sched.DefaultConfig(), opts...), out), out
}

// run executes lines in order and returns everything printed.
func run(t *testing.T, sh *Shell, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	out.Reset()
	for _, l := range lines {
		_ = sh.Exec(context.Background(), l)
	}
	return out.String()
}

func TestGraphctlScenario(t *testing.T) {
	// --- Arrange ---
	sh, out := newShell(nil)

	// --- Act ---
	got := run(t, sh, out,
		"graphctl create --num-operators 5",
		"graphctl add-operator 0 --in none --out 1 --prio 10",
		"graphctl start 100",
		"graphctl stats",
	)

	// --- Assert ---
	assert.Contains(t, got, "Graph created\n")
	assert.Contains(t, got, "[GRAPH] Added operator 0 priority 10\n")
	assert.Contains(t, got, "Execution complete: 100 steps\n")
	assert.Contains(t, got, "GRAPH: counts ops=1 channels=5\n")
	assert.Equal(t, uint64(100), sh.Scheduler().Status().Totals.Rounds)
}

func TestDetScenarios(t *testing.T) {
	misses := regexp.MustCompile(`\[DET\] enabled=1 wcet=\d+ period=\d+ deadline=\d+ misses=(\d+)`)

	t.Run("within budget reports zero misses", func(t *testing.T) {
		// --- Arrange ---
		sh, out := newShell(workload.Uniform(1_000_000))

		// --- Act ---
		got := run(t, sh, out,
			"graphctl create --num-operators 5",
			"graphctl add-operator 0 --in none --out 1 --prio 10",
			"graphctl add-operator 1 --in 1 --out none --prio 10",
			"det on 5000000 10000000 10000000",
			"graphctl start 100",
			"det status",
		)

		// --- Assert ---
		assert.Contains(t, got, "[DET] admitted")
		assert.Contains(t, got, "[DET] enabled=1 wcet=5000000 period=10000000 deadline=10000000 misses=0\n")
		assert.Contains(t, got, "[DET] jitter_samples=")
		assert.Contains(t, got, "[DET] server op0 wcet=")
	})

	t.Run("over budget reports misses", func(t *testing.T) {
		// --- Arrange ---
		sh, out := newShell(workload.Uniform(1_500_000))

		// --- Act ---
		got := run(t, sh, out,
			"graphctl create --num-operators 5",
			"graphctl add-operator 0 --in none --out 1 --prio 10",
			"det on 1000000 2000000 2000000",
			"graphctl start 100",
			"det status",
		)

		// --- Assert ---
		m := misses.FindStringSubmatch(got)
		require.NotNil(t, m, got)
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		assert.Positive(t, n)
	})

	t.Run("rejections leave the mode alone", func(t *testing.T) {
		sh, out := newShell(nil)

		got := run(t, sh, out,
			"det on 11 10 10",
			"det on abc 10 10",
			"det on 1 2",
		)

		assert.Contains(t, got, "[DET] rejected: ")
		assert.Contains(t, got, "[DET] invalid wcet\n")
		assert.Contains(t, got, "Usage: det on")
		assert.Equal(t, sched.BestEffort, sh.Scheduler().Mode())
	})

	t.Run("off and reset", func(t *testing.T) {
		sh, out := newShell(workload.Uniform(1))

		got := run(t, sh, out,
			"det reset",
			"graphctl create --num-operators 1",
			"graphctl add-operator 0",
			"graphctl det 5 10 10",
			"graphctl start 3",
			"det reset",
			"det off",
		)

		assert.Contains(t, got, "[DET] no active graph\n")
		assert.Contains(t, got, "[DET] counters reset\n")
		assert.Contains(t, got, "[DET] disabled\n")
		assert.Equal(t, monitor.Totals{}, sh.Scheduler().Status().Totals)
		assert.Equal(t, sched.BestEffort, sh.Scheduler().Mode())
	})

	t.Run("status as json", func(t *testing.T) {
		sh, out := newShell(nil)
		got := run(t, sh, out, "det status --format json")

		var snap monitor.Snapshot
		require.NoError(t, json.Unmarshal([]byte(got), &snap))
		assert.Equal(t, "best-effort", snap.Mode)
	})

	t.Run("status as yaml", func(t *testing.T) {
		sh, out := newShell(nil)
		got := run(t, sh, out, "det status --format yaml")
		assert.Contains(t, got, "mode: best-effort\n")
	})
}

func TestAddOperatorFailures(t *testing.T) {
	sh, out := newShell(nil)
	run(t, sh, out,
		"graphctl create --num-operators 2",
		"graphctl add-operator 0 --in none --out 1",
	)

	cases := map[string]string{
		"graphctl add-operator 0 --in none --out 0": "[GRAPH] add-operator failed: ",
		"graphctl add-operator 1 --in 7 --out none": "[GRAPH] add-operator failed: ",
		"graphctl add-operator 1 --in x":            "[CTL] invalid --in\n",
		"graphctl add-operator 1 --stage sideways":  "[CTL] invalid stage",
		"graphctl add-operator 1 --kind blender":    "[CTL] invalid kind",
		"graphctl add-operator one":                 "[GRAPH] invalid op_id\n",
		"graphctl add-operator 1 --in 1 --prio 999": "[GRAPH] add-operator failed: ",
		"graphctl add-operator 1 --cost 5":          "[CTL] --cost is not available",
	}
	for line, want := range cases {
		t.Run(line, func(t *testing.T) {
			got := run(t, sh, out, line)
			assert.Contains(t, got, want)
		})
	}
	assert.Equal(t, 1, sh.Scheduler().Graph().Counts().Operators, "failures leave no partial state")
}

func TestAddOperatorCost(t *testing.T) {
	newCostShell := func() (*Shell, *bytes.Buffer, *workload.Expr) {
		m := workload.NewExpr(nil, workload.Uniform(1))
		out := &bytes.Buffer{}
		return New(sched.New(sched.DefaultConfig(), sched.WithWorkload(m)), out, WithCosts(m)), out, m
	}

	t.Run("expression drives the charged demand", func(t *testing.T) {
		// --- Arrange ---
		sh, out, m := newCostShell()

		// --- Act ---
		got := run(t, sh, out,
			"graphctl create --num-operators 2",
			"graphctl add-operator 0 --cost invocation%2==1?10:3",
			"graphctl start 4",
		)

		// --- Assert ---
		assert.Contains(t, got, "[GRAPH] Added operator 0 priority 10\n")
		assert.Equal(t, uint64(3+10+3+10), sh.Scheduler().Now())
		assert.Zero(t, m.Errors())
	})

	t.Run("invalid expression adds nothing", func(t *testing.T) {
		// --- Arrange ---
		sh, out, _ := newCostShell()
		run(t, sh, out, "graphctl create --num-operators 2")

		// --- Act ---
		got := run(t, sh, out, "graphctl add-operator 0 --cost 1+")

		// --- Assert ---
		assert.Contains(t, got, "[CTL] invalid --cost: ")
		assert.Zero(t, sh.Scheduler().Graph().Counts().Operators)
	})
}

func TestGraphLifecycleCommands(t *testing.T) {
	sh, out := newShell(workload.Uniform(1))

	got := run(t, sh, out,
		"graphctl create --num-operators 2",
		"graphctl add-channel 4",
		"graphctl add-operator 0 --in none --out 2 --priority 3",
		"graphctl export",
		"graphctl destroy",
		"graphctl stats",
		"graphctl destroy",
		"graphctl start 1",
	)

	assert.Contains(t, got, "[CTL] ok channel=2 capacity=4\n")
	assert.Contains(t, got, "[GRAPH] Added operator 0 priority 3\n")
	assert.Contains(t, got, "GRAPH EXPORT\n")
	assert.Contains(t, got, "[GRAPH] export complete\n")
	assert.Contains(t, got, "[GRAPH] Graph destroyed\n")
	assert.Contains(t, got, "GRAPH: no active graph\n")
	assert.Equal(t, 2, strings.Count(got, "[GRAPH] no active graph\n"))
}

func TestExportJSON(t *testing.T) {
	sh, out := newShell(nil)
	got := run(t, sh, out,
		"graphctl create --num-operators 1",
		"graphctl add-operator 0 --in none --out 0 --wcet 100",
	)
	require.Contains(t, got, "[GRAPH] Added operator 0 priority 10\n")

	got = run(t, sh, out, "graphctl export-json")

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &doc))
	assert.Contains(t, doc, "operators")
}

func TestDiagnosticCommands(t *testing.T) {
	sh, out := newShell(nil)

	got := run(t, sh, out, "temporaliso")
	assert.Contains(t, got, "[TEMPORAL ISOLATION] complete: 3/3 checks passed\n")

	got = run(t, sh, out, "rtaivalidation --format yaml")
	assert.Contains(t, got, "name: rtaivalidation\n")

	got = run(t, sh, out, "phase3validation --format xml")
	assert.Contains(t, got, "unknown format")
}

func TestExecMisc(t *testing.T) {
	sh, out := newShell(nil)

	assert.NoError(t, sh.Exec(context.Background(), "   "))
	assert.NoError(t, sh.Exec(context.Background(), "# comment"))
	assert.ErrorIs(t, sh.Exec(context.Background(), "exit"), ErrExit)

	got := run(t, sh, out, "bogus")
	assert.Contains(t, got, "unknown command")
	assert.Contains(t, got, "Type 'help'")

	got = run(t, sh, out, "help")
	assert.Contains(t, got, "graphctl add-operator <id>")
	assert.Contains(t, got, "det status [--format text|json|yaml]")
}

func TestRun(t *testing.T) {
	// --- Arrange ---
	out := &bytes.Buffer{}
	sh := New(sched.New(sched.DefaultConfig()), out, WithPrompt("> "))
	script := strings.Join([]string{
		"# boot",
		"graphctl create --num-operators 2",
		"exit",
		"graphctl destroy",
	}, "\n")

	// --- Act ---
	err := sh.Run(context.Background(), strings.NewReader(script))

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, out.String(), "> Graph created\n")
	assert.NotContains(t, out.String(), "Graph destroyed", "lines after exit are not run")
}
