package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/vk/detgraph/internal/cbs"
	"github.com/vk/detgraph/internal/diag"
	"github.com/vk/detgraph/internal/graph"
	"gopkg.in/yaml.v3"
)

func (sh *Shell) detCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "det",
		Short: "Control CBS+EDF deterministic dispatch",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "on <wcet_cycles> <period_cycles> <deadline_cycles>",
			Short: "Admit a reservation and enable CBS+EDF",
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) != 3 {
					return usage(sh, "det on <wcet_cycles> <period_cycles> <deadline_cycles>")
				}
				return sh.detOn(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "off",
			Short: "Cancel all servers and revert to best-effort",
			RunE: func(cmd *cobra.Command, _ []string) error {
				sh.sched.DetOff(cmd.Context())
				sh.printf("[DET] disabled\n")
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Zero counters and recover faulted operators",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if g := sh.sched.Graph(); g == nil || g.State() == graph.Destroyed {
					sh.printf("[DET] no active graph\n")
					return reported(errors.New("no active graph"))
				}
				sh.sched.DetReset(cmd.Context())
				sh.printf("[DET] counters reset\n")
				return nil
			},
		},
		sh.detStatusCmd(),
	)
	return cmd
}

func (sh *Shell) detOn(cmd *cobra.Command, args []string) error {
	names := [3]string{"wcet", "period", "deadline"}
	var v [3]uint64
	for i, a := range args {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			sh.printf("[DET] invalid %s\n", names[i])
			return reported(fmt.Errorf("invalid %s %q", names[i], a))
		}
		v[i] = n
	}
	if err := sh.sched.DetOn(cmd.Context(), v[0], v[1], v[2]); err != nil {
		sh.printf("[DET] rejected: %v\n", err)
		return reported(err)
	}
	st := sh.sched.Status()
	sh.printf("[DET] admitted utilization=%s bound=%s\n", st.Utilization, st.Bound)
	return nil
}

func (sh *Shell) detStatusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the scheduler snapshot",
		RunE: func(*cobra.Command, []string) error {
			f, err := diag.ParseFormat(format)
			if err != nil {
				sh.printf("[DET] %v\n", err)
				return reported(err)
			}
			st := sh.sched.Status()
			switch f {
			case diag.FormatJSON:
				enc := json.NewEncoder(sh.out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			case diag.FormatYAML:
				enc := yaml.NewEncoder(sh.out)
				enc.SetIndent(2)
				if err := enc.Encode(st); err != nil {
					return err
				}
				return enc.Close()
			}

			enabled := 0
			if st.Enabled {
				enabled = 1
			}
			t := st.Totals
			sh.printf("[DET] enabled=%d wcet=%d period=%d deadline=%d misses=%d\n",
				enabled, st.WCET, st.Period, st.Deadline, t.Misses)
			sh.printf("[DET] mode=%s utilization=%s bound=%s now_cycles=%d\n",
				st.Mode, st.Utilization, st.Bound, st.Now)
			sh.printf("[DET] scheduler_deadline_misses=%d deadline_hits=%d overruns=%d budget_exhaustions=%d faulted=%d\n",
				t.Misses, t.Hits, t.Overruns, t.Exhaustions, st.Faulted())
			if t.Jitter.Samples > 0 {
				sh.printf("[DET] jitter_samples=%d max_jitter_cycles=%d mean_jitter_cycles=%d\n",
					t.Jitter.Samples, t.Jitter.Max, t.Jitter.Mean)
			}
			for _, srv := range st.Servers {
				sh.printf("[DET] server %s %s\n", srv.Name, describeServer(srv))
			}
			if st.AuditDropped > 0 {
				sh.printf("[DET] audit_dropped=%d\n", st.AuditDropped)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "text, json or yaml")
	return cmd
}

func describeServer(srv cbs.Info) string {
	state := "active"
	switch {
	case srv.Cancelled:
		state = "cancelled"
	case srv.Suspended:
		state = "suspended"
	}
	return fmt.Sprintf("wcet=%d period=%d deadline=%d budget=%d abs_deadline=%d state=%s",
		srv.WCET, srv.Period, srv.Deadline, srv.Remaining, srv.AbsDeadline, state)
}

func (sh *Shell) diagCmd(name, short string) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := diag.ParseFormat(format)
			if err != nil {
				sh.printf("%v\n", err)
				return reported(err)
			}
			r, err := diag.Run(cmd.Context(), name, sh.sched)
			if err != nil {
				return err
			}
			return r.Render(sh.out, f)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "text, json or yaml")
	return cmd
}
