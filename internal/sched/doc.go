// Package sched is the deterministic execution controller. It owns the
// active dataflow graph, the CBS admission table and the EDF ready queue,
// and runs the single cooperative dispatch loop.
//
// # Modes
//
// In best-effort mode the runnable operator with the lowest priority value
// runs next, with round-robin among equal priorities, and no budget is
// enforced. `det on` admits a graph-wide reservation in the CBS table and
// partitions it into one server per operator, weighted by the operators'
// declared WCET estimates; dispatch then follows earliest deadline first.
//
// # Time
//
// The dispatcher keeps a virtual cycle clock. A step advances it by the
// demand reported by the workload model. When nothing is eligible but some
// runnable operator waits for its server's replenishment, the clock jumps
// to that replenishment; otherwise the round is idle. Every round
// completes, so `start N` always returns after N rounds.
//
// # Outcomes
//
// A step whose demand exceeds its server's wcet overruns: it is cut when
// the budget runs out, its output is discarded and a deadline miss is
// recorded. A step whose demand exceeds only the remaining budget is
// deferred until the server is replenished. A step that completes after
// its job's absolute deadline is a miss, otherwise a hit. An operator that
// misses FaultThreshold times in a row is Faulted and its server
// cancelled; the rest of the graph keeps running.
//
// # Thread-Safety
//
// All commands take the scheduler mutex. Status reads the snapshot the
// monitor published after the last command or round and never blocks.
package sched
