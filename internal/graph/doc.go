// Package graph is the dataflow graph engine: operators linked by bounded
// channels, with a create / populate / start / destroy lifecycle.
//
// # Structure
//
// A Graph owns its channels (indexed by id, starting at 0) and its
// operators (keyed by the caller-chosen id). Every channel has at most one
// producer and one consumer. AddOperator attaches an operator to its input
// and output channels and records the producer->consumer edge in a
// topology.Graph, which rejects cycles. Any rejection leaves the graph
// exactly as it was.
//
// # Execution
//
// The graph does not decide what runs. Start performs a fixed number of
// rounds and asks a DispatchFunc, supplied by the scheduler, to pick and
// meter one operator per round; the dispatcher then calls Step. A step
// peeks its input, computes its output, and only when it completes
// publishes the output and dequeues the input. An interrupted step drops
// its output and leaves the input queued, so cancellation never leaves a
// partial write behind.
//
// # Thread-Safety
//
// Structural changes take the write lock. Step and the read-only
// inspection methods take the read lock; the channels themselves are SPSC
// rings and are only stepped by the single dispatch loop.
package graph
