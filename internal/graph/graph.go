package graph

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vk/detgraph/internal/channel"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/topology"
)

// MaxOperators bounds the operator capacity of a graph.
const MaxOperators = 65535

// DefaultChannelCapacity is used when the caller passes 0.
const DefaultChannelCapacity = 64

// State is the graph lifecycle state.
type State int

const (
	Created State = iota
	Running
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Graph is a dataflow graph instance.
type Graph struct {
	mu sync.RWMutex

	id       string
	capacity int
	state    State

	channels  []*channel.Channel
	operators map[int]*operator.Operator
	topo      *topology.Graph

	steps     atomic.Uint64
	discarded atomic.Uint64
}

// New creates a graph with room for numOperators operators and provisions
// channels 0..numOperators-1 with channelCapacity slots each.
func New(numOperators, channelCapacity int) (*Graph, error) {
	if numOperators < 1 || numOperators > MaxOperators {
		return nil, topoErr("create", operator.None, operator.None, ErrBadSize)
	}
	if channelCapacity == 0 {
		channelCapacity = DefaultChannelCapacity
	}
	g := &Graph{
		id:        uuid.New().String(),
		capacity:  numOperators,
		operators: make(map[int]*operator.Operator, numOperators),
		topo:      topology.New(),
	}
	for i := 0; i < numOperators; i++ {
		if _, err := g.addChannelLocked(channelCapacity); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID returns the graph instance id. Every New yields a fresh one.
func (g *Graph) ID() string { return g.id }

// State returns the lifecycle state.
func (g *Graph) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Capacity returns the maximum number of operators.
func (g *Graph) Capacity() int { return g.capacity }

// AddChannel appends a channel and returns its id.
func (g *Graph) AddChannel(capacity int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.mutableLocked("add-channel"); err != nil {
		return 0, err
	}
	return g.addChannelLocked(capacity)
}

func (g *Graph) addChannelLocked(capacity int) (int, error) {
	id := len(g.channels)
	ch, err := channel.New(id, capacity)
	if err != nil {
		return 0, topoErr("add-channel", operator.None, id, err)
	}
	g.channels = append(g.channels, ch)
	return id, nil
}

func (g *Graph) mutableLocked(op string) error {
	switch g.state {
	case Running:
		return topoErr(op, operator.None, operator.None, ErrGraphStarted)
	case Destroyed:
		return topoErr(op, operator.None, operator.None, ErrGraphDestroyed)
	}
	return nil
}

func (g *Graph) channelLocked(id int) *channel.Channel {
	if id < 0 || id >= len(g.channels) {
		return nil
	}
	return g.channels[id]
}

// AddOperator validates spec against the current topology and attaches the
// operator. On any error the graph is unchanged.
func (g *Graph) AddOperator(spec operator.Spec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	const op = "add-operator"
	if err := g.mutableLocked(op); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return topoErr(op, spec.ID, operator.None, err)
	}
	if _, exists := g.operators[spec.ID]; exists {
		return topoErr(op, spec.ID, operator.None, ErrDuplicateOperator)
	}
	if len(g.operators) >= g.capacity {
		return topoErr(op, spec.ID, operator.None, ErrGraphFull)
	}

	var in, out *channel.Channel
	if spec.In != operator.None {
		if in = g.channelLocked(spec.In); in == nil {
			return topoErr(op, spec.ID, spec.In, ErrUnknownChannel)
		}
		if in.Consumer() != channel.NoEndpoint {
			return topoErr(op, spec.ID, spec.In, ErrEndpointInUse)
		}
		if err := g.checkSchema(in, spec.InSchema, in.Producer(), true); err != nil {
			return topoErr(op, spec.ID, spec.In, err)
		}
	}
	if spec.Out != operator.None {
		if out = g.channelLocked(spec.Out); out == nil {
			return topoErr(op, spec.ID, spec.Out, ErrUnknownChannel)
		}
		if out.Producer() != channel.NoEndpoint {
			return topoErr(op, spec.ID, spec.Out, ErrEndpointInUse)
		}
		if err := g.checkSchema(out, spec.OutSchema, out.Consumer(), false); err != nil {
			return topoErr(op, spec.ID, spec.Out, err)
		}
	}

	g.topo.AddNode(spec.ID)
	if in != nil && in.Producer() != channel.NoEndpoint {
		if err := g.topo.AddEdge(in.Producer(), spec.ID); err != nil {
			g.topo.RemoveNode(spec.ID)
			return topoErr(op, spec.ID, spec.In, err)
		}
	}
	if out != nil && out.Consumer() != channel.NoEndpoint {
		if err := g.topo.AddEdge(spec.ID, out.Consumer()); err != nil {
			g.topo.RemoveNode(spec.ID)
			return topoErr(op, spec.ID, spec.Out, err)
		}
	}

	o, err := operator.New(spec)
	if err != nil {
		g.topo.RemoveNode(spec.ID)
		return topoErr(op, spec.ID, operator.None, err)
	}
	// Everything below was checked above and cannot fail.
	if in != nil {
		_ = in.AttachConsumer(spec.ID)
		_ = in.BindSchema(spec.InSchema)
	}
	if out != nil {
		_ = out.AttachProducer(spec.ID)
		_ = out.BindSchema(spec.OutSchema)
	}
	g.operators[spec.ID] = o
	return nil
}

// checkSchema compares a requested schema with the channel binding and
// with the schema declared by the operator on the other end.
func (g *Graph) checkSchema(ch *channel.Channel, want uint32, peer int, inbound bool) error {
	if want == 0 {
		return nil
	}
	if s := ch.Schema(); s != 0 && s != want {
		return ErrSchemaMismatch
	}
	if p, ok := g.operators[peer]; ok {
		other := p.Spec().InSchema
		if inbound {
			other = p.Spec().OutSchema
		}
		if other != 0 && other != want {
			return ErrSchemaMismatch
		}
	}
	return nil
}

// Operator returns the operator with the given id.
func (g *Graph) Operator(id int) (*operator.Operator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	o, ok := g.operators[id]
	return o, ok
}

// Operators returns all operators ordered by id.
func (g *Graph) Operators() []*operator.Operator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*operator.Operator, 0, len(g.operators))
	for _, o := range g.operators {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Channel returns the channel with the given id.
func (g *Graph) Channel(id int) (*channel.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ch := g.channelLocked(id)
	return ch, ch != nil
}

// DispatchFunc runs one scheduling round and reports whether an operator
// step completed or was interrupted during it.
type DispatchFunc func(ctx context.Context, g *Graph) (bool, error)

// RunReport summarizes a Start call.
type RunReport struct {
	Rounds     int
	Steps      int
	IdleRounds int
}

// Start moves the graph to Running and performs iterations rounds through
// dispatch. It returns early only if ctx is cancelled or dispatch fails;
// the report then covers the rounds that did complete.
func (g *Graph) Start(ctx context.Context, iterations int, dispatch DispatchFunc) (RunReport, error) {
	var report RunReport

	g.mu.Lock()
	if g.state == Destroyed {
		g.mu.Unlock()
		return report, topoErr("start", operator.None, operator.None, ErrGraphDestroyed)
	}
	g.state = Running
	g.mu.Unlock()

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		stepped, err := dispatch(ctx, g)
		if err != nil {
			return report, err
		}
		report.Rounds++
		if stepped {
			report.Steps++
		} else {
			report.IdleRounds++
		}
	}
	return report, nil
}

// Destroy drains every channel, returns all operators to Idle and marks
// the graph Destroyed. It returns the number of tensors freed.
func (g *Graph) Destroy() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	freed := 0
	for _, ch := range g.channels {
		freed += ch.Drain()
		ch.Detach()
	}
	for _, o := range g.operators {
		o.Reset()
	}
	g.state = Destroyed
	return freed
}
