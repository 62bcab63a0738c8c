package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/tensor"
)

func newGraph(t *testing.T, n int) *Graph {
	t.Helper()
	g, err := New(n, 4)
	require.NoError(t, err)
	return g
}

func spec(id, in, out int) operator.Spec {
	return operator.Spec{ID: id, In: in, Out: out, Priority: 10}
}

// roundRobin steps every runnable operator in id order, one per round.
func roundRobin() DispatchFunc {
	next := 0
	return func(_ context.Context, g *Graph) (bool, error) {
		ops := g.Operators()
		for i := range ops {
			op := ops[(next+i)%len(ops)]
			if g.Readiness(op) != NotBlocked {
				continue
			}
			next = (next + i + 1) % len(ops)
			_, err := g.Step(op.ID(), false)
			return true, err
		}
		return false, nil
	}
}

func TestNew(t *testing.T) {
	t.Run("provisions one channel per operator slot", func(t *testing.T) {
		g := newGraph(t, 5)
		c := g.Counts()
		assert.Equal(t, 5, c.Channels)
		assert.Equal(t, 5, c.Capacity)
		assert.Equal(t, 0, c.Operators)
		assert.Equal(t, Created, g.State())
	})

	t.Run("rejects bad sizes", func(t *testing.T) {
		_, err := New(0, 4)
		assert.ErrorIs(t, err, ErrBadSize)
		_, err = New(2, 70000)
		assert.Error(t, err)
	})

	t.Run("every graph gets a fresh id", func(t *testing.T) {
		assert.NotEqual(t, newGraph(t, 1).ID(), newGraph(t, 1).ID())
	})
}

func TestAddOperator(t *testing.T) {
	t.Run("source into provisioned channel", func(t *testing.T) {
		g := newGraph(t, 5)
		require.NoError(t, g.AddOperator(spec(0, operator.None, 1)))

		ch, ok := g.Channel(1)
		require.True(t, ok)
		assert.Equal(t, 0, ch.Producer())
		op, ok := g.Operator(0)
		require.True(t, ok)
		assert.Equal(t, operator.KindSource, op.Kind())
	})

	cases := []struct {
		name  string
		setup []operator.Spec
		add   operator.Spec
		want  error
	}{
		{"duplicate id", []operator.Spec{spec(0, operator.None, 1)}, spec(0, operator.None, 2), ErrDuplicateOperator},
		{"unknown input channel", nil, spec(0, 9, operator.None), ErrUnknownChannel},
		{"unknown output channel", nil, spec(0, operator.None, 9), ErrUnknownChannel},
		{"second producer", []operator.Spec{spec(0, operator.None, 1)}, spec(1, operator.None, 1), ErrEndpointInUse},
		{"second consumer", []operator.Spec{spec(0, 1, operator.None)}, spec(1, 1, operator.None), ErrEndpointInUse},
		{"cycle", []operator.Spec{spec(0, 1, 2)}, spec(1, 2, 1), ErrCycle},
		{"bad priority", nil, operator.Spec{ID: 0, In: operator.None, Out: 1, Priority: 300}, ErrInvalidSpec},
		{
			"schema mismatch with producer",
			[]operator.Spec{{ID: 0, In: operator.None, Out: 1, OutSchema: 7}},
			operator.Spec{ID: 1, In: 1, Out: operator.None, InSchema: 8},
			ErrSchemaMismatch,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// --- Arrange ---
			g := newGraph(t, 3)
			for _, s := range c.setup {
				require.NoError(t, g.AddOperator(s))
			}
			before := g.Export()

			// --- Act ---
			err := g.AddOperator(c.add)

			// --- Assert ---
			assert.ErrorIs(t, err, c.want)
			var te *TopologyError
			assert.True(t, errors.As(err, &te))
			assert.Equal(t, before, g.Export(), "rejection must leave no partial state")
		})
	}

	t.Run("capacity is enforced", func(t *testing.T) {
		g := newGraph(t, 1)
		require.NoError(t, g.AddOperator(spec(0, operator.None, operator.None)))
		assert.ErrorIs(t, g.AddOperator(spec(1, operator.None, operator.None)), ErrGraphFull)
	})

	t.Run("matching schemas connect", func(t *testing.T) {
		g := newGraph(t, 3)
		require.NoError(t, g.AddOperator(operator.Spec{ID: 0, In: operator.None, Out: 1, OutSchema: 7}))
		require.NoError(t, g.AddOperator(operator.Spec{ID: 1, In: 1, Out: operator.None, InSchema: 7}))
		ch, _ := g.Channel(1)
		assert.Equal(t, uint32(7), ch.Schema())
	})

	t.Run("no changes after start", func(t *testing.T) {
		g := newGraph(t, 2)
		_, err := g.Start(context.Background(), 1, roundRobin())
		require.NoError(t, err)
		assert.ErrorIs(t, g.AddOperator(spec(0, operator.None, 1)), ErrGraphStarted)
		_, err = g.AddChannel(4)
		assert.ErrorIs(t, err, ErrGraphStarted)
	})
}

func TestAddChannel(t *testing.T) {
	g := newGraph(t, 2)
	id, err := g.AddChannel(128)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	_, err = g.AddChannel(0)
	assert.Error(t, err)
	_, err = g.AddChannel(65536)
	assert.Error(t, err)
	assert.Equal(t, 3, g.Counts().Channels)
}

func TestStart(t *testing.T) {
	t.Run("runs exactly the requested rounds", func(t *testing.T) {
		// --- Arrange ---
		g := newGraph(t, 5)
		require.NoError(t, g.AddOperator(spec(0, operator.None, 1)))

		// --- Act ---
		rep, err := g.Start(context.Background(), 100, roundRobin())

		// --- Assert ---
		require.NoError(t, err)
		assert.Equal(t, 100, rep.Rounds)
		assert.Equal(t, 4, rep.Steps, "channel 1 holds four tensors")
		assert.Equal(t, 96, rep.IdleRounds)
		assert.Equal(t, Running, g.State())
	})

	t.Run("pipeline moves tensors end to end", func(t *testing.T) {
		g := newGraph(t, 3)
		require.NoError(t, g.AddOperator(spec(0, operator.None, 0)))
		require.NoError(t, g.AddOperator(operator.Spec{ID: 1, In: 0, Out: 1, Kind: operator.KindTransform}))
		require.NoError(t, g.AddOperator(spec(2, 1, operator.None)))

		rep, err := g.Start(context.Background(), 30, roundRobin())
		require.NoError(t, err)
		assert.Equal(t, 30, rep.Steps)

		sink, _ := g.Operator(2)
		assert.Positive(t, sink.Invocations())
		c := g.Counts()
		assert.Equal(t, uint64(30), c.Steps)
		assert.Equal(t, []int{0, 1, 2}, g.Export().Order)
	})

	t.Run("cancelled context stops between rounds", func(t *testing.T) {
		g := newGraph(t, 1)
		ctx, cancel := context.WithCancel(context.Background())
		rounds := 0
		rep, err := g.Start(ctx, 10, func(context.Context, *Graph) (bool, error) {
			rounds++
			if rounds == 3 {
				cancel()
			}
			return false, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 3, rep.Rounds)
	})
}

func TestStep(t *testing.T) {
	t.Run("interrupted step discards output and keeps input", func(t *testing.T) {
		// --- Arrange ---
		g := newGraph(t, 3)
		require.NoError(t, g.AddOperator(spec(0, operator.None, 0)))
		require.NoError(t, g.AddOperator(spec(1, 0, 1)))
		_, err := g.Step(0, false)
		require.NoError(t, err)
		in, _ := g.Channel(0)
		out, _ := g.Channel(1)

		// --- Act ---
		res, err := g.Step(1, true)

		// --- Assert ---
		require.NoError(t, err)
		assert.True(t, res.Discarded)
		assert.Equal(t, 1, in.Depth())
		assert.Equal(t, 0, out.Depth())
		assert.Equal(t, uint64(1), g.Counts().Discarded)

		res, err = g.Step(1, false)
		require.NoError(t, err)
		assert.True(t, res.Consumed)
		assert.True(t, res.Produced)
		assert.Equal(t, 0, in.Depth())
		assert.Equal(t, 1, out.Depth())
	})

	t.Run("blocked reasons", func(t *testing.T) {
		g := newGraph(t, 2)
		require.NoError(t, g.AddOperator(spec(0, operator.None, 0)))
		require.NoError(t, g.AddOperator(spec(1, 0, operator.None)))
		sink, _ := g.Operator(1)
		src, _ := g.Operator(0)

		assert.Equal(t, InputEmpty, g.Readiness(sink))
		_, err := g.Step(1, false)
		assert.Error(t, err)

		for i := 0; i < 4; i++ {
			_, err := g.Step(0, false)
			require.NoError(t, err)
		}
		assert.Equal(t, OutputFull, g.Readiness(src))

		src.SetState(operator.Faulted)
		assert.Equal(t, OperatorFaulted, g.Readiness(src))
		_, err = g.Step(0, false)
		assert.ErrorIs(t, err, ErrOperatorFaulted)
	})
}

func TestDestroy(t *testing.T) {
	// --- Arrange ---
	g := newGraph(t, 2)
	require.NoError(t, g.AddOperator(spec(0, operator.None, 0)))
	_, err := g.Start(context.Background(), 3, roundRobin())
	require.NoError(t, err)

	// --- Act ---
	freed := g.Destroy()

	// --- Assert ---
	assert.Equal(t, 3, freed)
	assert.Equal(t, Destroyed, g.State())
	assert.Equal(t, 0, g.Counts().Queued)
	op, _ := g.Operator(0)
	assert.Equal(t, operator.Idle, op.State())
	assert.ErrorIs(t, g.AddOperator(spec(1, operator.None, 1)), ErrGraphDestroyed)
	_, err = g.Start(context.Background(), 1, roundRobin())
	assert.ErrorIs(t, err, ErrGraphDestroyed)

	fresh := newGraph(t, 2)
	assert.Equal(t, 0, fresh.Counts().Operators)
	assert.Equal(t, 0, fresh.Counts().Queued)
}

func TestExport(t *testing.T) {
	g := newGraph(t, 2)
	require.NoError(t, g.AddOperator(spec(0, operator.None, 1)))
	_, err := g.Step(0, false)
	require.NoError(t, err)

	var text bytes.Buffer
	require.NoError(t, g.ExportText(&text))
	assert.Contains(t, text.String(), "GRAPH EXPORT\nchannels=2 ops=1\n")
	assert.Contains(t, text.String(), "op id=0 kind=source stage=acquire prio=10 in=none out=1")
	assert.Contains(t, text.String(), "ch id=1 cap=4 depth=1 producer=0 consumer=none")
	assert.True(t, strings.HasSuffix(text.String(), "order=0\n"))

	var js bytes.Buffer
	require.NoError(t, g.ExportJSON(&js))
	var decoded Export
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, g.ID(), decoded.ID)
	assert.Len(t, decoded.Operators, 1)
	assert.Equal(t, []int{0}, decoded.Order)

	assert.Equal(t, uint32(125), g.MemPressure())
}

func TestTensorSurvivesChannelHop(t *testing.T) {
	g := newGraph(t, 1)
	ch, _ := g.Channel(0)
	in, err := tensor.NewF32([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	in.SchemaID, in.Lineage = 3, 42
	want := in.Clone()

	require.NoError(t, ch.TryEnqueue(in))
	out, err := ch.TryDequeue()
	require.NoError(t, err)
	assert.Equal(t, want, out)
}
