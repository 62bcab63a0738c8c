package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/detgraph/internal/tensor"
)

func mustF32(t *testing.T, vals ...float32) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.NewF32([]int{len(vals)}, vals)
	require.NoError(t, err)
	return tn
}

func TestNew_RejectsBadCapacity(t *testing.T) {
	_, err := New(0, 0)
	assert.ErrorIs(t, err, ErrBadCapacity)
	_, err = New(0, MaxCapacity+1)
	assert.ErrorIs(t, err, ErrBadCapacity)
}

// TestRoundTrip verifies a tensor comes out of the channel exactly as it went in.
func TestRoundTrip(t *testing.T) {
	// --- Arrange ---
	ch, err := New(1, 4)
	require.NoError(t, err)
	in := mustF32(t, 1, 2, 3)
	in.SchemaID = 7
	in.Lineage = 99
	want := in.Clone()

	// --- Act ---
	require.NoError(t, ch.TryEnqueue(in))
	out, err := ch.TryDequeue()

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, want, out)
	assert.True(t, ch.IsEmpty())
}

func TestBackpressure(t *testing.T) {
	ch, err := New(1, 2)
	require.NoError(t, err)

	require.NoError(t, ch.TryEnqueue(mustF32(t, 1)))
	require.NoError(t, ch.TryEnqueue(mustF32(t, 2)))
	assert.True(t, ch.IsFull())
	assert.ErrorIs(t, ch.TryEnqueue(mustF32(t, 3)), ErrFull)
	assert.Equal(t, uint64(1), ch.Stats().Stalls)

	first, err := ch.TryDequeue()
	require.NoError(t, err)
	vals, _ := first.Float32s()
	assert.Equal(t, []float32{1}, vals, "FIFO order must be preserved")
	assert.NoError(t, ch.TryEnqueue(mustF32(t, 3)))
}

func TestEmpty(t *testing.T) {
	ch, err := New(0, 1)
	require.NoError(t, err)
	_, err = ch.TryDequeue()
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = ch.Peek()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPeekDoesNotConsume(t *testing.T) {
	ch, err := New(0, 2)
	require.NoError(t, err)
	require.NoError(t, ch.TryEnqueue(mustF32(t, 5)))

	p, err := ch.Peek()
	require.NoError(t, err)
	d, err := ch.TryDequeue()
	require.NoError(t, err)
	assert.Same(t, p, d)
}

func TestValidationOnEntry(t *testing.T) {
	ch, err := New(0, 2)
	require.NoError(t, err)

	bad := &tensor.Tensor{DType: tensor.F32, Shape: []int{2}, Data: []byte{1}}
	assert.ErrorIs(t, ch.TryEnqueue(bad), tensor.ErrShapeMismatch)

	require.NoError(t, ch.BindSchema(3))
	typed := mustF32(t, 1)
	typed.SchemaID = 4
	assert.ErrorIs(t, ch.TryEnqueue(typed), tensor.ErrSchemaMismatch)
	assert.Equal(t, uint64(2), ch.Stats().Rejected)
	assert.True(t, ch.IsEmpty())
}

func TestBindSchema(t *testing.T) {
	ch, err := New(0, 1)
	require.NoError(t, err)
	require.NoError(t, ch.BindSchema(0))
	require.NoError(t, ch.BindSchema(5))
	require.NoError(t, ch.BindSchema(5))
	assert.ErrorIs(t, ch.BindSchema(6), tensor.ErrSchemaMismatch)
	assert.Equal(t, uint32(5), ch.Schema())
}

func TestEndpoints(t *testing.T) {
	ch, err := New(0, 1)
	require.NoError(t, err)

	require.NoError(t, ch.AttachProducer(1))
	assert.ErrorIs(t, ch.AttachProducer(2), ErrEndpointInUse)
	require.NoError(t, ch.AttachConsumer(2))
	assert.ErrorIs(t, ch.AttachConsumer(3), ErrEndpointInUse)

	ch.Detach()
	assert.Equal(t, NoEndpoint, ch.Producer())
	assert.Equal(t, NoEndpoint, ch.Consumer())
}

func TestDrain(t *testing.T) {
	ch, err := New(0, 8)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.TryEnqueue(mustF32(t, float32(i))))
	}

	assert.Equal(t, 5, ch.Drain())
	assert.True(t, ch.IsEmpty())
	assert.Equal(t, uint64(5), ch.Stats().Drained)
	assert.Equal(t, 5, ch.Stats().MaxDepth)
}

// TestConcurrentSPSC runs one producer and one consumer goroutine against the
// ring and checks that every value arrives once, in order.
func TestConcurrentSPSC(t *testing.T) {
	ch, err := New(0, 16)
	require.NoError(t, err)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			tn, _ := tensor.NewF32([]int{1}, []float32{float32(i)})
			if ch.TryEnqueue(tn) == nil {
				i++
			}
		}
	}()

	got := make([]float32, 0, n)
	go func() {
		defer wg.Done()
		for len(got) < n {
			tn, err := ch.TryDequeue()
			if err != nil {
				continue
			}
			vals, _ := tn.Float32s()
			got = append(got, vals[0])
		}
	}()
	wg.Wait()

	for i, v := range got {
		require.Equal(t, float32(i), v)
	}
}
