package edf

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T comparable](q *Queue[T]) []T {
	var out []T
	for {
		e, ok := q.PopEarliest()
		if !ok {
			return out
		}
		out = append(out, e.Ref)
	}
}

func TestPopEarliest(t *testing.T) {
	t.Run("earliest deadline first regardless of push order", func(t *testing.T) {
		// --- Arrange ---
		q := New[string]()
		q.Push("c", 300, 0)
		q.Push("a", 100, 0)
		q.Push("b", 200, 0)

		// --- Act ---
		got := drain(q)

		// --- Assert ---
		if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
			t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("ties break by priority then insertion", func(t *testing.T) {
		q := New[int]()
		q.Push(1, 100, 5)
		q.Push(2, 100, 1)
		q.Push(3, 100, 5)
		q.Push(4, 50, 9)

		assert.Equal(t, []int{4, 2, 1, 3}, drain(q))
	})

	t.Run("empty queue", func(t *testing.T) {
		q := New[int]()
		_, ok := q.PopEarliest()
		assert.False(t, ok)
		_, ok = q.Peek()
		assert.False(t, ok)
	})

	t.Run("random deadlines come out sorted", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		q := New[int]()
		deadlines := make([]uint64, 200)
		for i := range deadlines {
			deadlines[i] = uint64(rng.Intn(1000))
			q.Push(i, deadlines[i], 0)
		}
		var got []uint64
		for q.Len() > 0 {
			e, _ := q.PopEarliest()
			got = append(got, e.Deadline)
		}
		sort.Slice(deadlines, func(i, j int) bool { return deadlines[i] < deadlines[j] })
		assert.Equal(t, deadlines, got)
	})
}

func TestPushExisting(t *testing.T) {
	q := New[int]()
	q.Push(1, 100, 0)
	q.Push(2, 200, 0)

	q.Push(1, 300, 0)

	assert.Equal(t, 2, q.Len())
	e, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 2, e.Ref)
}

func TestRemove(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i, uint64(10*i), 0)
	}

	assert.True(t, q.Remove(2))
	assert.False(t, q.Remove(2))
	assert.False(t, q.Contains(2))
	assert.True(t, q.Contains(3))
	assert.Equal(t, []int{0, 1, 3, 4}, drain(q))

	q.Push(7, 1, 0)
	q.Clear()
	assert.Zero(t, q.Len())
	assert.False(t, q.Contains(7))
}
