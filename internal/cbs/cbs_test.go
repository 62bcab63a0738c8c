package cbs

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name                   string
		wcet, period, deadline uint64
		ok                     bool
	}{
		{"implicit deadline", 5, 10, 10, true},
		{"constrained deadline", 5, 10, 7, true},
		{"wcet equals period", 10, 10, 10, true},
		{"zero wcet", 0, 10, 10, false},
		{"period below wcet", 11, 10, 10, false},
		{"deadline beyond period", 5, 10, 11, false},
		{"deadline below wcet", 5, 10, 4, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := Validate(c.wcet, c.period, c.deadline)
			if c.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInfeasibleTriple)
			var ae *AdmissionError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, c.wcet, ae.WCET)
		})
	}
}

func TestUtilization(t *testing.T) {
	assert.Equal(t, PPB/2, Utilization(5, 10))
	assert.Equal(t, PPB, Utilization(7, 7))
	// 1/3 rounds up.
	assert.Equal(t, uint64(333_333_334), Utilization(1, 3))
	// No overflow for cycle counts near the top of the range.
	assert.Equal(t, PPB/2, Utilization(1<<62, 1<<63))
	assert.Equal(t, "0.500000000", FormatPPB(PPB/2))
}

func TestAdmit(t *testing.T) {
	t.Run("0.6 then 0.5 is rejected", func(t *testing.T) {
		// --- Arrange ---
		tbl := NewTable(0)
		_, err := tbl.Admit("llm", 6, 10, 10, 0)
		require.NoError(t, err)

		// --- Act ---
		_, err = tbl.Admit("graph", 5, 10, 10, 0)

		// --- Assert ---
		assert.ErrorIs(t, err, ErrUtilizationExceeded)
		assert.Equal(t, 6*PPB/10, tbl.Used())
		assert.Equal(t, 1, tbl.Len())
	})

	t.Run("exactly full is admitted", func(t *testing.T) {
		tbl := NewTable(0)
		_, err := tbl.Admit("a", 1, 2, 2, 0)
		require.NoError(t, err)
		_, err = tbl.Admit("b", 1, 2, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, PPB, tbl.Used())
	})

	t.Run("lower bound is honored", func(t *testing.T) {
		tbl := NewTable(BoundFromFraction(0.85))
		_, err := tbl.Admit("a", 9, 10, 10, 0)
		assert.ErrorIs(t, err, ErrUtilizationExceeded)
	})

	t.Run("release returns bandwidth", func(t *testing.T) {
		tbl := NewTable(0)
		s, err := tbl.Admit("a", 6, 10, 10, 0)
		require.NoError(t, err)
		require.NoError(t, tbl.Release(s))
		assert.Zero(t, tbl.Used())
		assert.True(t, s.Cancelled())
		assert.ErrorIs(t, tbl.Release(s), ErrUnknownServer)

		_, err = tbl.Admit("b", 5, 10, 10, 0)
		assert.NoError(t, err)
	})

	t.Run("sum over random admissions never exceeds the bound", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		tbl := NewTable(0)
		sum := new(big.Rat)
		for i := 0; i < 500; i++ {
			period := uint64(rng.Intn(1_000_000) + 1)
			wcet := uint64(rng.Intn(int(period))) + 1
			_, err := tbl.Admit("r", wcet, period, period, 0)
			if err != nil {
				require.ErrorIs(t, err, ErrUtilizationExceeded)
				continue
			}
			sum.Add(sum, big.NewRat(int64(wcet), int64(period)))
		}
		assert.LessOrEqual(t, sum.Cmp(big.NewRat(1, 1)), 0)
		assert.LessOrEqual(t, tbl.Used(), PPB)
	})
}

func TestAdmitExactSums(t *testing.T) {
	cases := []struct {
		name     string
		triples  [][2]uint64 // wcet, period
		rejectAt int         // -1 when all are admitted
	}{
		{"three thirds", [][2]uint64{{1, 3}, {1, 3}, {1, 3}}, -1},
		{"sixth third half", [][2]uint64{{1, 6}, {1, 3}, {1, 2}}, -1},
		{"large coprime periods", [][2]uint64{{1_000_000, 3_000_000}, {2_000_000, 3_000_000}}, -1},
		{"one cycle over", [][2]uint64{{1, 3}, {1, 3}, {1, 3}, {1, 1_000_000_007}}, 3},
		{"two thirds then a half", [][2]uint64{{2, 3}, {1, 2}}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// --- Arrange ---
			tbl := NewTable(0)

			// --- Act ---
			rejected := -1
			for i, tr := range tc.triples {
				_, err := tbl.Admit("s", tr[0], tr[1], tr[1], 0)
				if err != nil {
					require.ErrorIs(t, err, ErrUtilizationExceeded)
					rejected = i
					break
				}
			}

			// --- Assert ---
			assert.Equal(t, tc.rejectAt, rejected)
			if tc.rejectAt == -1 {
				assert.Equal(t, PPB, tbl.Used())
			}
		})
	}

	t.Run("release restores the exact remainder", func(t *testing.T) {
		tbl := NewTable(0)
		a, err := tbl.Admit("a", 1, 3, 3, 0)
		require.NoError(t, err)
		_, err = tbl.Admit("b", 2, 3, 3, 0)
		require.NoError(t, err)

		require.NoError(t, tbl.Release(a))
		_, err = tbl.Admit("c", 1, 6, 6, 0)
		require.NoError(t, err)
		_, err = tbl.Admit("d", 1, 6, 6, 0)
		require.NoError(t, err)

		assert.Equal(t, PPB, tbl.Used())
		_, err = tbl.Admit("e", 1, 1_000_000, 1_000_000, 0)
		assert.ErrorIs(t, err, ErrUtilizationExceeded)
	})

	t.Run("replace into an exactly full table", func(t *testing.T) {
		tbl := NewTable(0)
		_, err := tbl.Admit("a", 1, 3, 3, 0)
		require.NoError(t, err)
		old, err := tbl.Admit("graph", 1, 3, 3, 0)
		require.NoError(t, err)

		_, err = tbl.Replace(old, "graph", 2, 3, 3, 0)
		require.NoError(t, err)
		assert.Equal(t, PPB, tbl.Used())
	})
}

func TestReplace(t *testing.T) {
	t.Run("swap succeeds using the old share", func(t *testing.T) {
		tbl := NewTable(0)
		old, err := tbl.Admit("graph", 6, 10, 10, 0)
		require.NoError(t, err)

		s, err := tbl.Replace(old, "graph", 9, 10, 10, 0)
		require.NoError(t, err)
		assert.True(t, old.Cancelled())
		assert.Equal(t, 9*PPB/10, tbl.Used())
		assert.Equal(t, uint64(9), s.WCET())
	})

	t.Run("failed swap leaves the old reservation", func(t *testing.T) {
		tbl := NewTable(0)
		_, err := tbl.Admit("llm", 5, 10, 10, 0)
		require.NoError(t, err)
		old, err := tbl.Admit("graph", 3, 10, 10, 0)
		require.NoError(t, err)

		_, err = tbl.Replace(old, "graph", 6, 10, 10, 0)
		assert.ErrorIs(t, err, ErrUtilizationExceeded)
		assert.False(t, old.Cancelled())
		assert.Equal(t, 8*PPB/10, tbl.Used())

		_, err = tbl.Replace(old, "graph", 0, 10, 10, 0)
		assert.ErrorIs(t, err, ErrInfeasibleTriple)
	})
}

func TestServerBudget(t *testing.T) {
	t.Run("consume and exhaustion", func(t *testing.T) {
		s := newServer(1, "s", 100, 1000, 1000, 0)
		require.NoError(t, s.Consume(60))
		assert.Equal(t, uint64(40), s.Remaining())

		err := s.Consume(41)
		assert.ErrorIs(t, err, ErrBudgetExhausted)
		assert.Equal(t, uint64(40), s.Remaining(), "failed consume leaves budget")

		assert.Equal(t, uint64(40), s.Exhaust())
		assert.False(t, s.Eligible())
	})

	t.Run("replenish waits for the period boundary", func(t *testing.T) {
		s := newServer(1, "s", 100, 1000, 800, 0)
		s.Exhaust()
		s.Suspend()

		assert.False(t, s.Replenish(999))
		assert.True(t, s.Replenish(1000))
		assert.Equal(t, uint64(100), s.Remaining())
		assert.Equal(t, uint64(1000), s.Release())
		assert.Equal(t, uint64(1800), s.AbsDeadline())
		assert.Equal(t, uint64(2000), s.ReplenishAt())
		assert.True(t, s.Eligible())
	})

	t.Run("replenish skips whole missed periods", func(t *testing.T) {
		s := newServer(1, "s", 100, 1000, 1000, 0)
		require.True(t, s.Replenish(3500))
		assert.Equal(t, uint64(3000), s.Release())
		assert.Equal(t, uint64(4000), s.AbsDeadline())
	})

	t.Run("cancelled server stays cancelled", func(t *testing.T) {
		s := newServer(1, "s", 100, 1000, 1000, 0)
		s.Cancel()
		assert.ErrorIs(t, s.Consume(1), ErrServerCancelled)
		assert.False(t, s.Replenish(5000))
		assert.False(t, s.Eligible())
	})

	t.Run("one server's exhaustion does not touch another", func(t *testing.T) {
		tbl := NewTable(0)
		a, err := tbl.Admit("a", 10, 100, 100, 0)
		require.NoError(t, err)
		b, err := tbl.Admit("b", 10, 100, 100, 0)
		require.NoError(t, err)

		a.Exhaust()
		assert.Equal(t, uint64(10), b.Remaining())
	})
}

func TestPartition(t *testing.T) {
	t.Run("proportional to weights", func(t *testing.T) {
		s := newServer(1, "graph", 1000, 2000, 2000, 50)
		children := s.Partition(nil, []uint64{1, 3})
		require.Len(t, children, 2)

		var sum uint64
		for _, c := range children {
			sum += c.WCET()
			assert.Equal(t, uint64(2000), c.Period())
			assert.Equal(t, uint64(50), c.Release())
			assert.Equal(t, uint64(2050), c.AbsDeadline())
		}
		assert.LessOrEqual(t, sum, s.WCET())
		assert.Less(t, children[0].WCET(), children[1].WCET())
	})

	t.Run("zero weights split equally", func(t *testing.T) {
		s := newServer(1, "graph", 10, 20, 20, 0)
		children := s.Partition([]string{"op0", "op1"}, []uint64{0, 0})
		assert.Equal(t, uint64(5), children[0].WCET())
		assert.Equal(t, uint64(5), children[1].WCET())
		assert.Equal(t, "op1", children[1].Name())
	})

	t.Run("every child gets a cycle while budget allows", func(t *testing.T) {
		s := newServer(1, "graph", 3, 20, 20, 0)
		children := s.Partition(nil, []uint64{100, 1, 1, 1})
		var sum uint64
		for _, c := range children[:3] {
			assert.GreaterOrEqual(t, c.WCET(), uint64(1))
			sum += c.WCET()
		}
		assert.Equal(t, uint64(3), sum)
		assert.True(t, children[3].Cancelled(), "no budget left for the fourth child")
	})
}
