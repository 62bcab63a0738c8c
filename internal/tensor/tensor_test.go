package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Run("dense payload matching shape is valid", func(t *testing.T) {
		tn, err := NewF32([]int{2, 2}, []float32{1, 2, 3, 4})
		require.NoError(t, err)
		assert.NoError(t, tn.Validate())
		n, err := tn.Elements()
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("payload length mismatch is rejected", func(t *testing.T) {
		tn := &Tensor{DType: I32, Shape: []int{3}, Data: make([]byte, 8)}
		assert.ErrorIs(t, tn.Validate(), ErrShapeMismatch)
	})

	t.Run("negative dimension is rejected", func(t *testing.T) {
		tn := &Tensor{DType: U8, Shape: []int{-1}}
		assert.ErrorIs(t, tn.Validate(), ErrBadShape)
	})

	t.Run("element count overflow is rejected", func(t *testing.T) {
		tn := &Tensor{DType: U8, Shape: []int{math.MaxInt / 2, 3}}
		_, err := tn.Elements()
		assert.ErrorIs(t, err, ErrShapeOverflow)
		assert.ErrorIs(t, tn.Validate(), ErrShapeOverflow)
	})

	t.Run("byte size overflow is rejected", func(t *testing.T) {
		tn := &Tensor{DType: F32, Shape: []int{math.MaxInt / 2}}
		n, err := tn.Elements()
		require.NoError(t, err)
		assert.Equal(t, math.MaxInt/2, n)
		assert.ErrorIs(t, tn.Validate(), ErrShapeOverflow)
	})

	t.Run("zero dimension with a huge neighbour is empty", func(t *testing.T) {
		tn := &Tensor{DType: F32, Shape: []int{0, math.MaxInt}}
		assert.NoError(t, tn.Validate())
	})

	t.Run("unknown dtype is rejected", func(t *testing.T) {
		tn := &Tensor{DType: DType(42)}
		assert.ErrorIs(t, tn.Validate(), ErrUnknownDType)
	})

	t.Run("nil tensor is rejected", func(t *testing.T) {
		var tn *Tensor
		assert.ErrorIs(t, tn.Validate(), ErrNilTensor)
	})

	t.Run("text has no fixed element size", func(t *testing.T) {
		tn := NewText("hello world")
		tn.Shape = []int{1}
		assert.NoError(t, tn.Validate())
	})
}

func TestCloneIsDeep(t *testing.T) {
	tn, err := NewF32([]int{2}, []float32{1.5, -2})
	require.NoError(t, err)

	c := tn.Clone()
	c.Data[0] ^= 0xff
	c.Shape[0] = 9

	vals, err := tn.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2}, vals)
	assert.Equal(t, []int{2}, tn.Shape)
}

func TestParseDType(t *testing.T) {
	for _, d := range []DType{U8, I32, F32, Text} {
		got, err := ParseDType(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDType("f64")
	assert.ErrorIs(t, err, ErrUnknownDType)
}
