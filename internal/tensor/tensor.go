// Package tensor defines the data unit moved through dataflow channels: an
// opaque payload plus the shape/dtype/schema metadata checked on channel entry.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
)

var (
	ErrNilTensor      = errors.New("nil tensor")
	ErrUnknownDType   = errors.New("unknown dtype")
	ErrBadShape       = errors.New("negative dimension in shape")
	ErrShapeOverflow  = errors.New("shape size overflows int")
	ErrShapeMismatch  = errors.New("shape does not match payload length")
	ErrSchemaMismatch = errors.New("tensor schema does not match channel schema")
)

// DType is the element type of a tensor payload.
type DType uint8

const (
	U8 DType = iota
	I32
	F32
	// Text payloads are UTF-8 bytes of arbitrary length; shape is advisory.
	Text
)

// Size returns the element size in bytes, or 0 for variable-length dtypes.
func (d DType) Size() int {
	switch d {
	case U8:
		return 1
	case I32, F32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case U8:
		return "u8"
	case I32:
		return "i32"
	case F32:
		return "f32"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType maps a dtype name back to its value.
func ParseDType(s string) (DType, error) {
	switch s {
	case "u8":
		return U8, nil
	case "i32":
		return I32, nil
	case "f32":
		return F32, nil
	case "text":
		return Text, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDType, s)
}

// Tensor is a single payload with its metadata. Tensors are treated as
// immutable once enqueued; operators that change data produce a copy.
type Tensor struct {
	DType    DType
	Shape    []int
	SchemaID uint32
	Lineage  uint64
	Quality  uint8
	Version  uint8
	Data     []byte
}

// Elements returns the product of the shape dimensions (1 for a scalar).
func (t *Tensor) Elements() (int, error) {
	n := 1
	for i, d := range t.Shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: dim %d is %d", ErrBadShape, i, d)
		}
		var ok bool
		if n, ok = mulInt(n, d); !ok {
			return 0, fmt.Errorf("%w: %v", ErrShapeOverflow, t.Shape)
		}
	}
	return n, nil
}

// mulInt multiplies two non-negative ints, reporting false on overflow.
func mulInt(a, b int) (int, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// Validate checks the tensor's metadata against its payload.
func (t *Tensor) Validate() error {
	if t == nil {
		return ErrNilTensor
	}
	if t.DType > Text {
		return fmt.Errorf("%w: %d", ErrUnknownDType, uint8(t.DType))
	}
	n, err := t.Elements()
	if err != nil {
		return err
	}
	if size := t.DType.Size(); size > 0 {
		want, ok := mulInt(n, size)
		if !ok {
			return fmt.Errorf("%w: %v of %s", ErrShapeOverflow, t.Shape, t.DType)
		}
		if want != len(t.Data) {
			return fmt.Errorf("%w: shape %v of %s needs %d bytes, have %d", ErrShapeMismatch, t.Shape, t.DType, want, len(t.Data))
		}
	}
	return nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	c := *t
	c.Shape = append([]int(nil), t.Shape...)
	c.Data = append([]byte(nil), t.Data...)
	return &c
}

// NewF32 builds a validated f32 tensor from values.
func NewF32(shape []int, values []float32) (*Tensor, error) {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	t := &Tensor{DType: F32, Shape: append([]int(nil), shape...), Quality: 100, Version: 1, Data: data}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewText builds a text tensor.
func NewText(s string) *Tensor {
	return &Tensor{DType: Text, Shape: []int{len(s)}, Quality: 100, Version: 1, Data: []byte(s)}
}

// Float32s decodes an f32 payload.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DType != F32 {
		return nil, fmt.Errorf("tensor is %s, not f32", t.DType)
	}
	if len(t.Data)%4 != 0 {
		return nil, ErrShapeMismatch
	}
	out := make([]float32, len(t.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out, nil
}
