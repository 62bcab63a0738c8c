package operator

import (
	"fmt"
	"strings"

	"github.com/vk/detgraph/internal/tensor"
)

// Kind selects an operator's step behavior from a closed set.
type Kind uint8

const (
	// KindAuto resolves to Source, Sink or PassThrough from the endpoints.
	KindAuto Kind = iota
	KindSource
	KindPassThrough
	KindTransform
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindSource:
		return "source"
	case KindPassThrough:
		return "passthrough"
	case KindTransform:
		return "transform"
	case KindSink:
		return "sink"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a kind name to its value.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "auto", "":
		return KindAuto, nil
	case "source":
		return KindSource, nil
	case "passthrough", "pass-through":
		return KindPassThrough, nil
	case "transform":
		return KindTransform, nil
	case "sink":
		return KindSink, nil
	}
	return 0, fmt.Errorf("%w: unknown kind %q (use source|passthrough|transform|sink)", ErrInvalidSpec, s)
}

func kindFor(in, out int) Kind {
	switch {
	case in == None:
		return KindSource
	case out == None:
		return KindSink
	default:
		return KindPassThrough
	}
}

// Apply computes the step's output from its input without touching any
// channel. in is nil for sources; the returned tensor is nil for sinks and
// for operators with no output channel. Apply has no side effects, so an
// interrupted step can be discarded by simply dropping the result.
func (o *Operator) Apply(in *tensor.Tensor) (*tensor.Tensor, error) {
	var out *tensor.Tensor
	switch o.spec.Kind {
	case KindSource:
		seq := o.produced.Load()
		t, err := tensor.NewF32([]int{1}, []float32{float32(seq)})
		if err != nil {
			return nil, err
		}
		t.SchemaID = o.spec.OutSchema
		t.Lineage = seq
		out = t
	case KindPassThrough:
		if err := in.Validate(); err != nil {
			return nil, err
		}
		out = in
	case KindTransform:
		if err := in.Validate(); err != nil {
			return nil, err
		}
		out = transform(in)
		if o.spec.OutSchema != 0 {
			out.SchemaID = o.spec.OutSchema
		}
	case KindSink:
		if err := in.Validate(); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidSpec, o.spec.Kind)
	}
	if o.IsSink() {
		return nil, nil
	}
	return out, nil
}

// Commit records that a step's output was published.
func (o *Operator) Commit() {
	if o.spec.Kind == KindSource {
		o.produced.Add(1)
	}
}

// transform doubles f32 payloads; every dtype gets its version bumped.
func transform(in *tensor.Tensor) *tensor.Tensor {
	out := in.Clone()
	out.Version++
	if vals, err := in.Float32s(); err == nil {
		for i := range vals {
			vals[i] *= 2
		}
		scaled, err := tensor.NewF32(in.Shape, vals)
		if err == nil {
			out.Data = scaled.Data
		}
	}
	return out
}
