// Package channel implements the bounded single-producer/single-consumer
// tensor queue that links two operators.
//
// The ring uses monotonically increasing head and tail indices held in
// atomics: only the producer advances tail and only the consumer advances
// head, so no lock is needed on the data path.
package channel

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vk/detgraph/internal/tensor"
)

// MaxCapacity bounds a single channel's slot count.
const MaxCapacity = 65535

// NoEndpoint marks an unattached producer or consumer.
const NoEndpoint = -1

var (
	ErrFull          = errors.New("channel full")
	ErrEmpty         = errors.New("channel empty")
	ErrBadCapacity   = errors.New("channel capacity must be 1..65535")
	ErrEndpointInUse = errors.New("channel endpoint already attached")
)

// Stats is a point-in-time copy of a channel's counters.
type Stats struct {
	Enqueued uint64
	Dequeued uint64
	Stalls   uint64
	Rejected uint64
	Drained  uint64
	MaxDepth int
}

// Channel is a bounded SPSC ring of tensors.
type Channel struct {
	id       int
	capacity uint64
	slots    []*tensor.Tensor
	head     atomic.Uint64
	tail     atomic.Uint64

	// schema is the bound schema id; 0 means untyped.
	schema uint32

	producer int
	consumer int

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	stalls   atomic.Uint64
	rejected atomic.Uint64
	drained  atomic.Uint64
	maxDepth atomic.Int64
}

// New creates an empty channel.
func New(id, capacity int) (*Channel, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: got %d", ErrBadCapacity, capacity)
	}
	return &Channel{
		id:       id,
		capacity: uint64(capacity),
		slots:    make([]*tensor.Tensor, capacity),
		producer: NoEndpoint,
		consumer: NoEndpoint,
	}, nil
}

func (c *Channel) ID() int       { return c.id }
func (c *Channel) Capacity() int { return int(c.capacity) }

// Depth returns the number of queued tensors.
func (c *Channel) Depth() int {
	return int(c.tail.Load() - c.head.Load())
}

func (c *Channel) IsEmpty() bool { return c.Depth() == 0 }
func (c *Channel) IsFull() bool  { return uint64(c.Depth()) >= c.capacity }

// TryEnqueue validates t and appends it. Producer side only.
func (c *Channel) TryEnqueue(t *tensor.Tensor) error {
	if err := t.Validate(); err != nil {
		c.rejected.Add(1)
		return err
	}
	if c.schema != 0 && t.SchemaID != 0 && t.SchemaID != c.schema {
		c.rejected.Add(1)
		return fmt.Errorf("%w: channel %d expects %d, got %d", tensor.ErrSchemaMismatch, c.id, c.schema, t.SchemaID)
	}
	tail := c.tail.Load()
	if tail-c.head.Load() >= c.capacity {
		c.stalls.Add(1)
		return ErrFull
	}
	c.slots[tail%c.capacity] = t
	c.tail.Store(tail + 1)
	c.enqueued.Add(1)
	if d := int64(tail + 1 - c.head.Load()); d > c.maxDepth.Load() {
		c.maxDepth.Store(d)
	}
	return nil
}

// Peek returns the oldest tensor without removing it. Consumer side only.
func (c *Channel) Peek() (*tensor.Tensor, error) {
	head := c.head.Load()
	if head == c.tail.Load() {
		return nil, ErrEmpty
	}
	return c.slots[head%c.capacity], nil
}

// TryDequeue removes and returns the oldest tensor. Consumer side only.
func (c *Channel) TryDequeue() (*tensor.Tensor, error) {
	head := c.head.Load()
	if head == c.tail.Load() {
		return nil, ErrEmpty
	}
	idx := head % c.capacity
	t := c.slots[idx]
	c.slots[idx] = nil
	c.head.Store(head + 1)
	c.dequeued.Add(1)
	return t, nil
}

// Drain drops every queued tensor and returns how many were freed. It must
// only be called while neither endpoint is stepping.
func (c *Channel) Drain() int {
	n := 0
	for {
		if _, err := c.TryDequeue(); err != nil {
			break
		}
		n++
	}
	c.drained.Add(uint64(n))
	return n
}

// Schema returns the bound schema id (0 when untyped).
func (c *Channel) Schema() uint32 { return c.schema }

// BindSchema binds the channel to a schema. Binding to the already bound
// schema is a no-op; binding to a different one fails.
func (c *Channel) BindSchema(schema uint32) error {
	if schema == 0 || c.schema == schema {
		return nil
	}
	if c.schema != 0 {
		return fmt.Errorf("%w: channel %d bound to %d, requested %d", tensor.ErrSchemaMismatch, c.id, c.schema, schema)
	}
	c.schema = schema
	return nil
}

// Producer returns the attached producer operator id, or NoEndpoint.
func (c *Channel) Producer() int { return c.producer }

// Consumer returns the attached consumer operator id, or NoEndpoint.
func (c *Channel) Consumer() int { return c.consumer }

// AttachProducer records op as the single producer.
func (c *Channel) AttachProducer(op int) error {
	if c.producer != NoEndpoint {
		return fmt.Errorf("%w: channel %d already produced by operator %d", ErrEndpointInUse, c.id, c.producer)
	}
	c.producer = op
	return nil
}

// AttachConsumer records op as the single consumer.
func (c *Channel) AttachConsumer(op int) error {
	if c.consumer != NoEndpoint {
		return fmt.Errorf("%w: channel %d already consumed by operator %d", ErrEndpointInUse, c.id, c.consumer)
	}
	c.consumer = op
	return nil
}

// Detach clears both endpoints.
func (c *Channel) Detach() {
	c.producer = NoEndpoint
	c.consumer = NoEndpoint
}

// Stats returns a copy of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Enqueued: c.enqueued.Load(),
		Dequeued: c.dequeued.Load(),
		Stalls:   c.stalls.Load(),
		Rejected: c.rejected.Load(),
		Drained:  c.drained.Load(),
		MaxDepth: int(c.maxDepth.Load()),
	}
}
