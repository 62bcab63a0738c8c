package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vk/detgraph/internal/channel"
)

// Counts is a summary of graph size and occupancy.
type Counts struct {
	Operators int    `json:"operators" yaml:"operators"`
	Channels  int    `json:"channels" yaml:"channels"`
	Capacity  int    `json:"capacity" yaml:"capacity"`
	Queued    int    `json:"queued" yaml:"queued"`
	Slots     int    `json:"slots" yaml:"slots"`
	Steps     uint64 `json:"steps" yaml:"steps"`
	Discarded uint64 `json:"discarded" yaml:"discarded"`
}

// Counts returns the current counts.
func (g *Graph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c := Counts{
		Operators: len(g.operators),
		Channels:  len(g.channels),
		Capacity:  g.capacity,
		Steps:     g.steps.Load(),
		Discarded: g.discarded.Load(),
	}
	for _, ch := range g.channels {
		c.Queued += ch.Depth()
		c.Slots += ch.Capacity()
	}
	return c
}

// MemPressure returns the share of channel slots in use, in permille.
func (g *Graph) MemPressure() uint32 {
	c := g.Counts()
	if c.Slots == 0 {
		return 0
	}
	return uint32(c.Queued * 1000 / c.Slots)
}

// OperatorInfo is the exported view of an operator.
type OperatorInfo struct {
	ID          int    `json:"id"`
	Kind        string `json:"kind"`
	Stage       string `json:"stage"`
	Priority    int    `json:"priority"`
	In          int    `json:"in"`
	Out         int    `json:"out"`
	WCET        uint64 `json:"wcet"`
	State       string `json:"state"`
	InSchema    uint32 `json:"in_schema"`
	OutSchema   uint32 `json:"out_schema"`
	Invocations uint64 `json:"invocations"`
}

// ChannelInfo is the exported view of a channel.
type ChannelInfo struct {
	ID       int           `json:"id"`
	Capacity int           `json:"capacity"`
	Depth    int           `json:"depth"`
	Producer int           `json:"producer"`
	Consumer int           `json:"consumer"`
	Schema   uint32        `json:"schema"`
	Stats    channel.Stats `json:"stats"`
}

// Export is the full exported graph.
type Export struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	Channels  []ChannelInfo  `json:"channels"`
	Operators []OperatorInfo `json:"operators"`
	// Order lists operator ids with producers before their consumers.
	Order     []int          `json:"order"`
}

// Export returns a copy of the graph structure and counters.
func (g *Graph) Export() Export {
	ops := g.Operators()

	g.mu.RLock()
	defer g.mu.RUnlock()
	e := Export{ID: g.id, State: g.state.String(), Order: g.topo.Order()}
	for _, ch := range g.channels {
		e.Channels = append(e.Channels, ChannelInfo{
			ID:       ch.ID(),
			Capacity: ch.Capacity(),
			Depth:    ch.Depth(),
			Producer: ch.Producer(),
			Consumer: ch.Consumer(),
			Schema:   ch.Schema(),
			Stats:    ch.Stats(),
		})
	}
	for _, o := range ops {
		s := o.Spec()
		e.Operators = append(e.Operators, OperatorInfo{
			ID:          s.ID,
			Kind:        s.Kind.String(),
			Stage:       s.Stage.String(),
			Priority:    s.Priority,
			In:          s.In,
			Out:         s.Out,
			WCET:        s.WCETEstimate,
			State:       o.State().String(),
			InSchema:    s.InSchema,
			OutSchema:   s.OutSchema,
			Invocations: o.Invocations(),
		})
	}
	return e
}

// ExportText writes the line-oriented export format.
func (g *Graph) ExportText(w io.Writer) error {
	e := g.Export()
	if _, err := fmt.Fprintf(w, "GRAPH EXPORT\nchannels=%d ops=%d\n", len(e.Channels), len(e.Operators)); err != nil {
		return err
	}
	for _, c := range e.Channels {
		if _, err := fmt.Fprintf(w, "ch id=%d cap=%d depth=%d producer=%s consumer=%s schema=%d\n",
			c.ID, c.Capacity, c.Depth, endpoint(c.Producer), endpoint(c.Consumer), c.Schema); err != nil {
			return err
		}
	}
	for _, o := range e.Operators {
		if _, err := fmt.Fprintf(w, "op id=%d kind=%s stage=%s prio=%d in=%s out=%s wcet=%d state=%s\n",
			o.ID, o.Kind, o.Stage, o.Priority, endpoint(o.In), endpoint(o.Out), o.WCET, o.State); err != nil {
			return err
		}
	}
	order := make([]string, len(e.Order))
	for i, id := range e.Order {
		order[i] = strconv.Itoa(id)
	}
	_, err := fmt.Fprintf(w, "order=%s\n", strings.Join(order, ","))
	return err
}

// ExportJSON writes the export as indented JSON.
func (g *Graph) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g.Export())
}

func endpoint(id int) string {
	if id < 0 {
		return "none"
	}
	return fmt.Sprint(id)
}
