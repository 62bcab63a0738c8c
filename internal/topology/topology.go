// Package topology tracks operator-to-operator edges and rejects cycles.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrCycle       = errors.New("cycle detected")
	ErrUnknownNode = errors.New("node not found")
	ErrSelfEdge    = errors.New("self-referential edge not allowed")
)

type node struct {
	id         int
	deps       map[int]*node
	dependents map[int]*node
}

// Graph is a directed graph of operator ids. An edge a->b means b consumes
// what a produces.
type Graph struct {
	mutex sync.RWMutex
	nodes map[int]*node
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[int]*node)}
}

// AddNode adds a node. Adding an existing id does nothing.
func (g *Graph) AddNode(id int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{
		id:         id,
		deps:       make(map[int]*node),
		dependents: make(map[int]*node),
	}
}

// RemoveNode deletes a node together with its edges.
func (g *Graph) RemoveNode(id int) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for depID, dep := range n.deps {
		delete(dep.dependents, id)
		delete(n.deps, depID)
	}
	for depID, dep := range n.dependents {
		delete(dep.deps, id)
		delete(n.dependents, depID)
	}
	delete(g.nodes, id)
}

// AddEdge creates the edge from -> to. The edge is kept only if the graph
// stays acyclic; otherwise the graph is left unchanged and ErrCycle is
// returned.
func (g *Graph) AddEdge(from, to int) error {
	if from == to {
		return fmt.Errorf("%w: %d -> %d", ErrSelfEdge, from, to)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	fromNode, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: source %d", ErrUnknownNode, from)
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: destination %d", ErrUnknownNode, to)
	}
	if _, exists := fromNode.dependents[to]; exists {
		return nil
	}

	toNode.deps[from] = fromNode
	fromNode.dependents[to] = toNode

	if err := g.detectCyclesLocked(); err != nil {
		delete(toNode.deps, from)
		delete(fromNode.dependents, to)
		return err
	}
	return nil
}

// Dependencies returns the sorted ids the given node consumes from.
func (g *Graph) Dependencies(id int) ([]int, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return sortedKeys(n.deps), nil
}

// Dependents returns the sorted ids that consume from the given node.
func (g *Graph) Dependents(id int) ([]int, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return sortedKeys(n.dependents), nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.nodes)
}

// DetectCycles returns a non-nil error if the graph contains a cycle.
func (g *Graph) DetectCycles() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return g.detectCyclesLocked()
}

func (g *Graph) detectCyclesLocked() error {
	// Depth-first search: permanent nodes are fully explored, temporary ones
	// are on the current path.
	permanent := make(map[int]bool)
	temporary := make(map[int]bool)

	var visit func(n *node) error
	visit = func(n *node) error {
		if permanent[n.id] {
			return nil
		}
		if temporary[n.id] {
			return fmt.Errorf("%w: involving operator %d", ErrCycle, n.id)
		}
		temporary[n.id] = true
		for _, id := range sortedKeys(n.dependents) {
			if err := visit(n.dependents[id]); err != nil {
				return err
			}
		}
		delete(temporary, n.id)
		permanent[n.id] = true
		return nil
	}

	for _, id := range sortedKeys(g.nodes) {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// Order returns node ids so that every producer precedes its consumers;
// ties are broken by ascending id.
func (g *Graph) Order() []int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	indeg := make(map[int]int, len(g.nodes))
	for id, n := range g.nodes {
		indeg[id] = len(n.deps)
	}
	var ready []int
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Ints(ready)

	out := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, dep := range sortedKeys(g.nodes[id].dependents) {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
				sort.Ints(ready)
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
