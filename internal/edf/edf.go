// Package edf provides the earliest-deadline-first ready queue.
package edf

import "container/heap"

// Entry is a queued reference with its ordering keys.
type Entry[T comparable] struct {
	Ref      T
	Deadline uint64
	Priority int
	seq      uint64
	index    int
}

// Queue orders entries by absolute deadline, then by lowest static
// priority value, then by insertion order. Each reference is queued at
// most once. Queue is not safe for concurrent use.
type Queue[T comparable] struct {
	items entries[T]
	index map[T]*Entry[T]
	seq   uint64
}

// New returns an empty queue.
func New[T comparable]() *Queue[T] {
	return &Queue[T]{index: make(map[T]*Entry[T])}
}

// Push queues ref. If ref is already queued its keys are updated and it
// moves to the back of its tie group.
func (q *Queue[T]) Push(ref T, deadline uint64, priority int) {
	q.seq++
	if e, ok := q.index[ref]; ok {
		e.Deadline, e.Priority, e.seq = deadline, priority, q.seq
		heap.Fix(&q.items, e.index)
		return
	}
	e := &Entry[T]{Ref: ref, Deadline: deadline, Priority: priority, seq: q.seq}
	q.index[ref] = e
	heap.Push(&q.items, e)
}

// PopEarliest removes and returns the entry with the earliest deadline.
func (q *Queue[T]) PopEarliest() (Entry[T], bool) {
	if len(q.items) == 0 {
		return Entry[T]{}, false
	}
	e := heap.Pop(&q.items).(*Entry[T])
	delete(q.index, e.Ref)
	return *e, true
}

// Peek returns the earliest entry without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	if len(q.items) == 0 {
		return Entry[T]{}, false
	}
	return *q.items[0], true
}

// Remove drops ref from the queue and reports whether it was queued.
func (q *Queue[T]) Remove(ref T) bool {
	e, ok := q.index[ref]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.index)
	delete(q.index, ref)
	return true
}

// Contains reports whether ref is queued.
func (q *Queue[T]) Contains(ref T) bool {
	_, ok := q.index[ref]
	return ok
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int { return len(q.items) }

// Clear empties the queue.
func (q *Queue[T]) Clear() {
	q.items = nil
	q.index = make(map[T]*Entry[T])
}

type entries[T comparable] []*Entry[T]

func (h entries[T]) Len() int { return len(h) }

func (h entries[T]) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

func (h entries[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entries[T]) Push(x any) {
	e := x.(*Entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entries[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
