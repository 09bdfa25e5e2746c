package engine

import (
	"sync"

	"github.com/nyholm-systems/kvforge/internal/memtable"
)

// flushQueue is the front-insert/back-drain list of sealed memtables
// awaiting persistence: newest at the head (index 0), oldest at the
// tail. Insertion happens on a writer's seal; draining happens on the
// single flush worker. Both go through the same lock.
type flushQueue struct {
	mu      sync.Mutex
	entries []*memtable.Memtable
}

// pushFront seals a memtable into the queue at the head.
func (q *flushQueue) pushFront(m *memtable.Memtable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]*memtable.Memtable{m}, q.entries...)
}

// popFront undoes a pushFront, removing and returning the head entry, or
// nil if the queue is empty. Used only to roll back a seal whose fresh
// memtable allocation failed.
func (q *flushQueue) popFront() *memtable.Memtable {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	m := q.entries[0]
	q.entries = q.entries[1:]
	return m
}

// tail returns the oldest (back) entry without removing it, or nil if
// the queue is empty.
func (q *flushQueue) tail() *memtable.Memtable {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[len(q.entries)-1]
}

// popTail removes and returns the oldest entry, or nil if empty.
func (q *flushQueue) popTail() *memtable.Memtable {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if n == 0 {
		return nil
	}
	m := q.entries[n-1]
	q.entries = q.entries[:n-1]
	return m
}

// snapshot returns a head-to-tail copy of the queue for reads: every
// read of the queue must happen under its lock or via a locked
// snapshot.
func (q *flushQueue) snapshot() []*memtable.Memtable {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*memtable.Memtable, len(q.entries))
	copy(out, q.entries)
	return out
}

// len reports the current queue depth.
func (q *flushQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
