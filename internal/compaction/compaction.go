// Package compaction implements the merge step of compaction: a k-way
// merge over a set of sstables, freshest first, keeping only the newest
// value per key and dropping tombstoned keys.
package compaction

import (
	"bytes"
	"container/heap"

	"github.com/nyholm-systems/kvforge/internal/record"
)

// Source is anything compaction can read sequentially in ascending key
// order; satisfied by *sstable.Table's Iterate.
type Source interface {
	Iterate() (func(yield func(key, value []byte) bool), error)
}

// Merge walks inputs in freshness order (inputs[0] must be the newest),
// merging by key and keeping the first-seen (i.e. newest) value for each
// key, and dropping any key whose newest value is a tombstone. It
// returns the merged stream as a push-style (range-over-func) ordered
// sequence, ready to
// hand to sstable.WriteFromOrdered.
func Merge(inputs []Source) (func(yield func(key, value []byte) bool), error) {
	iters := make([]*pullIter, 0, len(inputs))
	for rank, src := range inputs {
		it, err := newPullIter(src, rank)
		if err != nil {
			for _, prior := range iters {
				prior.close()
			}
			return nil, err
		}
		iters = append(iters, it)
	}

	return func(yield func(key, value []byte) bool) {
		defer func() {
			for _, it := range iters {
				it.close()
			}
		}()

		h := &mergeHeap{}
		for _, it := range iters {
			if it.advance() {
				heap.Push(h, it)
			}
		}

		var (
			curKey   []byte
			curValue []byte
			have     bool
		)
		flush := func() bool {
			if !have {
				return true
			}
			have = false
			if record.IsTombstone(curValue) {
				return true
			}
			return yield(curKey, curValue)
		}

		for h.Len() > 0 {
			it := heap.Pop(h).(*pullIter)
			k, v := it.key, it.value

			if !have || !bytes.Equal(k, curKey) {
				if !flush() {
					return
				}
				curKey = k
				curValue = v
				have = true
			}
			// else: a later-ranked (older) iterator yielded the same key;
			// the first-seen (lowest rank = freshest) value already won,
			// so this one is discarded.

			if it.advance() {
				heap.Push(h, it)
			}
		}
		flush()
	}, nil
}

type pullIter struct {
	rank        int
	next        func(yield func(key, value []byte) bool)
	key, value  []byte
	done        bool
	pending     chan [2][]byte
	pendingDone chan struct{}
}

// newPullIter adapts a push-style Iterate sequence into a pull-style
// cursor usable from the merge heap, by running the sequence on a
// goroutine and synchronizing one pair at a time over a channel. This
// mirrors the channel-coordinated worker style the flush pool in the
// broader LSM example corpus uses for cross-goroutine handoff.
func newPullIter(src Source, rank int) (*pullIter, error) {
	seq, err := src.Iterate()
	if err != nil {
		return nil, err
	}
	it := &pullIter{
		rank:        rank,
		pending:     make(chan [2][]byte),
		pendingDone: make(chan struct{}),
	}
	go func() {
		defer close(it.pending)
		seq(func(k, v []byte) bool {
			select {
			case it.pending <- [2][]byte{k, v}:
				return true
			case <-it.pendingDone:
				return false
			}
		})
	}()
	return it, nil
}

func (it *pullIter) advance() bool {
	pair, ok := <-it.pending
	if !ok {
		it.done = true
		return false
	}
	it.key, it.value = pair[0], pair[1]
	return true
}

func (it *pullIter) close() {
	if !it.done {
		close(it.pendingDone)
		for range it.pending {
		}
	}
}

type mergeHeap []*pullIter

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	// equal keys: lower rank (fresher source) sorts first so it is
	// popped and kept, matching the most-recent-first merge rule.
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*pullIter)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
