package engine

import (
	"sync"

	"github.com/nyholm-systems/kvforge/internal/sstable"
)

// sstableList is the ordered list of on-disk sstables: newest at the
// head (index 0), oldest at the tail. Consulted head-to-tail on Get so
// newer sstables shadow older ones.
type sstableList struct {
	mu      sync.Mutex
	entries []*sstable.Table
}

// pushFront publishes a freshly flushed sstable at the head.
func (l *sstableList) pushFront(t *sstable.Table) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]*sstable.Table{t}, l.entries...)
}

// replace atomically removes every entry in toRemove (matched by path)
// and, if merged is non-nil, inserts it at the position of the
// earliest-removed (i.e. freshest) entry. Doing both under one lock
// acquisition is what makes compaction atomic with respect to readers:
// a concurrent Get sees either every original or the merged table,
// never a window with neither.
func (l *sstableList) replace(toRemove []*sstable.Table, merged *sstable.Table) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remove := make(map[string]bool, len(toRemove))
	for _, t := range toRemove {
		remove[t.Path()] = true
	}

	minIdx := -1
	kept := l.entries[:0:0]
	for i, t := range l.entries {
		if remove[t.Path()] {
			if minIdx == -1 {
				minIdx = i
			}
			continue
		}
		kept = append(kept, t)
	}
	l.entries = kept
	if merged == nil {
		return
	}
	if minIdx == -1 || minIdx > len(l.entries) {
		minIdx = len(l.entries)
	}
	l.entries = append(l.entries, nil)
	copy(l.entries[minIdx+1:], l.entries[minIdx:])
	l.entries[minIdx] = merged
}

// snapshot returns a head-to-tail copy for lock-safe reads.
func (l *sstableList) snapshot() []*sstable.Table {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*sstable.Table, len(l.entries))
	copy(out, l.entries)
	return out
}

// len reports the current sstable count.
func (l *sstableList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
