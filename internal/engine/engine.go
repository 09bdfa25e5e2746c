// Package engine is the top-level coordinator: it holds the active
// memtable, the flush queue, and the sstable list, exposes
// Put/Get/Delete, runs the background flush and compaction workers, and
// performs directory recovery on Open.
package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"golang.org/x/sync/errgroup"

	"github.com/nyholm-systems/kvforge/internal/compaction"
	"github.com/nyholm-systems/kvforge/internal/kverrors"
	"github.com/nyholm-systems/kvforge/internal/memtable"
	"github.com/nyholm-systems/kvforge/internal/record"
	"github.com/nyholm-systems/kvforge/internal/sstable"
)

// ErrClosed is returned by Put, Delete and Get once GracefulShutdown has
// been called. CompactOnce, Stats, SetMaxSize and Start do not check it.
var ErrClosed = errors.New("engine: closed")

// Engine is the embedded storage engine. The zero value is not usable;
// construct with Open.
type Engine struct {
	dir  string
	opts Options

	maxMemBytes atomic.Int64

	memMu  sync.Mutex
	active *memtable.Memtable

	queue *flushQueue
	ssts  *sstableList

	running atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	lockFile *os.File
}

// Open creates dir if missing, recovers any prior instance's *.log and
// *.ss files, and allocates a fresh active memtable. It does not start
// the background workers; call Start for that (open and start are
// separate operations).
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, kverrors.InvalidArgument("engine: empty directory")
	}
	if err := os.MkdirAll(opts.Dir, 0o777); err != nil {
		return nil, kverrors.IO("engine: create directory", err)
	}

	e := &Engine{dir: opts.Dir, opts: opts}
	e.maxMemBytes.Store(opts.MaxMemtableBytes)

	if opts.Lock {
		lf, err := acquireLock(opts.Dir)
		if err != nil {
			return nil, err
		}
		e.lockFile = lf
	}

	queue, ssts, err := recoverDir(opts.Dir, opts.Logger)
	if err != nil {
		if e.lockFile != nil {
			_ = releaseLock(e.lockFile)
		}
		return nil, err
	}
	e.queue = queue
	e.ssts = ssts

	active, err := memtable.New(opts.Dir, memtable.WithLogger(opts.Logger))
	if err != nil {
		if e.lockFile != nil {
			_ = releaseLock(e.lockFile)
		}
		return nil, err
	}
	e.active = active

	opts.Logger.Info().
		Str("dir", opts.Dir).
		Int("recovered_memtables", queue.len()).
		Int("recovered_sstables", ssts.len()).
		Msg("engine: opened")

	return e, nil
}

// validateKey rejects the empty key; the codec itself has no opinion
// on key length.
func validateKey(key []byte) error {
	if len(key) == 0 {
		return kverrors.InvalidArgument("engine: empty key")
	}
	return nil
}

// Put writes key/value into the active memtable, sealing it first if it
// has crossed MaxMemtableBytes.
func (e *Engine) Put(key, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	e.memMu.Lock()
	defer e.memMu.Unlock()

	if max := e.maxMemBytes.Load(); max > 0 && e.active.SizeBytes() >= max {
		e.sealLocked()
	}

	if err := e.active.Put(key, value); err != nil {
		return err
	}
	if e.opts.SyncOnWrite {
		if err := e.active.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Delete writes the tombstone sentinel for key; it is otherwise exactly
// a Put.
func (e *Engine) Delete(key []byte) error {
	return e.Put(key, record.Tombstone())
}

// Get consults, in order, the active memtable, each queued memtable
// (head to tail, i.e. newest to oldest), then each sstable (head to
// tail), returning the first hit and translating a tombstone into
// absent.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	e.memMu.Lock()
	v, ok := e.active.Get(key)
	e.memMu.Unlock()
	if ok {
		return resolveValue(v)
	}

	for _, mt := range e.queue.snapshot() {
		v, ok := mt.Get(key)
		if ok {
			return resolveValue(v)
		}
	}

	for _, tbl := range e.ssts.snapshot() {
		v, ok, err := tbl.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resolveValue(v)
		}
	}

	return nil, false, nil
}

func resolveValue(v []byte) ([]byte, bool, error) {
	if record.IsTombstone(v) {
		return nil, false, nil
	}
	return v, true, nil
}

// SetMaxSize updates the active memtable's sealing threshold in bytes;
// zero disables size-triggered sealing.
func (e *Engine) SetMaxSize(n int64) {
	e.maxMemBytes.Store(n)
}

// Stats is a read-only snapshot of the engine's internal structure
// sizes, useful for tests and operational introspection.
type Stats struct {
	SSTableCount        int
	FlushQueueDepth     int
	ActiveMemtableBytes int64
}

// Stats reports the current sstable count, flush queue depth, and
// active memtable size, each read under its own lock.
func (e *Engine) Stats() Stats {
	e.memMu.Lock()
	active := e.active.SizeBytes()
	e.memMu.Unlock()
	return Stats{
		SSTableCount:         e.ssts.len(),
		FlushQueueDepth:      e.queue.len(),
		ActiveMemtableBytes:  active,
	}
}

// sealLocked must be called with memMu held. It moves the active
// memtable to the head of the flush queue and allocates a fresh active
// memtable. The ordering guarantee that no reader ever observes neither
// the old nor the new active holds because the queue push happens
// before the slot is reassigned, and Get always consults the queue
// immediately after the active slot.
func (e *Engine) sealLocked() {
	sealed := e.active
	e.queue.pushFront(sealed)

	fresh, err := memtable.New(e.dir, memtable.WithLogger(e.opts.Logger))
	if err != nil {
		// Allocating a fresh memtable failed: undo the queue push so the
		// table is not both active and queued, and keep the old, full
		// table as the active one. The failure is only logged; the next
		// Put retries the seal while the table is over the threshold.
		e.opts.Logger.Error().Err(err).Msg("engine: failed to allocate fresh memtable after seal")
		e.queue.popFront() // undo the just-pushed head so active keeps the sealed table
		e.active = sealed
		return
	}
	e.active = fresh
	e.opts.Logger.Debug().Str("log_path", sealed.LogPath()).Int("queue_depth", e.queue.len()).
		Msg("engine: sealed active memtable")
}

// Start launches the flush and compaction background workers. Calling
// Start more than once is a no-op.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.ctx = ctx
	e.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	g.Go(func() error { return e.flushLoop(gctx) })
	g.Go(func() error { return e.compactLoop(gctx) })
	return nil
}

// flushLoop is the flush worker: drain the queue's tail into sstables
// on a tick, retrying on the next tick if a flush fails.
func (e *Engine) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.flushOnce(); err != nil {
				e.opts.Logger.Error().Err(err).Msg("engine: flush tick failed, retrying next tick")
			}
		}
	}
}

// flushOnce drains every entry currently in the queue, tail to head,
// persisting each as a new sstable. It stops and returns an error on
// the first failure, leaving the remaining (and the failed) entries in
// the queue for the next tick.
func (e *Engine) flushOnce() error {
	for {
		entry := e.queue.tail()
		if entry == nil {
			return nil
		}
		tbl, err := sstable.WriteFromOrdered(e.dir, entry.Iterate())
		if err != nil {
			return err
		}
		e.ssts.pushFront(tbl)
		e.queue.popTail()
		if err := entry.RemoveLog(); err != nil {
			e.opts.Logger.Warn().Err(err).Msg("engine: failed to remove flushed memtable log")
		}
		e.opts.Logger.Debug().Str("sstable", tbl.Path()).Msg("engine: flushed memtable")
	}
}

// compactLoop is the compactor worker: periodically merge sstables
// under the size threshold.
func (e *Engine) compactLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.compactOnce(); err != nil {
				e.opts.Logger.Error().Err(err).Msg("engine: compaction pass failed, abandoning this pass")
			}
		}
	}
}

// CompactOnce runs a single synchronous compaction pass, for callers
// (the CLI's `compact` subcommand) that want compaction on demand
// instead of waiting on the background worker's tick.
func (e *Engine) CompactOnce() error {
	return e.compactOnce()
}

// compactOnce selects every sstable below MaxSSTableSize, merges them
// freshest-first (dropping tombstones and superseded values), and
// atomically publishes the merged table at the position of the
// freshest input it replaces.
func (e *Engine) compactOnce() error {
	all := e.ssts.snapshot()
	var candidates []*sstable.Table
	for _, t := range all {
		if t.SizeBytes() < e.opts.MaxSSTableSize {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) < 2 {
		return nil
	}

	runID := uuid.NewString()
	e.opts.Logger.Info().Str("compaction_id", runID).Int("inputs", len(candidates)).
		Msg("engine: compaction starting")

	copies := make([]*sstable.Table, 0, len(candidates))
	tmpPaths := make([]string, 0, len(candidates))
	cleanup := func() {
		for _, p := range tmpPaths {
			_ = os.Remove(p)
		}
	}
	for _, t := range candidates {
		tmpPath := t.Path() + ".tmp"
		if err := copyFile(t.Path(), tmpPath); err != nil {
			cleanup()
			return err
		}
		tmpPaths = append(tmpPaths, tmpPath)
		copyTbl, err := sstable.Open(tmpPath)
		if err != nil {
			cleanup()
			return err
		}
		copies = append(copies, copyTbl)
	}
	defer cleanup()

	sources := make([]compaction.Source, len(copies))
	for i, c := range copies {
		sources[i] = c
	}

	merged, err := compaction.Merge(sources)
	if err != nil {
		return err
	}

	mergedTbl, err := sstable.WriteFromOrdered(e.dir, merged)
	if err != nil {
		return err
	}

	e.ssts.replace(candidates, mergedTbl)

	for _, t := range candidates {
		if err := t.Remove(); err != nil {
			e.opts.Logger.Warn().Err(err).Msg("engine: failed to remove superseded sstable")
		}
	}
	e.opts.Logger.Info().Str("compaction_id", runID).Str("output", mergedTbl.Path()).
		Msg("engine: compaction finished")
	return nil
}

// GracefulShutdown seals the active memtable, synchronously drains
// every queued memtable into sstables, and stops the background
// workers.
func (e *Engine) GracefulShutdown() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.memMu.Lock()
	e.sealLocked()
	finalActive := e.active
	e.memMu.Unlock()

	// Stop the flush worker before draining: flushOnce is not safe
	// against a second concurrent caller (its tail-peek and tail-pop are
	// separate locked steps), so the background loop must be fully
	// joined before this goroutine drains the queue itself.
	if e.running.CompareAndSwap(true, false) {
		e.cancel()
		if err := e.group.Wait(); err != nil {
			e.opts.Logger.Warn().Err(err).Msg("engine: worker returned error during shutdown")
		}
	}

	const maxDrainAttempts = 16
	for attempt := 0; e.queue.len() > 0 && attempt < maxDrainAttempts; attempt++ {
		if err := e.flushOnce(); err != nil {
			if attempt == maxDrainAttempts-1 {
				return err
			}
			continue
		}
	}

	if finalActive.Len() == 0 {
		// sealLocked always allocates a fresh active memtable; if nothing
		// was ever written to it, remove its empty log rather than
		// leaving a file behind that recovers into an empty memtable
		// (and an empty sstable) on the next Open.
		if err := finalActive.RemoveLog(); err != nil {
			return err
		}
	} else if err := finalActive.Close(); err != nil {
		return err
	}

	if e.lockFile != nil {
		if err := releaseLock(e.lockFile); err != nil {
			return err
		}
	}
	e.opts.Logger.Info().Msg("engine: shutdown complete")
	return nil
}

// copyFile duplicates src's bytes into dst, creating dst fresh. Used by
// compaction to snapshot each input sstable before merging, so the
// original file keeps serving concurrent reads untouched while the
// merge runs against the copy.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return kverrors.IO("engine: open compaction source", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return kverrors.IO("engine: create compaction snapshot", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return kverrors.IO("engine: copy compaction snapshot", err)
	}
	return out.Close()
}
