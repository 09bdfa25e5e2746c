// Package memtable implements the in-memory ordered key->value mapping
// backed by an append-only log file.
package memtable

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nyholm-systems/kvforge/internal/kverrors"
	"github.com/nyholm-systems/kvforge/internal/record"
)

// sequenceCounter hands out unique, strictly increasing microsecond
// timestamps for log file names even when two memtables are created in
// the same microsecond.
var sequenceCounter atomic.Int64

// LogFileName returns the `<unix_microseconds>.log` name for a fresh
// memtable's append log, guaranteed unique even under rapid sealing.
func LogFileName() string {
	us := time.Now().UnixMicro()
	last := sequenceCounter.Load()
	for {
		if us <= last {
			us = last + 1
		}
		if sequenceCounter.CompareAndSwap(last, us) {
			break
		}
		last = sequenceCounter.Load()
	}
	return fmt.Sprintf("%d.log", us)
}

// Memtable is an ordered key->value mapping with a durable log file.
// A Memtable is not safe for concurrent use by multiple goroutines; the
// engine is responsible for serializing access under its memtable lock.
type Memtable struct {
	logPath string
	f       *os.File
	w       *bufio.Writer
	codec   record.Codec

	entries   map[string][]byte
	sortedKey [][]byte // kept sorted ascending, for Iterate

	byteSize int64

	log zerolog.Logger
}

// Option configures a new Memtable.
type Option func(*Memtable)

// WithLogger attaches a structured logger; the default is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(m *Memtable) { m.log = l }
}

// New creates a fresh, empty memtable with a brand-new log file inside
// dir, named `<unix_microseconds>.log`.
func New(dir string, opts ...Option) (*Memtable, error) {
	name := LogFileName()
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, kverrors.IO("memtable: create log file", err)
	}
	m := &Memtable{
		logPath: path,
		f:       f,
		w:       bufio.NewWriter(f),
		codec:   record.New(),
		entries: make(map[string][]byte),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Open reconstructs a memtable from an existing log file left by a
// previous instance, replaying every complete record in order and
// truncating at the last good record boundary if the tail is partial.
func Open(path string, opts ...Option) (*Memtable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, kverrors.IO("memtable: open log file", err)
	}
	m := &Memtable{
		logPath: path,
		f:       f,
		w:       bufio.NewWriter(f),
		codec:   record.New(),
		entries: make(map[string][]byte),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if err := m.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// replay decodes every record in the log file, applying it as a put.
// It stops at the first corrupt record, truncating the log at the last
// good boundary and accepting every record before it.
func (m *Memtable) replay() error {
	if _, err := m.f.Seek(0, io.SeekStart); err != nil {
		return kverrors.IO("memtable: seek for replay", err)
	}
	r := bufio.NewReader(m.f)
	goodOffset := int64(0)
	for {
		rec, err := m.codec.DecodeNext(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			m.log.Warn().Str("log_path", m.logPath).Int64("offset", goodOffset).
				Msg("memtable: truncating log at last good record boundary")
			break
		}
		m.applyLocked(rec.Key, rec.Value)
		goodOffset += int64(rec.Encoded)
	}
	if err := m.f.Truncate(goodOffset); err != nil {
		return kverrors.IO("memtable: truncate trailing partial write", err)
	}
	if _, err := m.f.Seek(0, io.SeekEnd); err != nil {
		return kverrors.IO("memtable: seek to end after replay", err)
	}
	m.w = bufio.NewWriter(m.f)
	return nil
}

func (m *Memtable) applyLocked(key, value []byte) {
	k := string(key)
	if _, exists := m.entries[k]; !exists {
		m.insertSorted(key)
	}
	m.entries[k] = value
	m.byteSize += int64(m.codec.EncodedSize(key, value))
}

func (m *Memtable) insertSorted(key []byte) {
	i := sort.Search(len(m.sortedKey), func(i int) bool {
		return bytes.Compare(m.sortedKey[i], key) >= 0
	})
	m.sortedKey = append(m.sortedKey, nil)
	copy(m.sortedKey[i+1:], m.sortedKey[i:])
	cp := make([]byte, len(key))
	copy(cp, key)
	m.sortedKey[i] = cp
}

// Put appends the encoded record to the log file, flushing it to the
// operating system, then updates the in-memory map. If the log write
// fails the in-memory mutation is not applied and an IO error is
// returned.
func (m *Memtable) Put(key, value []byte) error {
	if _, err := m.codec.WriteTo(m.w, key, value); err != nil {
		return kverrors.IO("memtable: append log record", err)
	}
	if err := m.w.Flush(); err != nil {
		return kverrors.IO("memtable: flush log writer", err)
	}
	m.applyLocked(key, value)
	return nil
}

// Sync fsyncs the log file to disk. Called by the engine when
// Options.SyncOnWrite is set.
func (m *Memtable) Sync() error {
	if err := m.f.Sync(); err != nil {
		return kverrors.IO("memtable: fsync log file", err)
	}
	return nil
}

// Get performs a pure in-memory lookup.
func (m *Memtable) Get(key []byte) ([]byte, bool) {
	v, ok := m.entries[string(key)]
	return v, ok
}

// Iterate returns every (key, value) pair in ascending key order, for
// flushing to an sstable.
func (m *Memtable) Iterate() func(yield func(key, value []byte) bool) {
	return func(yield func(key, value []byte) bool) {
		for _, k := range m.sortedKey {
			v := m.entries[string(k)]
			if !yield(k, v) {
				return
			}
		}
	}
}

// Len reports the number of distinct keys held, tombstoned keys included.
func (m *Memtable) Len() int { return len(m.sortedKey) }

// SizeBytes returns the accumulated encoded size of every accepted
// write, an upper bound on the size of the sstable this memtable would
// flush to.
func (m *Memtable) SizeBytes() int64 { return m.byteSize }

// LogPath returns the path of this memtable's append log.
func (m *Memtable) LogPath() string { return m.logPath }

// Close closes the underlying log file handle without deleting it.
func (m *Memtable) Close() error {
	if err := m.w.Flush(); err != nil {
		_ = m.f.Close()
		return kverrors.IO("memtable: flush on close", err)
	}
	if err := m.f.Close(); err != nil {
		return kverrors.IO("memtable: close log file", err)
	}
	return nil
}

// RemoveLog closes and unlinks the log file. Called once a memtable has
// been durably persisted as an sstable.
func (m *Memtable) RemoveLog() error {
	_ = m.Close()
	if err := os.Remove(m.logPath); err != nil && !os.IsNotExist(err) {
		return kverrors.IO("memtable: remove log file", err)
	}
	return nil
}
