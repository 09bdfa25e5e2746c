// Package sstable implements the immutable, sorted, on-disk segment
// file: a concatenation of records in ascending key order, plus
// optional sidecar files (sparse index, bloom filter) that speed up
// point lookups without changing the core record-only format.
package sstable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nyholm-systems/kvforge/internal/kverrors"
	"github.com/nyholm-systems/kvforge/internal/record"
)

// DataExt, IndexExt and BloomExt are the on-disk suffixes for an
// sstable's data file and its two optional sidecars.
const (
	DataExt  = ".ss"
	IndexExt = ".ss.idx"
	BloomExt = ".ss.bf"

	// indexEvery controls the sparse-index density: one entry is kept
	// for every indexEvery-th record in key order.
	indexEvery = 16
)

var sequenceCounter atomic.Int64

// FormatFilename returns the `<unix_microseconds>.ss` name for a fresh
// sstable, monotonically unique across rapid successive calls.
func FormatFilename() string {
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
	return fmt.Sprintf("%d.ss", us)
}

// TimestampOf extracts the microsecond timestamp encoded in an sstable
// filename, for recovery's newest-first ordering.
func TimestampOf(filename string) (int64, bool) {
	base := filepath.Base(filename)
	if !strings.HasSuffix(base, DataExt) {
		return 0, false
	}
	numStr := strings.TrimSuffix(base, DataExt)
	var n int64
	if _, err := fmt.Sscanf(numStr, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

type indexEntry struct {
	key    []byte
	offset int64
}

// Table is a handle to an immutable on-disk sstable: the path, its
// sparse index (if a sidecar was found), and its bloom filter (if a
// sidecar was found). Both sidecars are optional; their absence just
// means Get always does a full linear scan instead of seeking first.
type Table struct {
	path string
	size int64

	index  []indexEntry
	filter *bloom.BloomFilter
}

// Open opens an existing sstable data file at path and loads its
// sidecars if present. Absence of a sidecar is not an error.
func Open(path string) (*Table, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, kverrors.IO("sstable: stat", err)
	}
	t := &Table{path: path, size: fi.Size()}
	if err := t.loadIndex(); err != nil {
		return nil, err
	}
	if err := t.loadBloom(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) loadIndex() error {
	f, err := os.Open(t.path + ".idx")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kverrors.IO("sstable: open index sidecar", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var entries []indexEntry
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return kverrors.CorruptStore("sstable: read index entry", err)
		}
		klen := le32(lenBuf[:])
		key := make([]byte, klen)
		if _, err := io.ReadFull(r, key); err != nil {
			return kverrors.CorruptStore("sstable: read index key", err)
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return kverrors.CorruptStore("sstable: read index offset", err)
		}
		entries = append(entries, indexEntry{key: key, offset: int64(le64(offBuf[:]))})
	}
	t.index = entries
	return nil
}

func (t *Table) loadBloom() error {
	f, err := os.Open(t.path + ".bf")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kverrors.IO("sstable: open bloom sidecar", err)
	}
	defer f.Close()

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(f); err != nil {
		// a corrupt bloom sidecar degrades to "no filter", never to a
		// hard failure: it is an optimization, not part of the core
		// record-only format.
		return nil
	}
	t.filter = filter
	return nil
}

// Path returns the sstable's data file path.
func (t *Table) Path() string { return t.path }

// SizeBytes returns the on-disk size of the data file, used by
// compaction's size-threshold selection.
func (t *Table) SizeBytes() int64 { return t.size }

// MaybeContains reports whether key could be present, consulting the
// bloom filter sidecar if one was loaded. In the absence of a filter it
// always returns true (fall back to a real scan).
func (t *Table) MaybeContains(key []byte) bool {
	if t.filter == nil {
		return true
	}
	return t.filter.Test(key)
}

// Get performs a point lookup: a linear scan of the file, starting from
// the sparse index's best-guess offset when available, decoding records
// until a match or EOF. A tombstone hit is returned as "found" with a
// tombstone value; the caller (engine.Get) is the one that translates
// that into "absent".
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	if !t.MaybeContains(key) {
		return nil, false, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			// The table was superseded by a compaction and unlinked
			// between a caller's snapshot and this Get: treat it as a
			// miss rather than a hard failure, since the merged table
			// that replaced it already carries this key's freshest
			// value (or its absence) and the caller will find it there.
			return nil, false, nil
		}
		return nil, false, kverrors.IO("sstable: open data file", err)
	}
	defer f.Close()

	start := t.seekOffset(key)
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, false, kverrors.IO("sstable: seek", err)
	}

	codec := record.New()
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		rec, err := codec.DecodeNext(r)
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, kverrors.CorruptStore("sstable: decode during get", err)
		}
		cmp := compare(rec.Key, key)
		if cmp == 0 {
			return rec.Value, true, nil
		}
		if cmp > 0 {
			// records are sorted ascending; overshooting means absent.
			return nil, false, nil
		}
	}
}

// seekOffset returns the byte offset of the last sparse-index entry
// whose key is <= target, or 0 if there is no usable index.
func (t *Table) seekOffset(key []byte) int64 {
	if len(t.index) == 0 {
		return 0
	}
	i := sort.Search(len(t.index), func(i int) bool {
		return compare(t.index[i].key, key) > 0
	})
	i--
	if i < 0 {
		return 0
	}
	return t.index[i].offset
}

// Iterate decodes the whole file sequentially, for compaction and full
// scans. err is non-nil only for a genuine decode failure; reaching EOF
// ends iteration cleanly.
func (t *Table) Iterate() (func(yield func(key, value []byte) bool), error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, kverrors.IO("sstable: open for iterate", err)
	}
	codec := record.New()
	r := bufio.NewReaderSize(f, 64*1024)
	return func(yield func(key, value []byte) bool) {
		defer f.Close()
		for {
			rec, err := codec.DecodeNext(r)
			if err != nil {
				return
			}
			if !yield(rec.Key, rec.Value) {
				return
			}
		}
	}, nil
}

// WriteFromOrdered creates a new sstable in dir from pairs, which must
// already be in ascending key order. It writes the data file plus its
// sparse-index and bloom sidecars to temporary names and renames all
// three into place only once every write has succeeded, so a partial
// sstable is never observable.
func WriteFromOrdered(dir string, pairs func(yield func(key, value []byte) bool)) (*Table, error) {
	name := FormatFilename()
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"
	tmpIdxPath := finalPath + ".idx.tmp"
	tmpBFPath := finalPath + ".bf.tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kverrors.IO("sstable: create temp data file", err)
	}
	w := bufio.NewWriterSize(f, 64*1024)
	codec := record.New()

	var index []indexEntry
	var keys [][]byte
	n := 0
	var offset int64
	var writeErr error
	pairs(func(key, value []byte) bool {
		if n%indexEvery == 0 {
			kcopy := make([]byte, len(key))
			copy(kcopy, key)
			index = append(index, indexEntry{key: kcopy, offset: offset})
		}
		written, err := codec.WriteTo(w, key, value)
		if err != nil {
			writeErr = err
			return false
		}
		offset += int64(written)
		kcopy := make([]byte, len(key))
		copy(kcopy, key)
		keys = append(keys, kcopy)
		n++
		return true
	})
	if writeErr != nil {
		w.Flush()
		f.Close()
		os.Remove(tmpPath)
		return nil, kverrors.IO("sstable: write record", writeErr)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, kverrors.IO("sstable: flush data file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, kverrors.IO("sstable: fsync data file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, kverrors.IO("sstable: close data file", err)
	}

	if err := writeIndexSidecar(tmpIdxPath, index); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := writeBloomSidecar(tmpBFPath, keys); err != nil {
		os.Remove(tmpPath)
		os.Remove(tmpIdxPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		os.Remove(tmpIdxPath)
		os.Remove(tmpBFPath)
		return nil, kverrors.IO("sstable: rename data file into place", err)
	}
	if err := os.Rename(tmpIdxPath, finalPath+".idx"); err != nil {
		os.Remove(tmpIdxPath)
		os.Remove(tmpBFPath)
		return nil, kverrors.IO("sstable: rename index sidecar into place", err)
	}
	if err := os.Rename(tmpBFPath, finalPath+".bf"); err != nil {
		os.Remove(tmpBFPath)
		return nil, kverrors.IO("sstable: rename bloom sidecar into place", err)
	}

	return Open(finalPath)
}

// Remove deletes the data file and both sidecars. Used by compaction
// once a table has been merged away.
func (t *Table) Remove() error {
	for _, p := range []string{t.path, t.path + ".idx", t.path + ".bf"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return kverrors.IO("sstable: remove", err)
		}
	}
	return nil
}

func writeIndexSidecar(path string, entries []indexEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return kverrors.IO("sstable: create index sidecar", err)
	}
	defer f.Close()
	w := bufio.NewWriterSize(f, 16*1024)
	for _, e := range entries {
		var lenBuf [4]byte
		putLE32(lenBuf[:], uint32(len(e.key)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return kverrors.IO("sstable: write index entry", err)
		}
		if _, err := w.Write(e.key); err != nil {
			return kverrors.IO("sstable: write index key", err)
		}
		var offBuf [8]byte
		putLE64(offBuf[:], uint64(e.offset))
		if _, err := w.Write(offBuf[:]); err != nil {
			return kverrors.IO("sstable: write index offset", err)
		}
	}
	if err := w.Flush(); err != nil {
		return kverrors.IO("sstable: flush index sidecar", err)
	}
	return f.Sync()
}

func writeBloomSidecar(path string, keys [][]byte) error {
	n := uint(len(keys))
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, 0.01)
	for _, k := range keys {
		filter.Add(k)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return kverrors.IO("sstable: create bloom sidecar", err)
	}
	defer f.Close()
	if _, err := filter.WriteTo(f); err != nil {
		return kverrors.IO("sstable: write bloom sidecar", err)
	}
	return f.Sync()
}

func compare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
