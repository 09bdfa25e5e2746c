// Package record implements the binary codec shared by log files and
// sstables: a self-describing (key, value) record and the sentinel
// tombstone value that marks a key deleted.
package record

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/nyholm-systems/kvforge/internal/kverrors"
)

// Separator marks the start of every record.
const Separator = 0x00

// headerSize is the fixed [separator][key_len][val_len] prefix.
const headerSize = 1 + 4 + 4

// trailerSize is the optional xxhash64 checksum appended after value
// when a codec is constructed WithChecksum.
const trailerSize = 8

// ErrCorruptRecord is returned by DecodeNext when a record's framing is
// invalid: too few bytes remain at a non-boundary position, or the
// declared lengths overrun the stream.
var ErrCorruptRecord = kverrors.CorruptRecord("record: corrupt record", nil)

// Tombstone returns the sentinel value written for a delete.
func Tombstone() []byte {
	return []byte{0x00}
}

// IsTombstone reports whether value is the one-byte deletion sentinel.
// An empty value is legal and distinct from a tombstone.
func IsTombstone(value []byte) bool {
	return len(value) == 1 && value[0] == 0x00
}

// Record is a decoded (key, value) pair together with the number of
// bytes it occupied on the wire.
type Record struct {
	Key     []byte
	Value   []byte
	Encoded int
}

// Codec encodes and decodes records. The zero value is the bare
// 9-byte-header format; Codec{withChecksum: true} appends a trailing
// xxhash64 of key+value, an opt-in format extension that never changes
// the 9-byte header itself.
type Codec struct {
	withChecksum bool
}

// New returns the default codec: bare 9-byte header, no trailer.
func New() Codec {
	return Codec{}
}

// NewWithChecksum returns a codec that appends an 8-byte xxhash64 trailer
// to every record, for callers that want bit-flip detection beyond the
// length sanity checks DecodeNext already performs.
func NewWithChecksum() Codec {
	return Codec{withChecksum: true}
}

// EncodedSize returns the on-wire size of a (key, value) record under
// this codec, used by the memtable to track its running byte size.
func (c Codec) EncodedSize(key, value []byte) int {
	n := headerSize + len(key) + len(value)
	if c.withChecksum {
		n += trailerSize
	}
	return n
}

// Encode serializes key and value into the wire format.
func (c Codec) Encode(key, value []byte) []byte {
	n := c.EncodedSize(key, value)
	buf := make([]byte, n)
	buf[0] = Separator
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(value)))
	copy(buf[9:9+len(key)], key)
	copy(buf[9+len(key):9+len(key)+len(value)], value)
	if c.withChecksum {
		sum := checksum(key, value)
		binary.LittleEndian.PutUint64(buf[n-trailerSize:], sum)
	}
	return buf
}

// WriteTo encodes key/value with Encode and writes the result to w, for
// callers that already hold a buffered writer (the log file, the
// sstable builder).
func (c Codec) WriteTo(w io.Writer, key, value []byte) (int, error) {
	buf := c.Encode(key, value)
	n, err := w.Write(buf)
	if err != nil {
		return n, errors.Wrap(err, "record: write")
	}
	return n, nil
}

// DecodeNext reads one record from r. It returns io.EOF when the stream
// ends cleanly at a record boundary (zero bytes read for the separator),
// and ErrCorruptRecord when the stream ends mid-record or declares
// lengths that overrun what is actually present.
func (c Codec) DecodeNext(r *bufio.Reader) (Record, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, ErrCorruptRecord
	}
	if hdr[0] != Separator {
		return Record{}, ErrCorruptRecord
	}
	keyLen := binary.LittleEndian.Uint32(hdr[1:5])
	valLen := binary.LittleEndian.Uint32(hdr[5:9])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, ErrCorruptRecord
	}
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Record{}, ErrCorruptRecord
	}

	encoded := headerSize + int(keyLen) + int(valLen)
	if c.withChecksum {
		var trailer [trailerSize]byte
		if _, err := io.ReadFull(r, trailer[:]); err != nil {
			return Record{}, ErrCorruptRecord
		}
		got := binary.LittleEndian.Uint64(trailer[:])
		if got != checksum(key, value) {
			return Record{}, ErrCorruptRecord
		}
		encoded += trailerSize
	}

	return Record{Key: key, Value: value, Encoded: encoded}, nil
}

func checksum(key, value []byte) uint64 {
	h := xxhash.New()
	_, _ = h.Write(key)
	_, _ = h.Write(value)
	return h.Sum64()
}
