package record

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		key, value []byte
	}{
		{[]byte("hello"), []byte("world")},
		{[]byte("k"), []byte{}},
		{[]byte("tomb"), Tombstone()},
		{[]byte("x"), []byte("")},
	}

	c := New()
	for _, tc := range cases {
		buf := c.Encode(tc.key, tc.value)
		require.Equal(t, headerSize+len(tc.key)+len(tc.value), len(buf))

		r := bufio.NewReader(bytes.NewReader(buf))
		rec, err := c.DecodeNext(r)
		require.NoError(t, err)
		require.Equal(t, tc.key, rec.Key)
		require.Equal(t, tc.value, rec.Value)
		require.Equal(t, len(buf), rec.Encoded)
	}
}

func TestRoundTripWithChecksum(t *testing.T) {
	c := NewWithChecksum()
	buf := c.Encode([]byte("k"), []byte("v"))
	r := bufio.NewReader(bytes.NewReader(buf))
	rec, err := c.DecodeNext(r)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), rec.Key)
	require.Equal(t, []byte("v"), rec.Value)

	// flip a byte in the value; checksum must catch it.
	buf[len(buf)-trailerSize-1] ^= 0xff
	r2 := bufio.NewReader(bytes.NewReader(buf))
	_, err = c.DecodeNext(r2)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDecodeNextEOF(t *testing.T) {
	c := New()
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := c.DecodeNext(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeNextCorruptShortHeader(t *testing.T) {
	c := New()
	r := bufio.NewReader(bytes.NewReader([]byte{0x00, 0x01, 0x02}))
	_, err := c.DecodeNext(r)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestDecodeNextCorruptTruncatedPayload(t *testing.T) {
	c := New()
	buf := c.Encode([]byte("abcdef"), []byte("ghij"))
	truncated := buf[:len(buf)-3]
	r := bufio.NewReader(bytes.NewReader(truncated))
	_, err := c.DecodeNext(r)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestIsTombstone(t *testing.T) {
	require.True(t, IsTombstone(Tombstone()))
	require.False(t, IsTombstone([]byte{}))
	require.False(t, IsTombstone([]byte("a")))
	require.False(t, IsTombstone([]byte{0x00, 0x00}))
}

func TestEncodeMultipleSequential(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	pairs := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	for _, p := range pairs {
		_, err := c.WriteTo(&buf, []byte(p[0]), []byte(p[1]))
		require.NoError(t, err)
	}

	r := bufio.NewReader(&buf)
	for _, p := range pairs {
		rec, err := c.DecodeNext(r)
		require.NoError(t, err)
		require.Equal(t, p[0], string(rec.Key))
		require.Equal(t, p[1], string(rec.Value))
	}
	_, err := c.DecodeNext(r)
	require.ErrorIs(t, err, io.EOF)
}
