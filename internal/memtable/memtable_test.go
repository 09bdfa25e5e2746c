package memtable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyholm-systems/kvforge/internal/record"
)

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
}

func TestPutGet(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put([]byte("hello"), []byte("world")))
	v, ok := m.Get([]byte("hello"))
	require.True(t, ok)
	require.Equal(t, "world", string(v))

	_, ok = m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestPutOverwriteKeepsOneEntry(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put([]byte("k"), []byte("v1")))
	require.NoError(t, m.Put([]byte("k"), []byte("v2")))
	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
	require.Equal(t, 1, m.Len())
}

func TestDeleteIsTombstone(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Put([]byte("k"), []byte("v")))
	require.NoError(t, m.Put([]byte("k"), record.Tombstone()))
	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, record.IsTombstone(v))
}

func TestIterateAscending(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	defer m.Close()

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, m.Put([]byte(k), []byte(k+"-val")))
	}

	var got []string
	for k, v := range iterSeq(m) {
		got = append(got, string(k)+"="+string(v))
	}
	require.Equal(t, []string{"a=a-val", "b=b-val", "c=c-val"}, got)
}

func iterSeq(m *Memtable) func(func([]byte, []byte) bool) {
	return m.Iterate()
}

func TestSizeBytesGrows(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, int64(0), m.SizeBytes())
	require.NoError(t, m.Put([]byte("k"), []byte("v")))
	require.Positive(t, m.SizeBytes())
}

func TestReplayReconstructsEntries(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	require.NoError(t, m.Put([]byte("b"), []byte("2")))
	require.NoError(t, m.Put([]byte("a"), []byte("3")))
	path := m.LogPath()
	require.NoError(t, m.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok := reopened.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "3", string(v))
	v, ok = reopened.Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestReplayDropsPartialTrailingWrite(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, m.Put([]byte("a"), []byte("1")))
	path := m.LogPath()
	require.NoError(t, m.Close())

	// simulate an unclean shutdown: append a truncated trailing record.
	f, err := filepath.Abs(path)
	require.NoError(t, err)
	appendGarbage(t, f)

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok := reopened.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, "1", string(v))
	require.Equal(t, 1, reopened.Len())
}

func appendGarbage(t *testing.T, path string) {
	t.Helper()
	f, err := openAppend(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 'a', 'b'})
	require.NoError(t, err)
}
