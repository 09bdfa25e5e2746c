package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nyholm-systems/kvforge/internal/record"
)

func ordered(pairs [][2]string) func(func([]byte, []byte) bool) {
	return func(yield func([]byte, []byte) bool) {
		for _, p := range pairs {
			if !yield([]byte(p[0]), []byte(p[1])) {
				return
			}
		}
	}
}

func TestWriteAndGet(t *testing.T) {
	dir := t.TempDir()
	tbl, err := WriteFromOrdered(dir, ordered([][2]string{
		{"a", "1"}, {"b", "2"}, {"c", "3"},
	}))
	require.NoError(t, err)

	v, ok, err := tbl.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))

	_, ok, err = tbl.Get([]byte("z"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteFromOrdered(dir, ordered([][2]string{{"a", "1"}}))
	require.NoError(t, err)

	entries, err := filepathGlob(dir, "*.tmp")
	require.NoError(t, err)
	require.Empty(t, entries, "no .tmp artifacts should remain after a successful write")
}

func TestTombstoneReturnedAsFoundValue(t *testing.T) {
	dir := t.TempDir()
	tbl, err := WriteFromOrdered(dir, ordered([][2]string{
		{"a", string(record.Tombstone())},
	}))
	require.NoError(t, err)

	v, ok, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, record.IsTombstone(v))
}

func TestIterateYieldsSortedPairs(t *testing.T) {
	dir := t.TempDir()
	tbl, err := WriteFromOrdered(dir, ordered([][2]string{
		{"a", "1"}, {"b", "2"}, {"c", "3"},
	}))
	require.NoError(t, err)

	it, err := tbl.Iterate()
	require.NoError(t, err)

	var got []string
	it(func(k, v []byte) bool {
		got = append(got, string(k)+"="+string(v))
		return true
	})
	require.Equal(t, []string{"a=1", "b=2", "c=3"}, got)
}

func TestMaybeContainsTrueForPresentKey(t *testing.T) {
	dir := t.TempDir()
	tbl, err := WriteFromOrdered(dir, ordered([][2]string{{"present", "v"}}))
	require.NoError(t, err)

	require.True(t, tbl.MaybeContains([]byte("present")))
	// A bloom filter may false-positive but never false-negative; we
	// only assert the true-positive side, which is deterministic.
}

func TestOpenWithoutSidecarsFallsBackToFullScan(t *testing.T) {
	dir := t.TempDir()
	tbl, err := WriteFromOrdered(dir, ordered([][2]string{{"a", "1"}, {"b", "2"}}))
	require.NoError(t, err)

	// Drop the sidecars and reopen: Get must still work via linear scan.
	require.NoError(t, removeIfExists(tbl.Path()+".idx"))
	require.NoError(t, removeIfExists(tbl.Path()+".bf"))

	reopened, err := Open(tbl.Path())
	require.NoError(t, err)
	require.True(t, reopened.MaybeContains([]byte("anything")))

	v, ok, err := reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestFormatFilenameMonotonic(t *testing.T) {
	a := FormatFilename()
	b := FormatFilename()
	require.NotEqual(t, a, b)
	ta, ok := TimestampOf(a)
	require.True(t, ok)
	tb, ok := TimestampOf(b)
	require.True(t, ok)
	require.Less(t, ta, tb)
}

func filepathGlob(dir, pattern string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, pattern))
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
