package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testOptions(dir string) Options {
	opts := DefaultOptions()
	opts.Dir = dir
	opts.Lock = false
	opts.SyncOnWrite = false
	opts.MaxMemtableBytes = 0
	opts.FlushInterval = time.Millisecond
	opts.CompactInterval = 5 * time.Millisecond
	return opts
}

func TestOpenEmptyDirThenPutGet(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir))
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("hello"), []byte("world")))
	v, ok, err := e.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", string(v))

	_, ok, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverwriteReturnsFreshestValue(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir))
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestDeleteMakesKeyAbsent(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir))
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyKeyRejected(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir))
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.Error(t, e.Put([]byte{}, []byte("v")))
	_, _, err = e.Get([]byte{})
	require.Error(t, err)
}

func TestSizeTriggeredSealPopulatesFlushQueue(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.Positive(t, e.queue.len())

	v, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))
}

func TestGracefulShutdownDrainsQueueToSSTables(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1
	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.Positive(t, e.queue.len())

	require.NoError(t, e.GracefulShutdown())
	require.Equal(t, 0, e.queue.len())
	require.Positive(t, e.ssts.len())
}

func TestReopenAfterShutdownRecoversAllKeys(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1

	e, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Put([]byte("c"), []byte("3")))
	require.NoError(t, e.Delete([]byte("b")))
	require.NoError(t, e.GracefulShutdown())

	reopened, err := Open(testOptions(dir))
	require.NoError(t, err)
	defer reopened.GracefulShutdown()

	v, ok, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	_, ok, err = reopened.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = reopened.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3", string(v))
}

func TestMixedPutSealDeleteOrdering(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("k"), []byte("v1"))) // seals on next write
	require.NoError(t, e.Put([]byte("other"), []byte("x")))
	require.NoError(t, e.flushOnce())
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok, "tombstone in the active memtable must shadow the flushed sstable's value")
}

func TestCompactionKeepsOnlyFreshestValue(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1
	opts.MaxSSTableSize = 1 << 30
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.flushOnce())
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	require.NoError(t, e.flushOnce())
	require.NoError(t, e.Put([]byte("other"), []byte("y")))
	require.NoError(t, e.flushOnce())

	require.GreaterOrEqual(t, e.ssts.len(), 2)
	require.NoError(t, e.compactOnce())

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v), "compaction must keep only the freshest value per key")

	v, ok, err = e.Get([]byte("other"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "y", string(v))
}

func TestStatsReportsStructureSizes(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.GracefulShutdown()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	s := e.Stats()
	require.Positive(t, s.FlushQueueDepth)
}

func TestStartRunsBackgroundWorkersAndShutdownStops(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MaxMemtableBytes = 1
	e, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, e.Start())
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	require.Eventually(t, func() bool {
		return e.queue.len() == 0
	}, time.Second, time.Millisecond, "flush worker should drain the queue in the background")

	require.NoError(t, e.GracefulShutdown())
}
