package engine

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/nyholm-systems/kvforge/internal/kverrors"
)

// Options configures an Engine. The zero value is not usable directly;
// start from DefaultOptions.
type Options struct {
	// Dir is the filesystem path holding every *.log and *.ss file.
	Dir string

	// MaxMemtableBytes is the active memtable's size_bytes() threshold
	// that triggers a seal. Zero disables size-triggered sealing
	// entirely (useful for tests driving seals manually).
	MaxMemtableBytes int64

	// MaxSSTableSize is the on-disk size threshold below which an
	// sstable is eligible for compaction.
	MaxSSTableSize int64

	// SyncOnWrite fsyncs the active memtable's log file after every
	// Put/Delete. Durability without it is "durable when the OS next
	// flushes the write-back cache".
	SyncOnWrite bool

	// FlushInterval is the flush worker's poll period between drain
	// attempts (design default: ~100 µs).
	FlushInterval time.Duration

	// CompactInterval is the compactor worker's poll period.
	CompactInterval time.Duration

	// Lock, if true, acquires a best-effort advisory lock file at
	// Dir/LOCK on Open, guarding against accidental concurrent
	// multi-process use. This is not a correctness mechanism (spec's
	// NON-GOALS exclude multi-process access outright) — just a
	// guard rail against opening the same directory twice by mistake.
	Lock bool

	// Logger receives structured background-worker and recovery
	// events. The zero value (zerolog.Logger{}) behaves like
	// zerolog.Nop() once passed through DefaultOptions.
	Logger zerolog.Logger
}

// DefaultOptions returns the engine's out-of-the-box configuration:
// a 10 MiB memtable threshold, fsync-on-write enabled, a 100µs flush
// tick, a 50ms compaction tick, and a disabled logger.
func DefaultOptions() Options {
	return Options{
		MaxMemtableBytes: 10 << 20,
		MaxSSTableSize:   4 << 20,
		SyncOnWrite:      true,
		FlushInterval:    100 * time.Microsecond,
		CompactInterval:  50 * time.Millisecond,
		Lock:             true,
		Logger:           zerolog.Nop(),
	}
}

// LoadOptions reads Options from a config file (any format viper
// supports: yaml, toml, json) at path, overlaying onto DefaultOptions.
// Recognized keys: dir, max_memtable_bytes, max_sstable_size,
// sync_on_write, flush_interval, compact_interval, lock.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Options{}, kverrors.IO("engine: read config file", err)
	}

	if v.IsSet("dir") {
		opts.Dir = v.GetString("dir")
	}
	if v.IsSet("max_memtable_bytes") {
		opts.MaxMemtableBytes = v.GetInt64("max_memtable_bytes")
	}
	if v.IsSet("max_sstable_size") {
		opts.MaxSSTableSize = v.GetInt64("max_sstable_size")
	}
	if v.IsSet("sync_on_write") {
		opts.SyncOnWrite = v.GetBool("sync_on_write")
	}
	if v.IsSet("flush_interval") {
		opts.FlushInterval = v.GetDuration("flush_interval")
	}
	if v.IsSet("compact_interval") {
		opts.CompactInterval = v.GetDuration("compact_interval")
	}
	if v.IsSet("lock") {
		opts.Lock = v.GetBool("lock")
	}
	return opts, nil
}
