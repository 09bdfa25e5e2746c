package engine

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/nyholm-systems/kvforge/internal/kverrors"
)

// lockFileName is the advisory lock file the directory layout does
// not otherwise name; it exists purely to catch an accidental second
// Open of the same directory, not to enforce a guarantee of exclusive
// multi-process access.
const lockFileName = "LOCK"

// acquireLock opens (creating if needed) dir/LOCK and takes a
// non-blocking exclusive advisory flock on it. The returned file must
// be kept open for the lock's lifetime and closed on shutdown, which
// also releases the lock.
func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, kverrors.IO("engine: open lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, kverrors.IO("engine: directory already locked by another instance", err)
	}
	return f, nil
}

// releaseLock closes the lock file, releasing the advisory flock.
func releaseLock(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return kverrors.IO("engine: unlock lock file", err)
	}
	if err := f.Close(); err != nil {
		return kverrors.IO("engine: close lock file", err)
	}
	return nil
}
