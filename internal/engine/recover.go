package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nyholm-systems/kvforge/internal/kverrors"
	"github.com/nyholm-systems/kvforge/internal/memtable"
	"github.com/nyholm-systems/kvforge/internal/sstable"
)

// recoverDir enumerates dir, reconstructing a memtable for every *.log
// file (oldest first, so the oldest lands deepest in the flush queue)
// and registering every *.ss file as an sstable (newest first). Leftover
// *.tmp / *.tmpf artifacts from an interrupted compaction or flush are
// removed first.
func recoverDir(dir string, log zerolog.Logger) (*flushQueue, *sstableList, error) {
	if err := cleanupTransients(dir); err != nil {
		return nil, nil, err
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, kverrors.IO("engine: read directory for recovery", err)
	}

	var logFiles, sstFiles []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".log"):
			logFiles = append(logFiles, name)
		case strings.HasSuffix(name, sstable.DataExt) &&
			!strings.HasSuffix(name, sstable.IndexExt) &&
			!strings.HasSuffix(name, sstable.BloomExt):
			sstFiles = append(sstFiles, name)
		}
	}

	sort.Slice(logFiles, func(i, j int) bool {
		return logTimestamp(logFiles[i]) < logTimestamp(logFiles[j])
	})
	sort.Slice(sstFiles, func(i, j int) bool {
		ti, _ := sstable.TimestampOf(sstFiles[i])
		tj, _ := sstable.TimestampOf(sstFiles[j])
		return ti < tj
	})

	queue := &flushQueue{}
	for _, name := range logFiles {
		mt, err := memtable.Open(filepath.Join(dir, name), memtable.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		queue.pushFront(mt)
	}

	ssts := &sstableList{}
	for _, name := range sstFiles {
		tbl, err := sstable.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, err
		}
		ssts.pushFront(tbl)
	}

	return queue, ssts, nil
}

func logTimestamp(name string) int64 {
	base := strings.TrimSuffix(filepath.Base(name), ".log")
	n, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// cleanupTransients removes any *.tmp / *.tmpf / *.idx.tmp / *.bf.tmp
// files left behind by a flush or compaction that never completed; a
// healthy instance must never observe a partial sstable on disk.
func cleanupTransients(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kverrors.IO("engine: read directory for cleanup", err)
	}
	for _, e := range ents {
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".tmpf") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return kverrors.IO("engine: remove transient artifact", err)
			}
		}
	}
	return nil
}
