package table

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"pltd/internal/logging"
)

// deleteOldKeyVersions removes every file in the key directory except the
// version file for keep. With keep == 0 the whole directory is purged.
// Failures are logged and skipped. It returns the number of entries removed.
func (t *LookupTable) deleteOldKeyVersions(key uint64, keep uint32) int {
	dir := t.keyDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.log.Warn("cannot list key directory for cleanup", logging.Key(key), "err", err)
		}
		return 0
	}
	if keep == 0 {
		return t.purgeKeyDir(key, dir, entries)
	}

	keepName := versionFileName(keep)
	removed := 0
	for _, e := range entries {
		if e.Name() == keepName {
			continue
		}
		if t.removeEntry(key, filepath.Join(dir, e.Name())) {
			removed++
		}
	}
	return removed
}

// purgeKeyDir deletes a key directory so that a crash at any point leaves
// either the latest version current or the key gone. Older versions go
// first and the directory is synced before the latest file is unlinked.
func (t *LookupTable) purgeKeyDir(key uint64, dir string, entries []fs.DirEntry) int {
	var latest uint32
	for _, e := range entries {
		if v, ok := parseVersionFileName(e.Name()); ok && !e.IsDir() && v > latest {
			latest = v
		}
	}
	latestName := versionFileName(latest)

	removed := 0
	for _, e := range entries {
		if latest != 0 && e.Name() == latestName {
			continue
		}
		if t.removeEntry(key, filepath.Join(dir, e.Name())) {
			removed++
		}
	}
	if latest != 0 {
		if err := syncDir(dir); err != nil {
			t.log.Warn("cannot sync key directory", logging.Key(key), "err", err)
		}
		if t.removeEntry(key, filepath.Join(dir, latestName)) {
			removed++
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		t.log.Warn("cannot remove key directory", logging.Key(key), "err", err)
		return removed
	}
	if err := syncDir(t.root); err != nil {
		t.log.Warn("cannot sync table root", "err", err)
	}
	return removed
}

func (t *LookupTable) removeEntry(key uint64, path string) bool {
	if err := os.Remove(path); err != nil {
		t.log.Warn("cannot delete stale entry", logging.Key(key), "path", path, "err", err)
		return false
	}
	return true
}
