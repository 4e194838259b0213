package table

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"pltd/internal/logging"
)

const valueExt = ".value"

func versionFileName(v uint32) string {
	return strconv.FormatUint(uint64(v), 10) + valueExt
}

// parseVersionFileName returns the version encoded in a "<version>.value"
// name. Only canonical decimal numbers above zero are accepted.
func parseVersionFileName(name string) (uint32, bool) {
	base, ok := strings.CutSuffix(name, valueExt)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(base, 10, 32)
	if err != nil || v == 0 || strconv.FormatUint(v, 10) != base {
		return 0, false
	}
	return uint32(v), true
}

// parseKeyDirName returns the key encoded in a directory name. Like version
// names, keys must be canonical decimal so that the name round-trips.
func parseKeyDirName(name string) (uint64, bool) {
	k, err := strconv.ParseUint(name, 10, 64)
	if err != nil || strconv.FormatUint(k, 10) != name {
		return 0, false
	}
	return k, true
}

func (t *LookupTable) keyDir(key uint64) string {
	return filepath.Join(t.root, strconv.FormatUint(key, 10))
}

func (t *LookupTable) versionPath(key uint64, v uint32) string {
	return filepath.Join(t.keyDir(key), versionFileName(v))
}

// latestVersion returns the highest version stored for key, or 0 when the key
// directory is missing or holds no version file. Files ending in ".value"
// whose name does not parse are logged and ignored.
func (t *LookupTable) latestVersion(key uint64) (uint32, error) {
	dir := t.keyDir(key)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &StorageError{Op: "list", Path: dir, Err: err}
	}

	var latest uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, valueExt) {
			continue
		}
		v, ok := parseVersionFileName(name)
		if !ok {
			t.log.Warn("skipping corrupt version file", logging.Key(key), "file", name)
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

// readVersion returns the full content of one version file.
func (t *LookupTable) readVersion(key uint64, v uint32) ([]byte, error) {
	path := t.versionPath(key, v)
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &StorageError{Op: "stat", Path: path, Err: err}
	}
	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = errShortRead
		}
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}
	return buf, nil
}

// writeVersion durably creates "<v>.value" holding value. The content goes
// to a temporary file first, which is synced and then renamed into place.
// The key directory is synced last so the new entry survives power loss.
func (t *LookupTable) writeVersion(key uint64, v uint32, value []byte) error {
	dir := t.keyDir(key)
	final := filepath.Join(dir, versionFileName(v))

	tmp, err := os.CreateTemp(dir, "."+versionFileName(v)+".tmp*")
	if err != nil {
		return &StorageError{Op: "create", Path: final, Err: err}
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Chmod(t.fileMode); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "chmod", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StorageError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StorageError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, final); err != nil {
		// LinkError repeats both paths; keep only its cause.
		var le *os.LinkError
		if errors.As(err, &le) {
			err = le.Err
		}
		return &StorageError{Op: "rename", Path: final, Err: err}
	}
	renamed = true

	if err := syncDir(dir); err != nil {
		return &StorageError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}

// createKeyDir makes the directory for a new key and syncs the root so the
// entry is durable. An existing directory is not an error.
func (t *LookupTable) createKeyDir(key uint64) error {
	dir := t.keyDir(key)
	if err := os.Mkdir(dir, t.dirMode); err != nil && !errors.Is(err, fs.ErrExist) {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	if err := syncDir(t.root); err != nil {
		return &StorageError{Op: "fsync", Path: t.root, Err: err}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
