package table

import (
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync"

	"pltd/internal/logging"
)

const (
	DefaultFileMode os.FileMode = 0600
	DefaultDirMode  os.FileMode = 0700
)

type options struct {
	fileMode os.FileMode
	dirMode  os.FileMode
	locking  bool
}

// Option configures a LookupTable.
type Option func(*options)

// WithFileMode sets the permission bits of version files.
func WithFileMode(mode os.FileMode) Option {
	return func(o *options) {
		o.fileMode = mode
	}
}

// WithDirMode sets the permission bits of the root and key directories.
func WithDirMode(mode os.FileMode) Option {
	return func(o *options) {
		o.dirMode = mode
	}
}

// WithLocking enables or disables the internal per-key locks. Without them
// the caller must serialize all operations on the table.
func WithLocking(enabled bool) Option {
	return func(o *options) {
		o.locking = enabled
	}
}

// LookupTable is a versioned key-value table stored under a root directory.
// Init must be called once before any other method.
type LookupTable struct {
	root     string
	fileMode os.FileMode
	dirMode  os.FileMode
	locking  bool

	mu   sync.RWMutex // held exclusively by Init, shared by key operations
	keys keyLocks
	log  *slog.Logger
}

// New returns a table rooted at root. Nothing touches the disk until Init.
func New(root string, opts ...Option) *LookupTable {
	o := options{
		fileMode: DefaultFileMode,
		dirMode:  DefaultDirMode,
		locking:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &LookupTable{
		root:     root,
		fileMode: o.fileMode,
		dirMode:  o.dirMode,
		locking:  o.locking,
		log:      logging.For("table").With("root", root),
	}
}

// Root returns the table's root directory.
func (t *LookupTable) Root() string {
	return t.root
}

// Init creates the root directory if it is missing. Otherwise it treats the
// existing content as possibly left over from a crash and garbage-collects
// every key down to its latest version. Keys whose latest version is a
// tombstone, or which hold no version at all, are removed entirely.
// Init is idempotent.
func (t *LookupTable) Init() error {
	if t.locking {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	info, err := os.Stat(t.root)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(t.root, t.dirMode); err != nil {
			return &StorageError{Op: "mkdir", Path: t.root, Err: err}
		}
		t.log.Info("created table root")
		return nil
	case err != nil:
		return &StorageError{Op: "stat", Path: t.root, Err: err}
	case !info.IsDir():
		return &StorageError{Op: "stat", Path: t.root, Err: errNotDirectory}
	}

	keys, err := t.scanKeys()
	if err != nil {
		return err
	}

	removed, purged := 0, 0
	for _, key := range keys {
		latest, err := t.latestVersion(key)
		if err != nil {
			t.log.Warn("skipping unreadable key during recovery", logging.Key(key), "err", err)
			continue
		}
		if latest != 0 && t.isTombstone(key, latest) {
			latest = 0
		}
		if latest == 0 {
			purged++
		}
		removed += t.deleteOldKeyVersions(key, latest)
	}
	t.log.Info("table recovered", "keys", len(keys), "purged_keys", purged, "removed_files", removed)
	return nil
}

// GetValue returns the current value of key. Never-stored and deleted keys
// both yield ErrKeyNotFound, and so does a key whose last stored value was
// empty.
func (t *LookupTable) GetValue(key uint64) ([]byte, error) {
	defer t.lockKey(key)()

	latest, err := t.latestVersion(key)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, ErrKeyNotFound
	}
	value, err := t.readVersion(key, latest)
	if err != nil {
		t.log.Warn("cannot read value", logging.Key(key), logging.Version(latest), "err", err)
		return nil, err
	}
	if len(value) == 0 {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// StoreValue durably writes value as the next version of key. Previous
// versions stay on disk until the next Init or RemoveKey.
// A key that has exhausted its version space returns *VersionOverflowError.
func (t *LookupTable) StoreValue(key uint64, value []byte) error {
	defer t.lockKey(key)()

	latest, err := t.latestVersion(key)
	if err != nil {
		return err
	}
	if latest == 0 {
		if err := t.createKeyDir(key); err != nil {
			t.log.Warn("cannot create key directory", logging.Key(key), "err", err)
			return err
		}
	}
	if latest == math.MaxUint32 {
		t.log.Error("version counter exhausted", logging.Key(key))
		return &VersionOverflowError{Key: key}
	}

	next := latest + 1
	if err := t.writeVersion(key, next, value); err != nil {
		t.log.Warn("cannot write value", logging.Key(key), logging.Version(next), "err", err)
		return err
	}
	t.log.Debug("stored value", logging.Key(key), logging.Version(next), "bytes", len(value))
	return nil
}

// RemoveKey deletes key. An existing key first gets a tombstone version, so
// a purge interrupted by a crash still reads as deleted; then the whole key
// directory is purged. The purge runs even if the tombstone could not be
// written, in which case the tombstone error is returned. Removing a key
// that does not exist is not an error.
func (t *LookupTable) RemoveKey(key uint64) error {
	defer t.lockKey(key)()

	latest, writeErr := t.latestVersion(key)
	switch {
	case writeErr != nil:
	case latest == math.MaxUint32:
		t.log.Warn("no version left for tombstone, purging directly", logging.Key(key))
	case latest != 0:
		writeErr = t.writeVersion(key, latest+1, nil)
		if writeErr != nil {
			t.log.Error("cannot write tombstone", logging.Key(key), "err", writeErr)
		}
	}

	t.deleteOldKeyVersions(key, 0)
	return writeErr
}

// KeyExists reports whether any version file exists for key. A tombstoned
// key whose directory has not been purged yet still exists; use GetValue to
// check liveness.
func (t *LookupTable) KeyExists(key uint64) bool {
	defer t.lockKey(key)()
	return t.keyExists(key)
}

// GetUsedKeys returns every key with at least one version file, in directory
// order.
func (t *LookupTable) GetUsedKeys() ([]uint64, error) {
	if t.locking {
		t.mu.RLock()
		defer t.mu.RUnlock()
	}

	keys, err := t.scanKeys()
	if err != nil {
		return nil, err
	}
	used := keys[:0]
	for _, key := range keys {
		var exists bool
		if t.locking {
			unlock := t.keys.lock(key)
			exists = t.keyExists(key)
			unlock()
		} else {
			exists = t.keyExists(key)
		}
		if exists {
			used = append(used, key)
		}
	}
	return used, nil
}

// Close satisfies store.Table. The table holds no open resources.
func (t *LookupTable) Close() error {
	return nil
}

func (t *LookupTable) keyExists(key uint64) bool {
	latest, err := t.latestVersion(key)
	if err != nil {
		t.log.Warn("cannot scan key", logging.Key(key), "err", err)
		return false
	}
	return latest != 0
}

func (t *LookupTable) isTombstone(key uint64, v uint32) bool {
	info, err := os.Stat(t.versionPath(key, v))
	return err == nil && info.Size() == 0
}

// scanKeys lists the key directories under the root. Entries whose name is
// not a canonical decimal uint64 are skipped with a warning.
func (t *LookupTable) scanKeys() ([]uint64, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, &StorageError{Op: "list", Path: t.root, Err: err}
	}
	keys := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		key, ok := parseKeyDirName(e.Name())
		if !ok {
			t.log.Warn("skipping directory that is not a key", "name", e.Name())
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// lockKey takes the table lock in shared mode and the per-key lock, and
// returns the function that releases both.
func (t *LookupTable) lockKey(key uint64) func() {
	if !t.locking {
		return func() {}
	}
	t.mu.RLock()
	unlock := t.keys.lock(key)
	return func() {
		unlock()
		t.mu.RUnlock()
	}
}
