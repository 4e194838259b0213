package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	boltstore "pltd/internal/store/bolt"
	"pltd/internal/table"
)

// Table is the versioned key-value interface the daemon is written against.
// The filesystem LookupTable is the reference backend; bbolt is the
// alternative for platforms where directory fsync is not reliable.
type Table interface {
	Init() error
	GetValue(key uint64) ([]byte, error)
	StoreValue(key uint64, value []byte) error
	RemoveKey(key uint64) error
	KeyExists(key uint64) bool
	GetUsedKeys() ([]uint64, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFS   = "fs"
	BackendBolt = "bolt"
)

var (
	_ Table = (*table.LookupTable)(nil)
	_ Table = (*boltstore.Table)(nil)
)

// Options carries the backend-independent settings used by Open.
type Options struct {
	FileMode os.FileMode
	DirMode  os.FileMode
}

// Open returns the backend named by backend at path. The table is not yet
// initialised; the caller runs Init.
func Open(backend, path string, opts Options) (Table, error) {
	if opts.FileMode == 0 {
		opts.FileMode = table.DefaultFileMode
	}
	if opts.DirMode == 0 {
		opts.DirMode = table.DefaultDirMode
	}
	switch backend {
	case BackendFS, "":
		return table.New(path, table.WithFileMode(opts.FileMode), table.WithDirMode(opts.DirMode)), nil
	case BackendBolt:
		t, err := boltstore.Open(path, opts.FileMode)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// ParseLocation splits a "backend:path" string. A bare path means the
// filesystem backend.
func ParseLocation(loc string) (backend, path string, err error) {
	backend, path, found := strings.Cut(loc, ":")
	if !found {
		return BackendFS, loc, nil
	}
	switch backend {
	case BackendFS, BackendBolt:
	default:
		return "", "", fmt.Errorf("unknown backend %q in %q", backend, loc)
	}
	if path == "" {
		return "", "", fmt.Errorf("missing path in %q", loc)
	}
	return backend, path, nil
}

// Copy stores the current value of every live key of src into dst and
// returns the number of keys copied. Tombstoned keys are skipped.
func Copy(ctx context.Context, dst, src Table) (int, error) {
	keys, err := src.GetUsedKeys()
	if err != nil {
		return 0, fmt.Errorf("listing source keys: %w", err)
	}
	copied := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		value, err := src.GetValue(key)
		if errors.Is(err, table.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return copied, fmt.Errorf("reading key %d: %w", key, err)
		}
		if err := dst.StoreValue(key, value); err != nil {
			return copied, fmt.Errorf("writing key %d: %w", key, err)
		}
		copied++
	}
	return copied, nil
}
