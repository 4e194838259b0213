package bolt

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"pltd/internal/logging"
	"pltd/internal/table"
)

const versionLen = 4

// Table implements store.Table on a single bbolt file. Each key is a bucket
// named by its decimal value; inside it, versions are 4-byte big-endian keys
// so the cursor's last entry is the latest version. An empty value is a
// tombstone, as in the filesystem table.
//
// Every write is a bbolt transaction, so RemoveKey deletes the bucket in one
// step and needs no intermediate tombstone.
type Table struct {
	db   *bolt.DB
	path string
	log  *slog.Logger
}

// Open creates or opens a bbolt database at the given path.
func Open(path string, mode os.FileMode) (*Table, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &table.StorageError{Op: "open", Path: path, Err: err}
	}
	return &Table{
		db:   db,
		path: path,
		log:  logging.For("bolt").With("path", path),
	}, nil
}

func bucketName(key uint64) []byte {
	return []byte(strconv.FormatUint(key, 10))
}

func parseBucketName(name []byte) (uint64, bool) {
	k, err := strconv.ParseUint(string(name), 10, 64)
	if err != nil || strconv.FormatUint(k, 10) != string(name) {
		return 0, false
	}
	return k, true
}

func versionKey(v uint32) []byte {
	var b [versionLen]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// latest returns the highest valid version in b and its value. Entries whose
// key is not a 4-byte version above zero are skipped.
func (t *Table) latest(key uint64, b *bolt.Bucket) (uint32, []byte) {
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if len(k) != versionLen || (v == nil && b.Bucket(k) != nil) {
			t.log.Warn("skipping corrupt version entry", logging.Key(key), "entry", k)
			continue
		}
		if ver := binary.BigEndian.Uint32(k); ver != 0 {
			return ver, v
		}
	}
	return 0, nil
}

// Init garbage-collects every key down to its latest version. Buckets whose
// latest version is a tombstone, or which hold none, are dropped.
func (t *Table) Init() error {
	removed, purged := 0, 0
	err := t.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			key, ok := parseBucketName(name)
			if !ok {
				t.log.Warn("skipping bucket that is not a key", "name", string(name))
				continue
			}
			b := tx.Bucket(name)
			ver, value := t.latest(key, b)
			if ver == 0 || len(value) == 0 {
				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
				purged++
				continue
			}

			keep := versionKey(ver)
			var stale [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) != string(keep) {
					stale = append(stale, append([]byte(nil), k...))
				}
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					t.log.Warn("cannot delete stale entry", logging.Key(key), "err", err)
					continue
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return &table.StorageError{Op: "gc", Path: t.path, Err: err}
	}
	t.log.Info("table recovered", "purged_keys", purged, "removed_entries", removed)
	return nil
}

func (t *Table) GetValue(key uint64) ([]byte, error) {
	var val []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(key))
		if b == nil {
			return table.ErrKeyNotFound
		}
		ver, v := t.latest(key, b)
		if ver == 0 || len(v) == 0 {
			return table.ErrKeyNotFound
		}
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	if err != nil && !errors.Is(err, table.ErrKeyNotFound) {
		return nil, &table.StorageError{Op: "get", Path: t.path, Err: err}
	}
	return val, err
}

func (t *Table) StoreValue(key uint64, value []byte) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(key))
		if err != nil {
			return err
		}
		ver, _ := t.latest(key, b)
		if ver == math.MaxUint32 {
			return &table.VersionOverflowError{Key: key}
		}
		return b.Put(versionKey(ver+1), append([]byte{}, value...))
	})
	var overflow *table.VersionOverflowError
	if errors.As(err, &overflow) {
		t.log.Error("version counter exhausted", logging.Key(key))
		return err
	}
	if err != nil {
		return &table.StorageError{Op: "put", Path: t.path, Err: err}
	}
	return nil
}

func (t *Table) RemoveKey(key uint64) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(bucketName(key))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return &table.StorageError{Op: "delete", Path: t.path, Err: err}
	}
	return nil
}

func (t *Table) KeyExists(key uint64) bool {
	exists := false
	err := t.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketName(key)); b != nil {
			ver, _ := t.latest(key, b)
			exists = ver != 0
		}
		return nil
	})
	if err != nil {
		t.log.Warn("cannot scan key", logging.Key(key), "err", err)
		return false
	}
	return exists
}

func (t *Table) GetUsedKeys() ([]uint64, error) {
	var keys []uint64
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			key, ok := parseBucketName(name)
			if !ok {
				return nil
			}
			if ver, _ := t.latest(key, b); ver != 0 {
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &table.StorageError{Op: "list", Path: t.path, Err: err}
	}
	return keys, nil
}

func (t *Table) Close() error {
	return t.db.Close()
}
