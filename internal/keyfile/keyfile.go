package keyfile

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// Size is the length of the counter MAC secret in bytes.
const Size = 32

// Path returns the location of the counter MAC secret inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, "secret", "counter.key")
}

// Load reads the counter MAC secret from dataDir/secret/counter.key. If the
// file does not exist, a new random secret is generated and persisted with
// owner-only permissions.
func Load(dataDir string) ([]byte, error) {
	path := Path(dataDir)

	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading counter key: %w", err)
		}
		return generate(path)
	}
	if len(key) != Size {
		return nil, fmt.Errorf("counter key %s has %d bytes, want %d", path, len(key), Size)
	}
	return key, nil
}

func generate(path string) ([]byte, error) {
	key := make([]byte, Size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating counter key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating secret dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Created by another process since our read; use its key.
			return Load(filepath.Dir(filepath.Dir(path)))
		}
		return nil, fmt.Errorf("creating counter key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing counter key: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("syncing counter key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing counter key: %w", err)
	}
	return key, nil
}
