package keyfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateAndReload(t *testing.T) {
	dir := t.TempDir()

	key1, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != Size {
		t.Fatalf("key length = %d, want %d", len(key1), Size)
	}

	info, err := os.Stat(Path(dir))
	if err != nil {
		t.Fatalf("key file should exist: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}
	dirInfo, err := os.Stat(filepath.Dir(Path(dir)))
	if err != nil {
		t.Fatal(err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Fatalf("secret dir mode = %v, want 0700", dirInfo.Mode().Perm())
	}

	key2, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatal("reloading should return the persisted key")
	}
}

func TestDistinctDirsGetDistinctKeys(t *testing.T) {
	a, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("independently generated keys should differ")
	}
}

func TestLoadWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for truncated key file")
	}
}

func TestLoadUnwritableDir(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(parent, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(parent); err == nil {
		t.Fatal("generating a key under a regular file should fail")
	}
}
