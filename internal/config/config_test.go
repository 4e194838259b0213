package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Table.Backend != "fs" {
		t.Errorf("Backend: got %q, want fs", cfg.Table.Backend)
	}
	if cfg.Table.FileMode.FileMode != 0600 {
		t.Errorf("FileMode: got %o, want 0600", cfg.Table.FileMode.FileMode)
	}
	if cfg.Table.DirMode.FileMode != 0700 {
		t.Errorf("DirMode: got %o, want 0700", cfg.Table.DirMode.FileMode)
	}
	if cfg.Daemon.DataDir != "~/.pltd" {
		t.Errorf("DataDir: got %q, want ~/.pltd", cfg.Daemon.DataDir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Table.Backend != "fs" {
		t.Errorf("Backend: got %q, want fs", cfg.Table.Backend)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
[table]
backend = "bolt"
path = "/var/lib/pltd/table.db"
file_mode = "0640"
dir_mode = "0750"

[daemon]
data_dir = "/var/lib/pltd"
socket = "/run/pltd.sock"

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(toml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Table.Backend != "bolt" {
		t.Errorf("Backend: got %q", cfg.Table.Backend)
	}
	if cfg.TablePath() != "/var/lib/pltd/table.db" {
		t.Errorf("TablePath: got %q", cfg.TablePath())
	}
	if cfg.Table.FileMode.FileMode != 0640 {
		t.Errorf("FileMode: got %o, want 0640", cfg.Table.FileMode.FileMode)
	}
	if cfg.Table.DirMode.FileMode != 0750 {
		t.Errorf("DirMode: got %o, want 0750", cfg.Table.DirMode.FileMode)
	}
	if cfg.SocketPath() != "/run/pltd.sock" {
		t.Errorf("SocketPath: got %q", cfg.SocketPath())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"warn\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q", cfg.Logging.Level)
	}
	if cfg.Table.FileMode.FileMode != 0600 || cfg.Table.Backend != "fs" {
		t.Errorf("table defaults lost: %+v", cfg.Table)
	}
}

func TestLoadBadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("{{invalid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestLoadBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[table]\nfile_mode = \"rw-------\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-octal file mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Defaults()
	cfg.Daemon.DataDir = "/data"

	if got := cfg.TablePath(); got != "/data/table" {
		t.Errorf("fs TablePath: got %q, want /data/table", got)
	}
	cfg.Table.Backend = "bolt"
	if got := cfg.TablePath(); got != "/data/table.db" {
		t.Errorf("bolt TablePath: got %q, want /data/table.db", got)
	}
	if got := cfg.SocketPath(); got != "/data/pltd.sock" {
		t.Errorf("SocketPath: got %q, want /data/pltd.sock", got)
	}
}

func TestModeMarshalText(t *testing.T) {
	b, err := Mode{0640}.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "0640" {
		t.Errorf("MarshalText: got %q, want 0640", b)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	got := ExpandHome("~/foo/bar")
	want := filepath.Join(home, "foo/bar")
	if got != want {
		t.Errorf("ExpandHome: got %q, want %q", got, want)
	}

	// Non-home path unchanged
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandHome: got %q, want /absolute/path", got)
	}
}
