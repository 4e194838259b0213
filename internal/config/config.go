package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"pltd/internal/logging"
)

type Config struct {
	Table   TableConfig   `toml:"table"`
	Daemon  DaemonConfig  `toml:"daemon"`
	Logging LoggingConfig `toml:"logging"`
}

type TableConfig struct {
	Backend  string `toml:"backend"`   // "fs" or "bolt"
	Path     string `toml:"path"`      // root directory (fs) or database file (bolt); defaults under data_dir
	FileMode Mode   `toml:"file_mode"` // version files / database file
	DirMode  Mode   `toml:"dir_mode"`  // root and key directories
}

type DaemonConfig struct {
	DataDir   string  `toml:"data_dir"`
	Socket    string  `toml:"socket"`
	RateLimit float64 `toml:"rate_limit"` // requests per second per connection, 0 = unlimited
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Mode is an os.FileMode written as an octal string in TOML ("0600").
type Mode struct {
	os.FileMode
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", text, err)
	}
	m.FileMode = os.FileMode(v)
	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%04o", uint32(m.FileMode.Perm()))), nil
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Table: TableConfig{
			Backend:  "fs",
			FileMode: Mode{0600},
			DirMode:  Mode{0700},
		},
		Daemon: DaemonConfig{
			DataDir: "~/.pltd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, ~/.pltd/config.toml is used when present, otherwise
// only defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.pltd/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// TablePath returns the configured table location, defaulting to a
// backend-specific name inside the data directory.
func (c *Config) TablePath() string {
	if c.Table.Path != "" {
		return expandHome(c.Table.Path)
	}
	name := "table"
	if c.Table.Backend == "bolt" {
		name = "table.db"
	}
	return filepath.Join(expandHome(c.Daemon.DataDir), name)
}

// SocketPath returns the daemon's unix socket, defaulting to pltd.sock in
// the data directory.
func (c *Config) SocketPath() string {
	if c.Daemon.Socket != "" {
		return expandHome(c.Daemon.Socket)
	}
	return filepath.Join(expandHome(c.Daemon.DataDir), "pltd.sock")
}

// Validate checks every field and reports all problems at once, each
// prefixed with its TOML path.
func (c *Config) Validate() error {
	var errs []error

	switch c.Table.Backend {
	case "fs", "bolt":
	default:
		errs = append(errs, fmt.Errorf("table.backend: must be \"fs\" or \"bolt\", got %q", c.Table.Backend))
	}
	if err := validateMode(c.Table.FileMode.FileMode, false); err != nil {
		errs = append(errs, fmt.Errorf("table.file_mode: %w", err))
	}
	if err := validateMode(c.Table.DirMode.FileMode, true); err != nil {
		errs = append(errs, fmt.Errorf("table.dir_mode: %w", err))
	}
	if strings.TrimSpace(c.Daemon.DataDir) == "" {
		errs = append(errs, errors.New("daemon.data_dir: must not be empty"))
	}
	if err := validateSocket(c.SocketPath()); err != nil {
		errs = append(errs, fmt.Errorf("daemon.socket: %w", err))
	}
	if c.Daemon.RateLimit < 0 || math.IsNaN(c.Daemon.RateLimit) || math.IsInf(c.Daemon.RateLimit, 0) {
		errs = append(errs, fmt.Errorf("daemon.rate_limit: must be a finite number >= 0, got %v", c.Daemon.RateLimit))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// validateMode requires owner read/write, and owner execute for directories.
// Bits outside the permission mask are rejected.
func validateMode(m os.FileMode, dir bool) error {
	if m&^os.ModePerm != 0 {
		return fmt.Errorf("%#o has bits outside 0777", uint32(m))
	}
	need := os.FileMode(0600)
	if dir {
		need = 0700
	}
	if m&need != need {
		return fmt.Errorf("%#o must include %#o", uint32(m), uint32(need))
	}
	return nil
}

// maxSocketPath is the usable length of sun_path on Linux.
const maxSocketPath = 107

func validateSocket(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("must not be empty")
	}
	if len(path) > maxSocketPath {
		return fmt.Errorf("path is %d bytes, unix sockets allow %d", len(path), maxSocketPath)
	}
	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
