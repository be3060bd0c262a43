// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPort is the TCP port the first worker lane uses.
const DefaultPort = 12346

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid suite config")

// Paths holds XDG-compliant paths for tlscompat.
type Paths struct {
	ConfigDir   string // ~/.config/tlscompat
	DataDir     string // ~/.local/share/tlscompat
	ConfigFile  string // ~/.config/tlscompat/suite.toml
	FixturesDir string // ~/.local/share/tlscompat/fixtures
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "tlscompat")
	dataDir := filepath.Join(home, ".local", "share", "tlscompat")

	return Paths{
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(configDir, "suite.toml"),
		FixturesDir: filepath.Join(dataDir, "fixtures"),
	}
}

// EnsureDirectories creates config and data directories if they don't exist.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0700)
}

// SuiteConfig holds configuration for a test-suite run.
type SuiteConfig struct {
	Run      RunConfig      `toml:"run"`
	Fixtures FixturesConfig `toml:"fixtures"`
	Agent    AgentConfig    `toml:"agent"`
}

// RunConfig holds matrix execution settings.
type RunConfig struct {
	Port                int      `toml:"port"`
	Workers             int      `toml:"workers"`
	TrialTimeoutSeconds int      `toml:"trial_timeout_seconds"`
	Filter              []string `toml:"filter"`
	Skip                []string `toml:"skip"`
	Limit               int      `toml:"limit"`
	JSONOutput          string   `toml:"json_output"`
}

// TrialTimeout returns the per-trial timeout as a duration.
func (r RunConfig) TrialTimeout() time.Duration {
	return time.Duration(r.TrialTimeoutSeconds) * time.Second
}

// FixturesConfig holds the location of the server certificate and key.
type FixturesConfig struct {
	Dir string `toml:"dir"`
}

// AgentConfig holds settings passed to spawned agents.
type AgentConfig struct {
	// Path is the agent executable. Empty means the running binary.
	Path     string `toml:"path"`
	LogLevel string `toml:"log_level"`
}

// DefaultSuiteConfig returns a SuiteConfig with sensible defaults.
func DefaultSuiteConfig() SuiteConfig {
	paths := DefaultPaths()
	return SuiteConfig{
		Run: RunConfig{
			Port:                DefaultPort,
			Workers:             1,
			TrialTimeoutSeconds: 30,
			Filter:              []string{},
			Skip:                []string{},
		},
		Fixtures: FixturesConfig{
			Dir: paths.FixturesDir,
		},
		Agent: AgentConfig{
			LogLevel: "info",
		},
	}
}

// LoadSuiteConfig loads a SuiteConfig from a TOML file, on top of the
// defaults. Paths with ~ are expanded to the user's home directory.
func LoadSuiteConfig(path string) (*SuiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultSuiteConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	cfg.Fixtures.Dir = ExpandPath(cfg.Fixtures.Dir)
	cfg.Agent.Path = ExpandPath(cfg.Agent.Path)
	cfg.Run.JSONOutput = ExpandPath(cfg.Run.JSONOutput)

	return &cfg, nil
}

// Validate checks the config for values a run cannot start with.
func (c SuiteConfig) Validate() error {
	if c.Run.Port < 1 || c.Run.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Run.Port)
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrInvalidConfig)
	}
	if last := c.Run.Port + c.Run.Workers - 1; last > 65535 {
		return fmt.Errorf("%w: %d workers from port %d exceed port range", ErrInvalidConfig, c.Run.Workers, c.Run.Port)
	}
	if c.Run.TrialTimeoutSeconds < 1 {
		return fmt.Errorf("%w: trial_timeout_seconds must be positive", ErrInvalidConfig)
	}
	if c.Run.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidConfig)
	}
	if c.Fixtures.Dir == "" {
		return fmt.Errorf("%w: fixtures dir is empty", ErrInvalidConfig)
	}
	if _, ok := ParseLogLevel(c.Agent.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Agent.LogLevel)
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Unknown
// names map to info and report false.
func ParseLogLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
