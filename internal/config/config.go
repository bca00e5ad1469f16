// Package config loads the optional cellrunner YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values used when the file leaves a field empty.
const (
	DefaultCompiler     = "g++"
	DefaultStd          = "c++17"
	DefaultPollInterval = 10 * time.Millisecond
	DefaultListen       = "localhost:22124"
	DefaultStateDir     = ".cellrunner"
)

// Config holds the parsed configuration. All fields are optional; zero
// values represent defaults.
type Config struct {
	Compiler        string   `yaml:"compiler"`      // compiler executable, e.g. g++ or clang++
	Std             string   `yaml:"std"`           // language standard passed as -std=
	CXXFlags        []string `yaml:"cxxflags"`      // flags added to every compile
	LDFlags         []string `yaml:"ldflags"`       // flags added to every link
	RawPollInterval string   `yaml:"poll_interval"` // e.g. "10ms"
	RawExitGrace    string   `yaml:"exit_grace"`    // e.g. "200ms"
	ChunkSize       int      `yaml:"chunk_size"`    // bytes per read
	StdoutTTY       bool     `yaml:"stdout_tty"`    // run cells with stdout on a pty
	Listen          string   `yaml:"listen"`        // server address
	StateDir        string   `yaml:"state_dir"`
}

// CompilerPath returns the configured compiler or the default.
func (c *Config) CompilerPath() string {
	if c.Compiler != "" {
		return c.Compiler
	}
	return DefaultCompiler
}

// StdFlag returns the -std= flag for the configured standard.
func (c *Config) StdFlag() string {
	if c.Std != "" {
		return "-std=" + c.Std
	}
	return "-std=" + DefaultStd
}

// PollInterval returns the configured relay poll interval or the default.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.RawPollInterval, DefaultPollInterval)
}

// ExitGrace returns the configured exit grace period, or 0 to use the relay
// default.
func (c *Config) ExitGrace() time.Duration {
	return parseDuration(c.RawExitGrace, 0)
}

// ListenAddr returns the configured server address or the default.
func (c *Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return DefaultListen
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// Load reads the YAML file at path. An empty path or a missing file yields
// the default Config.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// GetStateDir returns the state directory, using the provided value, or
// falling back to $STATE_DIRECTORY, or .cellrunner. If createIfMissing is
// true, the directory is created when it does not exist.
func GetStateDir(stateDir string, createIfMissing bool) (string, error) {
	if stateDir == "" {
		stateDir = os.Getenv("STATE_DIRECTORY")
		if stateDir == "" {
			stateDir = DefaultStateDir
		}
	}

	_, err := os.Stat(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			if createIfMissing {
				if err := os.MkdirAll(stateDir, 0o700); err != nil {
					return "", fmt.Errorf("failed to create state directory: %w", err)
				}
				return stateDir, nil
			}
			return "", fmt.Errorf("STATE_DIRECTORY not set, and %q does not exist. Provide either the env variable or the directory: %w", stateDir, err)
		}
		return "", fmt.Errorf("STATE_DIRECTORY=%s: %w", stateDir, err)
	}

	return stateDir, nil
}
