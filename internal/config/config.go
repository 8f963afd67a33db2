// Package config loads the mcptools command-line configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spachava753/mcptools"
)

// DefaultSearchPaths returns the config file search order used when no path
// is given: ./mcptools.yaml, then ~/.config/mcptools/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcptools.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcptools", "config.yaml"))
	}
	return paths
}

// FindConfig locates a config file. An explicit path must exist. Otherwise
// the first existing entry of DefaultSearchPaths is returned, or "" when there
// is none; running without a config file is allowed.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config is the command-line host configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Timeout and ConnectTimeout apply to URL servers that set neither.
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Retry RetryConfig `yaml:"retry"`

	Servers []mcptools.Server `yaml:"servers"`
}

// RetryConfig controls retrying the initial connection to a server.
type RetryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
	MaxTries   uint          `yaml:"max_tries"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Retry:    RetryConfig{MaxElapsed: time.Minute},
	}
}

// Load reads configuration from a YAML file. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, completes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Servers {
		srv := &c.Servers[i]
		if srv.Config.URL == "" {
			continue
		}
		if srv.Config.Timeout == 0 {
			srv.Config.Timeout = c.Timeout
		}
		if srv.Config.ConnectTimeout == 0 {
			srv.Config.ConnectTimeout = c.ConnectTimeout
		}
	}
}

// Validate checks that every server is named once and selects exactly one
// transport.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	var errs []error
	seen := make(map[string]bool, len(c.Servers))
	for i, srv := range c.Servers {
		label := srv.Name
		if label == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
			label = fmt.Sprintf("servers[%d]", i)
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("server %s: duplicate name", srv.Name))
		}
		seen[srv.Name] = true

		if err := srv.Config.Check(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", label, err))
		}
		if srv.Config.Timeout < 0 || srv.Config.ConnectTimeout < 0 {
			errs = append(errs, fmt.Errorf("server %s: timeouts must not be negative", label))
		}
	}
	return errors.Join(errs...)
}

// Server returns the configured server with the given name.
func (c *Config) Server(name string) (mcptools.Server, bool) {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv, true
		}
	}
	return mcptools.Server{}, false
}
