// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Kiln components.
//
// Configuration is loaded from a single file specified by:
//   - KILN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the master configuration for Kiln.
type Config struct {
	// Environment identifies the deployment type (development,
	// staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Hub configures the event hub.
	Hub HubConfig `yaml:"hub"`

	// History configures the durable event history store.
	History HistoryConfig `yaml:"history"`

	// Projects configures the project registry.
	Projects ProjectsConfig `yaml:"projects"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Hub      *HubConfig      `yaml:"hub,omitempty"`
	History  *HistoryConfig  `yaml:"history,omitempty"`
	Projects *ProjectsConfig `yaml:"projects,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State is the base directory for Kiln runtime state: the
	// history database, signing keys, and socket files.
	State string `yaml:"state"`
}

// HubConfig configures the event hub.
type HubConfig struct {
	// Socket is the Unix socket path the hub listens on.
	// Default: /run/kiln/hub.sock
	Socket string `yaml:"socket"`

	// TCPListen is an optional "host:port" for a TCP listener
	// alongside the Unix socket. Empty disables TCP.
	TCPListen string `yaml:"tcp_listen"`

	// PublicKeyFile is the path to the Ed25519 public key used to
	// verify bearer tokens. Default: ${KILN_STATE}/hub-signing-key.pub
	PublicKeyFile string `yaml:"public_key_file"`

	// QueueCapacity is the per-connection outbound queue size.
	// When a subscriber's queue is full the oldest frame is dropped
	// and a gap recorded. Default: 256.
	QueueCapacity int `yaml:"queue_capacity"`

	// ViolationThreshold is the number of protocol errors tolerated
	// per connection before the hub closes it. Default: 8.
	ViolationThreshold int `yaml:"violation_threshold"`

	// IdleTimeout closes connections with no frames (heartbeats
	// included) for this long. Default: 90s.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// AgentGrace is how long a RUNNING build may go without any
	// event from its agent before the hub fails it with an agent
	// timeout. Default: 2m.
	AgentGrace Duration `yaml:"agent_grace"`

	// HeartbeatInterval is the interval clients are told to send
	// heartbeats at. Default: 30s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// RetentionGrace is how long terminal builds stay in hub memory
	// before eviction. Default: 5m.
	RetentionGrace Duration `yaml:"retention_grace"`

	// MaxBacklog caps the number of events replayed per resync
	// request. Default: 1024.
	MaxBacklog int `yaml:"max_backlog"`
}

// HistoryConfig configures the durable event history store.
type HistoryConfig struct {
	// Backend selects the store implementation: "sqlite", "redis",
	// or "memory". Default: sqlite.
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	// Default: ${KILN_STATE}/history.db
	SQLitePath string `yaml:"sqlite_path"`

	// RedisAddr is the "host:port" for the redis backend.
	// Default: localhost:6379
	RedisAddr string `yaml:"redis_addr"`

	// CompactAfter is the age past a build's terminal event after
	// which its per-event rows are compacted into a compressed
	// bundle. Default: 1h.
	CompactAfter Duration `yaml:"compact_after"`

	// CompactInterval is how often the hub's background compactor
	// runs. Zero disables background compaction (the kiln CLI can
	// still compact on demand). Default: 15m.
	CompactInterval Duration `yaml:"compact_interval"`

	// Compression selects the bundle codec used by compaction:
	// "zstd", "lz4", or "none". Default: zstd.
	Compression string `yaml:"compression"`
}

// ProjectsConfig configures the project registry.
type ProjectsConfig struct {
	// File is the path to the projects.jsonc registry. Empty means
	// no registry file: every project name is implicitly known.
	File string `yaml:"file"`

	// Open controls whether events for projects absent from the
	// registry are accepted. Default: true (development), false
	// (production).
	Open bool `yaml:"open"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback —
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultState := filepath.Join(homeDir, ".cache", "kiln")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State: defaultState,
		},
		Hub: HubConfig{
			Socket:             "/run/kiln/hub.sock",
			PublicKeyFile:      filepath.Join(defaultState, "hub-signing-key.pub"),
			QueueCapacity:      256,
			ViolationThreshold: 8,
			IdleTimeout:        Duration(90 * time.Second),
			AgentGrace:         Duration(2 * time.Minute),
			HeartbeatInterval:  Duration(30 * time.Second),
			RetentionGrace:     Duration(5 * time.Minute),
			MaxBacklog:         1024,
		},
		History: HistoryConfig{
			Backend:         "sqlite",
			SQLitePath:      filepath.Join(defaultState, "history.db"),
			RedisAddr:       "localhost:6379",
			CompactAfter:    Duration(time.Hour),
			CompactInterval: Duration(15 * time.Minute),
			Compression:     "zstd",
		},
		Projects: ProjectsConfig{
			Open: true,
		},
	}
}

// Load loads configuration from the KILN_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults — if KILN_CONFIG is not
// set, this fails. This ensures deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("KILN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("KILN_CONFIG environment variable not set; " +
			"set it to the path of your kiln.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/
	// production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the
// current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production default: unknown projects are rejected unless
		// the file says otherwise.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Projects: &ProjectsConfig{Open: false},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Hub != nil {
		if overrides.Hub.Socket != "" {
			c.Hub.Socket = overrides.Hub.Socket
		}
		if overrides.Hub.TCPListen != "" {
			c.Hub.TCPListen = overrides.Hub.TCPListen
		}
		if overrides.Hub.PublicKeyFile != "" {
			c.Hub.PublicKeyFile = overrides.Hub.PublicKeyFile
		}
		if overrides.Hub.QueueCapacity != 0 {
			c.Hub.QueueCapacity = overrides.Hub.QueueCapacity
		}
		if overrides.Hub.ViolationThreshold != 0 {
			c.Hub.ViolationThreshold = overrides.Hub.ViolationThreshold
		}
		if overrides.Hub.IdleTimeout != 0 {
			c.Hub.IdleTimeout = overrides.Hub.IdleTimeout
		}
		if overrides.Hub.AgentGrace != 0 {
			c.Hub.AgentGrace = overrides.Hub.AgentGrace
		}
		if overrides.Hub.HeartbeatInterval != 0 {
			c.Hub.HeartbeatInterval = overrides.Hub.HeartbeatInterval
		}
		if overrides.Hub.RetentionGrace != 0 {
			c.Hub.RetentionGrace = overrides.Hub.RetentionGrace
		}
		if overrides.Hub.MaxBacklog != 0 {
			c.Hub.MaxBacklog = overrides.Hub.MaxBacklog
		}
	}

	if overrides.History != nil {
		if overrides.History.Backend != "" {
			c.History.Backend = overrides.History.Backend
		}
		if overrides.History.SQLitePath != "" {
			c.History.SQLitePath = overrides.History.SQLitePath
		}
		if overrides.History.RedisAddr != "" {
			c.History.RedisAddr = overrides.History.RedisAddr
		}
		if overrides.History.CompactAfter != 0 {
			c.History.CompactAfter = overrides.History.CompactAfter
		}
		if overrides.History.CompactInterval != 0 {
			c.History.CompactInterval = overrides.History.CompactInterval
		}
		if overrides.History.Compression != "" {
			c.History.Compression = overrides.History.Compression
		}
	}

	if overrides.Projects != nil {
		if overrides.Projects.File != "" {
			c.Projects.File = overrides.Projects.File
		}
		// Open is a bool, so it is always applied from overrides.
		c.Projects.Open = overrides.Projects.Open
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"KILN_STATE": c.Paths.State,
		"HOME":       os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["KILN_STATE"] = c.Paths.State // Update for dependent paths.

	c.Hub.Socket = expandVars(c.Hub.Socket, vars)
	c.Hub.PublicKeyFile = expandVars(c.Hub.PublicKeyFile, vars)
	c.History.SQLitePath = expandVars(c.History.SQLitePath, vars)
	c.Projects.File = expandVars(c.Projects.File, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}

	if c.Hub.Socket == "" {
		errs = append(errs, fmt.Errorf("hub.socket is required"))
	}
	if c.Hub.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("hub.queue_capacity must be positive"))
	}
	if c.Hub.ViolationThreshold <= 0 {
		errs = append(errs, fmt.Errorf("hub.violation_threshold must be positive"))
	}
	if c.Hub.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("hub.idle_timeout must be positive"))
	}
	if c.Hub.AgentGrace <= 0 {
		errs = append(errs, fmt.Errorf("hub.agent_grace must be positive"))
	}
	if c.Hub.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("hub.heartbeat_interval must be positive"))
	}
	if c.Hub.HeartbeatInterval.Std() >= c.Hub.IdleTimeout.Std() {
		errs = append(errs, fmt.Errorf("hub.heartbeat_interval must be shorter than hub.idle_timeout"))
	}
	if c.Hub.MaxBacklog <= 0 {
		errs = append(errs, fmt.Errorf("hub.max_backlog must be positive"))
	}

	backends := []string{"sqlite", "redis", "memory"}
	if !contains(backends, c.History.Backend) {
		errs = append(errs, fmt.Errorf("history.backend must be one of: %v", backends))
	}
	if c.History.Backend == "sqlite" && c.History.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("history.sqlite_path is required for the sqlite backend"))
	}
	if c.History.Backend == "redis" && c.History.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("history.redis_addr is required for the redis backend"))
	}
	codecs := []string{"", "zstd", "lz4", "none"}
	if !contains(codecs, c.History.Compression) {
		errs = append(errs, fmt.Errorf("history.compression must be one of: zstd, lz4, none"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.State,
	}
	if c.History.Backend == "sqlite" && c.History.SQLitePath != "" {
		paths = append(paths, filepath.Dir(c.History.SQLitePath))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
