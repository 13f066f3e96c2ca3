// Package config loads the daemon's HCL configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the daemon configuration.
type Config struct {
	// StatePath is the snapshot database location.
	StatePath string `hcl:"state_path,optional"`

	// PinDir is the bpffs directory for program and link pins.
	PinDir string `hcl:"pin_dir,optional"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `hcl:"log_level,optional"`

	// LogFormat is "console" or "json".
	LogFormat string `hcl:"log_format,optional"`

	// MetricsListen is the prometheus endpoint address, empty to
	// disable the endpoint.
	MetricsListen string `hcl:"metrics_listen,optional"`

	// MaxInstructions overrides the compiler's per-program budget.
	MaxInstructions int `hcl:"max_instructions,optional"`

	// WatchInterfaces enables the netlink link watcher that fans
	// wildcard chains out to newly appearing devices.
	WatchInterfaces *bool `hcl:"watch_interfaces,optional"`
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the built-in configuration.
func Default() *Config {
	watch := true
	return &Config{
		StatePath:       "/var/lib/icefall/state.db",
		PinDir:          "/sys/fs/bpf/icefall",
		LogLevel:        "info",
		LogFormat:       "console",
		MetricsListen:   "",
		WatchInterfaces: &watch,
	}
}

// Load reads an HCL config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var file Config
	if err := hclsimple.DecodeFile(path, nil, &file); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.merge(&file)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.StatePath != "" {
		c.StatePath = o.StatePath
	}
	if o.PinDir != "" {
		c.PinDir = o.PinDir
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	if o.MetricsListen != "" {
		c.MetricsListen = o.MetricsListen
	}
	if o.MaxInstructions != 0 {
		c.MaxInstructions = o.MaxInstructions
	}
	if o.WatchInterfaces != nil {
		c.WatchInterfaces = o.WatchInterfaces
	}
}

// Validate checks field values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return ValidationError{Field: "log_level", Message: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return ValidationError{Field: "log_format", Message: fmt.Sprintf("unknown format %q", c.LogFormat)}
	}
	if c.MaxInstructions < 0 {
		return ValidationError{Field: "max_instructions", Message: "must be positive"}
	}
	return nil
}

// Watch reports whether the interface watcher is enabled.
func (c *Config) Watch() bool {
	return c.WatchInterfaces == nil || *c.WatchInterfaces
}
