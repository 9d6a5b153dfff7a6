// Package config loads the vmauto YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/logging"
	"github.com/cochaviz/vmauto/internal/vm"
)

// EnvPath names the environment variable consulted when no --config flag
// is given.
const EnvPath = "VMAUTO_CONFIG"

var DefaultConnectionURI = "qemu:///system"
var DefaultPath = "/etc/vmauto/config.yaml"

// Config mirrors the configuration file.
type Config struct {
	ConnectionURI string   `yaml:"connection_uri"`
	Locale        string   `yaml:"locale,omitempty"`
	LogLevel      string   `yaml:"log_level,omitempty"`
	LogFormat     string   `yaml:"log_format,omitempty"`
	Timeouts      Timeouts `yaml:"timeouts,omitempty"`
	Guest         Guest    `yaml:"guest,omitempty"`
	Metrics       Metrics  `yaml:"metrics,omitempty"`
}

// Timeouts are Go duration strings such as "90s" or "10m". Zero values
// fall back to the vm package defaults.
type Timeouts struct {
	Default  time.Duration `yaml:"default,omitempty"`
	Power    time.Duration `yaml:"power,omitempty"`
	Tools    time.Duration `yaml:"tools,omitempty"`
	Snapshot time.Duration `yaml:"snapshot,omitempty"`
	Guest    time.Duration `yaml:"guest,omitempty"`
}

// Guest holds the credentials used for guest sessions.
type Guest struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `yaml:"address,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ConnectionURI: DefaultConnectionURI,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Path picks the configuration file: flagValue, then $VMAUTO_CONFIG, then
// DefaultPath.
func Path(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path. A missing file yields Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document on top of Default. Unknown keys
// are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the YAML decoder cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConnectionURI) == "" {
		return errors.New("connection_uri must not be empty")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"default":  c.Timeouts.Default,
		"power":    c.Timeouts.Power,
		"tools":    c.Timeouts.Tools,
		"snapshot": c.Timeouts.Snapshot,
		"guest":    c.Timeouts.Guest,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative", name)
		}
	}
	return nil
}

// Logger builds the logger described by log_level and log_format.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(format, w, level), nil
}

// VMOptions converts the file into explicit vm.Options.
func (c *Config) VMOptions(logger *slog.Logger, observer job.Observer) vm.Options {
	return vm.Options{
		Timeout:         c.Timeouts.Default,
		PowerTimeout:    c.Timeouts.Power,
		ToolsTimeout:    c.Timeouts.Tools,
		SnapshotTimeout: c.Timeouts.Snapshot,
		GuestTimeout:    c.Timeouts.Guest,
		Locale:          c.Locale,
		Logger:          logger,
		Observer:        observer,
	}
}
