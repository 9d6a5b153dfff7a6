package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConnectionURI != DefaultConnectionURI {
		t.Fatalf("ConnectionURI = %q, want %q", cfg.ConnectionURI, DefaultConnectionURI)
	}
	if cfg.Metrics.Address != "" {
		t.Fatalf("metrics enabled by default: %q", cfg.Metrics.Address)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "vmauto.yaml")
	doc := `connection_uri: qemu+ssh://lab/system
locale: de_DE
log_level: debug
log_format: json
timeouts:
  default: 30s
  power: 2m
  tools: 15m
guest:
  username: admin
  password: hunter2
metrics:
  address: 127.0.0.1:9400
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConnectionURI != "qemu+ssh://lab/system" {
		t.Fatalf("ConnectionURI = %q", cfg.ConnectionURI)
	}
	if cfg.Timeouts.Power != 2*time.Minute || cfg.Timeouts.Tools != 15*time.Minute {
		t.Fatalf("Timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Guest.Username != "admin" || cfg.Metrics.Address != "127.0.0.1:9400" {
		t.Fatalf("cfg = %+v", cfg)
	}

	opts := cfg.VMOptions(nil, nil)
	if opts.Timeout != 30*time.Second || opts.PowerTimeout != 2*time.Minute {
		t.Fatalf("VMOptions() = %+v", opts)
	}
	if opts.SnapshotTimeout != 0 {
		t.Fatalf("unset snapshot timeout = %s, want zero so vm defaults apply", opts.SnapshotTimeout)
	}
	if opts.Locale != "de_DE" {
		t.Fatalf("Locale = %q", opts.Locale)
	}

	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger() error = %v", err)
	}
	logger.Debug("configured")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("json logger wrote %q", buf.String())
	}
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"unknown key":      "connection_uri: qemu:///system\nfoo: bar\n",
		"bad level":        "log_level: loud\n",
		"bad format":       "log_format: xml\n",
		"negative timeout": "timeouts:\n  guest: -1s\n",
		"empty uri":        "connection_uri: \"\"\n",
		"bad duration":     "timeouts:\n  power: soon\n",
	}
	for name, doc := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(doc)); err == nil {
				t.Fatalf("Parse(%q) error = nil, want non-nil", doc)
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestPathPrecedence(t *testing.T) {
	t.Setenv(EnvPath, "/from/env.yaml")

	if got := Path("/from/flag.yaml"); got != "/from/flag.yaml" {
		t.Fatalf("Path(flag) = %q", got)
	}
	if got := Path(""); got != "/from/env.yaml" {
		t.Fatalf("Path(\"\") = %q, want env value", got)
	}
	t.Setenv(EnvPath, "")
	if got := Path(""); got != DefaultPath {
		t.Fatalf("Path(\"\") = %q, want %q", got, DefaultPath)
	}
}
