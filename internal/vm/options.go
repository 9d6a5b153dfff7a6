package vm

import (
	"log/slog"
	"time"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
)

// Default timeouts used when the matching Options field is zero.
var (
	DefaultTimeout         = 60 * time.Second
	DefaultPowerTimeout    = 5 * time.Minute
	DefaultToolsTimeout    = 10 * time.Minute
	DefaultSnapshotTimeout = 10 * time.Minute
	DefaultGuestTimeout    = 2 * time.Minute
)

// Options is threaded explicitly through the Host and every VM opened from
// it. There is no package-level timeout state besides the defaults above.
type Options struct {
	// Timeout bounds operations without a more specific timeout.
	Timeout time.Duration
	// PowerTimeout bounds power transitions.
	PowerTimeout time.Duration
	// ToolsTimeout bounds waiting for the guest agent.
	ToolsTimeout time.Duration
	// SnapshotTimeout bounds snapshot create, revert and remove.
	SnapshotTimeout time.Duration
	// GuestTimeout bounds guest file, process and session operations.
	GuestTimeout time.Duration

	// Locale selects the language of native error messages.
	Locale string

	Logger   *slog.Logger
	Observer job.Observer
}

// withDefaults fills every zero field.
func (o Options) withDefaults() Options {
	fill := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	fill(&o.Timeout, DefaultTimeout)
	fill(&o.PowerTimeout, DefaultPowerTimeout)
	fill(&o.ToolsTimeout, DefaultToolsTimeout)
	fill(&o.SnapshotTimeout, DefaultSnapshotTimeout)
	fill(&o.GuestTimeout, DefaultGuestTimeout)
	if o.Locale == "" {
		o.Locale = native.DefaultLocale
	}
	return o
}

// orDefault returns timeout, or fallback when timeout is not positive.
func orDefault(timeout, fallback time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return fallback
}
