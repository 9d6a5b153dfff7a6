// Package vm is the entity API over a native automation surface: a Host
// opens VMs, and a VM exposes power, guest, variable and snapshot
// operations in blocking and asynchronous form.
//
// Every public VM operation is funnelled through the VM's task.Queue, so two
// operations are never in flight against one VM handle at the same time.
// Work that fans out internally (the directory walk, snapshot creation with
// its follow-up lookups) runs inside a single queued item and submits its
// jobs directly.
package vm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/logging"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// Host is the entry point for one native surface.
type Host struct {
	surface native.Surface
	opts    Options
	submit  *job.Submitter
	logger  *slog.Logger
}

// NewHost binds opts to surface. Zero fields in opts take the package
// defaults.
func NewHost(surface native.Surface, opts Options) *Host {
	opts = opts.withDefaults()
	logger := logging.Component(opts.Logger, "vm")
	return &Host{
		surface: surface,
		opts:    opts,
		logger:  logger,
		submit: &job.Submitter{
			Surface:  surface,
			Locale:   opts.Locale,
			Logger:   logger,
			Observer: opts.Observer,
		},
	}
}

// Options returns the effective options of the host.
func (h *Host) Options() Options { return h.opts }

// Open looks up the VM called name. A zero timeout uses Options.Timeout.
func (h *Host) Open(name string, timeout time.Duration) (*VM, error) {
	j, err := h.submit.Submit(native.OpOpenVM, native.NoHandle, native.Args{Name: name})
	if err != nil {
		return nil, fmt.Errorf("open vm %q: %w", name, err)
	}
	handle, err := job.WaitValue[native.Handle](j, native.PropertyJobResultHandle, orDefault(timeout, h.opts.Timeout))
	if err != nil {
		return nil, fmt.Errorf("open vm %q: %w", name, err)
	}
	h.logger.Debug("vm opened", "vm", name, "handle", uint64(handle))
	return &VM{
		host:   h,
		handle: handle,
		name:   name,
		logger: h.logger.With("vm", name),
	}, nil
}

// OpenAsync is Open without blocking the caller.
func (h *Host) OpenAsync(name string, timeout time.Duration) *task.Task[*VM] {
	return task.Go(func() (*VM, error) { return h.Open(name, timeout) })
}

// errorFor translates a code returned by a synchronous surface call.
func (h *Host) errorFor(code native.Code) error {
	return h.submit.Translator().Translate(native.OpNone, code, nil).Err
}
