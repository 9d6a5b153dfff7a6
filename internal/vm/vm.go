package vm

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// VM is an opened virtual machine. It owns its native handle.
type VM struct {
	host   *Host
	handle native.Handle
	name   string
	logger *slog.Logger
	queue  task.Queue
}

// Name is the name the VM was opened with.
func (v *VM) Name() string { return v.name }

// Handle is the native handle of the VM.
func (v *VM) Handle() native.Handle { return v.handle }

// Close releases the native handle once every operation already queued on
// the VM has finished. The VM must not be used afterwards.
func (v *VM) Close() {
	_, _ = task.Do(&v.queue, func() (struct{}, error) {
		v.host.surface.Release(v.handle)
		return struct{}{}, nil
	})
}

// start submits op against the VM without going through the queue. Only
// code already running inside a queued item may call it.
func (v *VM) start(op native.Operation, args native.Args) (*job.Job, error) {
	return v.host.submit.Submit(op, v.handle, args)
}

func (v *VM) exec(op native.Operation, args native.Args, timeout time.Duration) error {
	j, err := v.start(op, args)
	if err != nil {
		return err
	}
	return j.Wait(timeout)
}

// enqueue schedules fn on the VM's queue and tags its error with the VM.
func enqueue[T any](v *VM, fn func() (T, error)) *task.Task[T] {
	return task.Enqueue(&v.queue, func() (T, error) {
		out, err := fn()
		if err != nil {
			var zero T
			return zero, fmt.Errorf("vm %s: %w", v.name, err)
		}
		return out, nil
	})
}

func (v *VM) execAsync(op native.Operation, args native.Args, timeout time.Duration) *task.Task[struct{}] {
	return enqueue(v, func() (struct{}, error) {
		return struct{}{}, v.exec(op, args, timeout)
	})
}

// valueAsync runs op and extracts a single property of its result.
func valueAsync[T job.Scalar](v *VM, op native.Operation, args native.Args, id native.PropertyID, timeout time.Duration) *task.Task[T] {
	return enqueue(v, func() (T, error) {
		j, err := v.start(op, args)
		if err != nil {
			var zero T
			return zero, err
		}
		return job.WaitValue[T](j, id, timeout)
	})
}

// property reads one live property of the VM handle.
func (v *VM) property(id native.PropertyID) (job.Row, error) {
	values, code := v.host.surface.Properties(v.handle, id)
	if code != native.CodeOK {
		return job.Row{}, fmt.Errorf("vm %s: read %s: %w", v.name, id, v.host.errorFor(code))
	}
	return job.NewRow([]native.PropertyID{id}, values)
}

// PowerState returns the native power state bitmask.
func (v *VM) PowerState() (int64, error) {
	row, err := v.property(native.PropertyVMPowerState)
	if err != nil {
		return 0, err
	}
	var state int64
	return state, row.Scan(&state)
}

// ToolsState returns the guest agent state reported by the VM.
func (v *VM) ToolsState() (int64, error) {
	row, err := v.property(native.PropertyVMToolsState)
	if err != nil {
		return 0, err
	}
	var state int64
	return state, row.Scan(&state)
}

// PowerOnAsync starts the VM. options takes native.PowerOp* bits.
func (v *VM) PowerOnAsync(options int) *task.Task[struct{}] {
	return v.execAsync(native.OpPowerOn, native.Args{Options: options, Timeout: v.host.opts.PowerTimeout}, v.host.opts.PowerTimeout)
}

// PowerOn starts the VM and waits for the transition.
func (v *VM) PowerOn(options int) error { return v.PowerOnAsync(options).Err() }

// PowerOffAsync stops the VM; native.PowerOpSoft asks the guest to shut
// down instead of cutting power.
func (v *VM) PowerOffAsync(options int) *task.Task[struct{}] {
	return v.execAsync(native.OpPowerOff, native.Args{Options: options, Timeout: v.host.opts.PowerTimeout}, v.host.opts.PowerTimeout)
}

func (v *VM) PowerOff(options int) error { return v.PowerOffAsync(options).Err() }

func (v *VM) ResetAsync(options int) *task.Task[struct{}] {
	return v.execAsync(native.OpReset, native.Args{Options: options, Timeout: v.host.opts.PowerTimeout}, v.host.opts.PowerTimeout)
}

func (v *VM) Reset(options int) error { return v.ResetAsync(options).Err() }

func (v *VM) SuspendAsync() *task.Task[struct{}] {
	return v.execAsync(native.OpSuspend, native.Args{}, v.host.opts.PowerTimeout)
}

func (v *VM) Suspend() error { return v.SuspendAsync().Err() }

func (v *VM) PauseAsync() *task.Task[struct{}] {
	return v.execAsync(native.OpPause, native.Args{}, v.host.opts.PowerTimeout)
}

func (v *VM) Pause() error { return v.PauseAsync().Err() }

func (v *VM) UnpauseAsync() *task.Task[struct{}] {
	return v.execAsync(native.OpUnpause, native.Args{}, v.host.opts.PowerTimeout)
}

func (v *VM) Unpause() error { return v.UnpauseAsync().Err() }

// WaitForToolsAsync waits until the guest agent answers. A zero timeout uses
// Options.ToolsTimeout.
func (v *VM) WaitForToolsAsync(timeout time.Duration) *task.Task[struct{}] {
	timeout = orDefault(timeout, v.host.opts.ToolsTimeout)
	return v.execAsync(native.OpWaitForTools, native.Args{Timeout: timeout}, timeout)
}

func (v *VM) WaitForTools(timeout time.Duration) error {
	return v.WaitForToolsAsync(timeout).Err()
}

// CaptureScreenImageAsync grabs the console as PNG bytes.
func (v *VM) CaptureScreenImageAsync() *task.Task[[]byte] {
	return valueAsync[[]byte](v, native.OpCaptureScreenImage, native.Args{}, native.PropertyJobResultScreenImageData, v.host.opts.Timeout)
}

func (v *VM) CaptureScreenImage() ([]byte, error) {
	return v.CaptureScreenImageAsync().Result()
}
