package vm

import (
	"time"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// Sequence runs steps strictly one after another as a single item on the
// VM's queue: no other operation on the VM interleaves with the chain, and
// the first failing step aborts the rest with a *task.StepError.
//
// Steps must come from the ...Step constructors of the same VM; they submit
// their jobs directly and rely on the queue item for exclusion.
func (v *VM) Sequence(steps ...task.Step) *task.Task[struct{}] {
	return enqueue(v, func() (struct{}, error) {
		return task.Sequence(steps...).Result()
	})
}

func (v *VM) step(name string, op native.Operation, args native.Args, timeout time.Duration) task.Step {
	return task.JobStep(name, func() (*job.Job, error) {
		return v.start(op, args)
	}, timeout)
}

// PowerOnStep is PowerOn as a Sequence step.
func (v *VM) PowerOnStep(options int) task.Step {
	timeout := v.host.opts.PowerTimeout
	return v.step("power on", native.OpPowerOn, native.Args{Options: options, Timeout: timeout}, timeout)
}

// WaitForToolsStep is WaitForTools as a Sequence step. A zero timeout uses
// Options.ToolsTimeout.
func (v *VM) WaitForToolsStep(timeout time.Duration) task.Step {
	timeout = orDefault(timeout, v.host.opts.ToolsTimeout)
	return v.step("wait for tools", native.OpWaitForTools, native.Args{Timeout: timeout}, timeout)
}

// LoginStep is Login as a Sequence step.
func (v *VM) LoginStep(username, password string) task.Step {
	args := native.Args{Username: username, Password: password}
	return v.step("login", native.OpLogin, args, v.host.opts.GuestTimeout)
}
