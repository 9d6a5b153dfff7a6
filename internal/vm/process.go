package vm

import (
	"time"

	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// Process describes a guest process at the time it was listed.
type Process struct {
	PID       uint64
	Name      string
	Owner     string
	Command   string
	StartTime time.Time
	Debugged  bool
	ExitCode  int
}

// ProgramResult is what RunProgram and RunScript report. With
// native.RunProgramReturnNow only PID is meaningful.
type ProgramResult struct {
	PID      uint64
	ExitCode int
	Elapsed  time.Duration
}

var processProperties = []native.PropertyID{
	native.PropertyJobResultItemName,
	native.PropertyJobResultProcessID,
	native.PropertyJobResultProcessOwner,
	native.PropertyJobResultProcessCommand,
	native.PropertyJobResultProcessStartTime,
	native.PropertyJobResultProcessDebugged,
	native.PropertyJobResultExitCode,
}

func (v *VM) program(op native.Operation, args native.Args) *task.Task[ProgramResult] {
	args.Timeout = v.host.opts.GuestTimeout
	return enqueue(v, func() (ProgramResult, error) {
		j, err := v.start(op, args)
		if err != nil {
			return ProgramResult{}, err
		}
		row, err := j.WaitRow(v.host.opts.GuestTimeout,
			native.PropertyJobResultProcessID,
			native.PropertyJobResultExitCode,
			native.PropertyJobResultElapsedTime,
		)
		if err != nil {
			return ProgramResult{}, err
		}
		var res ProgramResult
		return res, row.Scan(&res.PID, &res.ExitCode, &res.Elapsed)
	})
}

// RunProgramAsync starts program with arguments in the guest. Unless
// options has native.RunProgramReturnNow, the task completes when the
// program exits.
func (v *VM) RunProgramAsync(program string, arguments []string, options int) *task.Task[ProgramResult] {
	return v.program(native.OpRunProgram, native.Args{Path: program, Arguments: arguments, Options: options})
}

func (v *VM) RunProgram(program string, arguments []string, options int) (ProgramResult, error) {
	return v.RunProgramAsync(program, arguments, options).Result()
}

// RunScriptAsync runs script text through interpreter in the guest.
func (v *VM) RunScriptAsync(interpreter, script string, options int) *task.Task[ProgramResult] {
	return v.program(native.OpRunScript, native.Args{Interpreter: interpreter, Value: script, Options: options})
}

func (v *VM) RunScript(interpreter, script string, options int) (ProgramResult, error) {
	return v.RunScriptAsync(interpreter, script, options).Result()
}

// ListProcessesAsync lists the guest processes.
func (v *VM) ListProcessesAsync() *task.Task[[]Process] {
	return enqueue(v, func() ([]Process, error) {
		j, err := v.start(native.OpListProcesses, native.Args{})
		if err != nil {
			return nil, err
		}
		var procs []Process
		for row, err := range j.Rows(v.host.opts.GuestTimeout, nil, processProperties...) {
			if err != nil {
				return nil, err
			}
			var p Process
			if err := row.Scan(&p.Name, &p.PID, &p.Owner, &p.Command, &p.StartTime, &p.Debugged, &p.ExitCode); err != nil {
				return nil, err
			}
			procs = append(procs, p)
		}
		return procs, nil
	})
}

func (v *VM) ListProcesses() ([]Process, error) {
	return v.ListProcessesAsync().Result()
}

func (v *VM) KillProcessAsync(pid uint64) *task.Task[struct{}] {
	return v.execAsync(native.OpKillProcess, native.Args{PID: pid}, v.host.opts.GuestTimeout)
}

func (v *VM) KillProcess(pid uint64) error {
	return v.KillProcessAsync(pid).Err()
}
