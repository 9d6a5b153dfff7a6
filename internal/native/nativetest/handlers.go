package nativetest

import (
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/vmauto/internal/native"
)

var defaultHandlers = map[native.Operation]Handler{
	native.OpOpenVM:             openVM,
	native.OpPowerOn:            setPower(native.PowerStatePoweredOn),
	native.OpPowerOff:           setPower(native.PowerStatePoweredOff),
	native.OpReset:              setPower(native.PowerStatePoweredOn),
	native.OpSuspend:            setPower(native.PowerStateSuspended),
	native.OpPause:              setPower(native.PowerStatePaused),
	native.OpUnpause:            setPower(native.PowerStatePoweredOn),
	native.OpWaitForTools:       waitForTools,
	native.OpLogin:              login,
	native.OpLogout:             logout,
	native.OpCopyFileToGuest:    guest(copyToGuest),
	native.OpCopyFileFromGuest:  guest(copyFromGuest),
	native.OpCreateDirectory:    guest(createDirectory),
	native.OpDeleteDirectory:    guest(deleteDirectory),
	native.OpDeleteFile:         guest(deleteFile),
	native.OpFileExists:         guest(exists(false)),
	native.OpDirectoryExists:    guest(exists(true)),
	native.OpRenameFile:         guest(renameFile),
	native.OpCreateTempFile:     guest(createTempFile),
	native.OpListDirectory:      guest(listDirectory),
	native.OpRunProgram:         guest(runProgram),
	native.OpRunScript:          guest(runProgram),
	native.OpListProcesses:      guest(listProcesses),
	native.OpKillProcess:        guest(killProcess),
	native.OpReadVariable:       readVariable,
	native.OpWriteVariable:      writeVariable,
	native.OpCaptureScreenImage: captureScreen,
	native.OpCreateSnapshot:     createSnapshot,
	native.OpRemoveSnapshot:     removeSnapshot,
	native.OpRevertToSnapshot:   revertToSnapshot,
}

// PNGHeader is the payload returned for screen captures.
var PNGHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func fail(code native.Code) Result { return Result{Code: code} }

func success(props map[native.PropertyID]native.Value) Result { return Result{Props: props} }

func vmOf(f *Fake, target native.Handle) *VM {
	vm, _ := f.objects[target].(*VM)
	return vm
}

func openVM(f *Fake, _ native.Handle, args native.Args) Result {
	vm := f.vmByName(args.Name)
	if vm == nil {
		return fail(native.CodeVMNotFound)
	}
	return success(map[native.PropertyID]native.Value{
		native.PropertyJobResultHandle: native.HandleValue(vm.handle),
	})
}

func setPower(state int64) Handler {
	return func(f *Fake, target native.Handle, _ native.Args) Result {
		vm := vmOf(f, target)
		if vm == nil {
			return fail(native.CodeInvalidHandle)
		}
		vm.PowerState = state
		if state != native.PowerStatePoweredOn {
			vm.ToolsUp = false
			vm.LoggedIn = false
		}
		return Result{}
	}
}

func waitForTools(f *Fake, target native.Handle, _ native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	if vm.PowerState != native.PowerStatePoweredOn {
		return fail(native.CodeVMNotRunning)
	}
	vm.ToolsUp = true
	return Result{}
}

func login(f *Fake, target native.Handle, args native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	if !vm.ToolsUp {
		return fail(native.CodeToolsNotRunning)
	}
	if args.Username == "" {
		return fail(native.CodeLoginFailed)
	}
	vm.LoggedIn = true
	vm.Username = args.Username
	return Result{}
}

func logout(f *Fake, target native.Handle, _ native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	vm.LoggedIn = false
	return Result{}
}

// guest wraps handlers that need a running guest and a login session.
func guest(next func(vm *VM, f *Fake, args native.Args) Result) Handler {
	return func(f *Fake, target native.Handle, args native.Args) Result {
		vm := vmOf(f, target)
		if vm == nil {
			return fail(native.CodeInvalidHandle)
		}
		if vm.PowerState != native.PowerStatePoweredOn {
			return fail(native.CodeVMNotRunning)
		}
		if !vm.ToolsUp {
			return fail(native.CodeToolsNotRunning)
		}
		if !vm.LoggedIn {
			return fail(native.CodeNotLoggedIn)
		}
		return next(vm, f, args)
	}
}

// copyToGuest reads args.Path from the host filesystem of the test process.
func copyToGuest(vm *VM, _ *Fake, args native.Args) Result {
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return fail(native.CodeNotFound)
	}
	dst := cleanGuestPath(args.Destination)
	parent, ok := vm.files[path.Dir(dst)]
	if !ok || !parent.dir {
		return fail(native.CodeNotFound)
	}
	vm.files[dst] = &fsEntry{data: data, modTime: time.Now()}
	return Result{}
}

// copyFromGuest writes the guest file to args.Destination on the host.
func copyFromGuest(vm *VM, _ *Fake, args native.Args) Result {
	entry, ok := vm.files[cleanGuestPath(args.Path)]
	if !ok {
		return fail(native.CodeNotFound)
	}
	if entry.dir {
		return fail(native.CodeNotAFile)
	}
	if err := os.WriteFile(args.Destination, entry.data, 0o644); err != nil {
		return fail(native.CodeFail)
	}
	return Result{}
}

func createDirectory(vm *VM, _ *Fake, args native.Args) Result {
	p := cleanGuestPath(args.Path)
	if _, exists := vm.files[p]; exists {
		return fail(native.CodeFileAlreadyExists)
	}
	vm.mkdirAll(p)
	return Result{}
}

func deleteDirectory(vm *VM, _ *Fake, args native.Args) Result {
	p := cleanGuestPath(args.Path)
	entry, ok := vm.files[p]
	if !ok {
		return fail(native.CodeNotFound)
	}
	if !entry.dir {
		return fail(native.CodeNotADirectory)
	}
	vm.removeTree(p)
	return Result{}
}

func deleteFile(vm *VM, _ *Fake, args native.Args) Result {
	p := cleanGuestPath(args.Path)
	entry, ok := vm.files[p]
	if !ok {
		return fail(native.CodeNotFound)
	}
	if entry.dir {
		return fail(native.CodeNotAFile)
	}
	delete(vm.files, p)
	return Result{}
}

func exists(wantDir bool) func(vm *VM, _ *Fake, args native.Args) Result {
	return func(vm *VM, _ *Fake, args native.Args) Result {
		entry, ok := vm.files[cleanGuestPath(args.Path)]
		found := ok && entry.dir == wantDir
		return Result{Props: map[native.PropertyID]native.Value{
			native.PropertyJobResultObjectExists: native.BoolValue(found),
		}}
	}
}

func renameFile(vm *VM, _ *Fake, args native.Args) Result {
	src, dst := cleanGuestPath(args.Path), cleanGuestPath(args.Destination)
	entry, ok := vm.files[src]
	if !ok {
		return fail(native.CodeNotFound)
	}
	if _, exists := vm.files[dst]; exists {
		return fail(native.CodeFileAlreadyExists)
	}
	delete(vm.files, src)
	vm.files[dst] = entry
	return Result{}
}

func createTempFile(vm *VM, f *Fake, _ native.Args) Result {
	vm.mkdirAll("/tmp")
	name := path.Join("/tmp", "vmauto-"+strconv.FormatUint(f.nextPID(), 10))
	vm.files[name] = &fsEntry{modTime: time.Now()}
	return success(map[native.PropertyID]native.Value{
		native.PropertyJobResultItemName: native.StringValue(name),
	})
}

func listDirectory(vm *VM, _ *Fake, args native.Args) Result {
	dir := cleanGuestPath(args.Path)
	entry, ok := vm.files[dir]
	if !ok {
		return fail(native.CodeNotFound)
	}
	if !entry.dir {
		return fail(native.CodeNotADirectory)
	}
	var rows []map[native.PropertyID]native.Value
	for _, name := range vm.children(dir) {
		child := vm.files[path.Join(dir, name)]
		var flags int64
		if child.dir {
			flags |= native.FileAttributesDirectory
		}
		rows = append(rows, map[native.PropertyID]native.Value{
			native.PropertyJobResultItemName:    native.StringValue(name),
			native.PropertyJobResultFileFlags:   native.IntValue(flags),
			native.PropertyJobResultFileSize:    native.IntValue(int64(len(child.data))),
			native.PropertyJobResultFileModTime: native.IntValue(child.modTime.Unix()),
		})
	}
	return Result{Rows: rows}
}

func runProgram(vm *VM, f *Fake, args native.Args) Result {
	program := args.Path
	if program == "" {
		program = args.Interpreter
	}
	if program == "" {
		return fail(native.CodeInvalidArg)
	}
	pid := f.nextPID()
	exitCode := vm.ExitCode
	props := map[native.PropertyID]native.Value{
		native.PropertyJobResultProcessID:   native.IntValue(int64(pid)),
		native.PropertyJobResultExitCode:    native.IntValue(exitCode),
		native.PropertyJobResultElapsedTime: native.IntValue(1),
	}
	if args.Options&native.RunProgramReturnNow != 0 {
		vm.processes = append(vm.processes, &Process{
			PID:       pid,
			Name:      path.Base(program),
			Owner:     vm.Username,
			Command:   strings.TrimSpace(program + " " + strings.Join(args.Arguments, " ")),
			StartTime: time.Now(),
		})
		props[native.PropertyJobResultExitCode] = native.IntValue(0)
		props[native.PropertyJobResultElapsedTime] = native.IntValue(0)
	}
	return success(props)
}

func listProcesses(vm *VM, _ *Fake, _ native.Args) Result {
	var rows []map[native.PropertyID]native.Value
	for _, p := range vm.processes {
		rows = append(rows, map[native.PropertyID]native.Value{
			native.PropertyJobResultItemName:         native.StringValue(p.Name),
			native.PropertyJobResultProcessID:        native.IntValue(int64(p.PID)),
			native.PropertyJobResultProcessOwner:     native.StringValue(p.Owner),
			native.PropertyJobResultProcessCommand:   native.StringValue(p.Command),
			native.PropertyJobResultProcessStartTime: native.IntValue(p.StartTime.Unix()),
			native.PropertyJobResultProcessDebugged:  native.BoolValue(p.Debugged),
			native.PropertyJobResultExitCode:         native.IntValue(p.ExitCode),
		})
	}
	return Result{Rows: rows}
}

func killProcess(vm *VM, _ *Fake, args native.Args) Result {
	for i, p := range vm.processes {
		if p.PID == args.PID {
			vm.processes = append(vm.processes[:i], vm.processes[i+1:]...)
			return Result{}
		}
	}
	return fail(native.CodeNoSuchProcess)
}

func variables(vm *VM, class native.VariableClass) (map[string]string, native.Code) {
	vars, ok := vm.vars[class]
	if !ok {
		return nil, native.CodeInvalidArg
	}
	if class != native.RuntimeConfigVariable && !vm.ToolsUp {
		return nil, native.CodeToolsNotRunning
	}
	return vars, native.CodeOK
}

func readVariable(f *Fake, target native.Handle, args native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	vars, code := variables(vm, args.Class)
	if code != native.CodeOK {
		return fail(code)
	}
	return success(map[native.PropertyID]native.Value{
		native.PropertyJobResultVariableValue: native.StringValue(vars[args.Name]),
	})
}

func writeVariable(f *Fake, target native.Handle, args native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	vars, code := variables(vm, args.Class)
	if code != native.CodeOK {
		return fail(code)
	}
	vars[args.Name] = args.Value
	return Result{}
}

func captureScreen(f *Fake, target native.Handle, _ native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	if vm.PowerState != native.PowerStatePoweredOn {
		return fail(native.CodeVMNotRunning)
	}
	return success(map[native.PropertyID]native.Value{
		native.PropertyJobResultScreenImageData: native.BlobValue(append([]byte(nil), PNGHeader...)),
		native.PropertyJobResultScreenImageSize: native.IntValue(int64(len(PNGHeader))),
	})
}

func createSnapshot(f *Fake, target native.Handle, args native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	snap := &Snapshot{Name: args.Name, Description: args.Description, PowerState: vm.PowerState, vm: vm}
	snap.handle = f.alloc(snap)
	if vm.current != nil {
		snap.parent = vm.current
		vm.current.children = append(vm.current.children, snap)
	} else {
		vm.roots = append(vm.roots, snap)
	}
	vm.current = snap
	return success(map[native.PropertyID]native.Value{
		native.PropertyJobResultHandle: native.HandleValue(snap.handle),
	})
}

func removeSnapshot(f *Fake, target native.Handle, args native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	snap, code := f.snapshot(args.Snapshot)
	if code != native.CodeOK {
		return fail(native.CodeSnapshotNotFound)
	}
	if snap.vm != vm {
		return fail(native.CodeInvalidArg)
	}
	f.removeSnapshot(snap, args.Options&native.RemoveSnapshotChildren != 0)
	return Result{}
}

func revertToSnapshot(f *Fake, target native.Handle, args native.Args) Result {
	vm := vmOf(f, target)
	if vm == nil {
		return fail(native.CodeInvalidHandle)
	}
	snap, code := f.snapshot(args.Snapshot)
	if code != native.CodeOK || snap.vm != vm {
		return fail(native.CodeSnapshotNotFound)
	}
	vm.current = snap
	vm.PowerState = snap.PowerState
	if args.Options&native.RevertSuppressPowerOn != 0 && vm.PowerState == native.PowerStatePoweredOn {
		vm.PowerState = native.PowerStatePoweredOff
	}
	vm.ToolsUp = false
	vm.LoggedIn = false
	return Result{}
}
