package virt

import (
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/vmauto/internal/native"
)

// Guest helpers run under /bin/sh with the operands as positional
// parameters. Exit codes listed in shellExitCodes carry a native code.
const (
	scriptUserExists      = `id -u -- "$1" >/dev/null 2>&1 || exit 19`
	scriptCreateDirectory = `[ -e "$1" ] && exit 17; mkdir -p -- "$1"`
	scriptDeleteDirectory = `[ -e "$1" ] || exit 2; [ -d "$1" ] || exit 20; rm -rf -- "$1"`
	scriptDeleteFile      = `[ -e "$1" ] || [ -L "$1" ] || exit 2; [ -d "$1" ] && exit 21; rm -f -- "$1"`
	scriptFileExists      = `[ -f "$1" ] && echo yes; exit 0`
	scriptDirectoryExists = `[ -d "$1" ] && echo yes; exit 0`
	scriptRename          = `[ -e "$1" ] || exit 2; [ -e "$2" ] && exit 17; mv -- "$1" "$2"`
	scriptTempFile        = `mktemp`
	scriptListDirectory   = `[ -e "$1" ] || exit 2; [ -d "$1" ] || exit 20; find "$1" -mindepth 1 -maxdepth 1 -printf '%y\t%s\t%T@\t%f\n'`
	scriptListProcesses   = `ps -eo pid=,user=,etimes=,comm=,args=`
	scriptKillProcess     = `kill -0 "$1" 2>/dev/null || exit 3; kill -9 "$1"`
)

var shellExitCodes = map[int]native.Code{
	2:  native.CodeNotFound,
	3:  native.CodeNoSuchProcess,
	17: native.CodeFileAlreadyExists,
	19: native.CodeLoginFailed,
	20: native.CodeNotADirectory,
	21: native.CodeNotAFile,
}

// guest checks that vm can take a guest operation and returns its session.
func (s *Surface) guest(vm *vmObject) (*session, error) {
	state, _, err := vm.dom.GetState()
	if err != nil {
		return nil, err
	}
	if state != libvirt.DOMAIN_RUNNING {
		return nil, codeErrorf(native.CodeVMNotRunning, "domain %s is not running", vm.name)
	}
	sess := s.sessionOf(vm)
	if sess == nil {
		return nil, codeErrorf(native.CodeNotLoggedIn, "no guest session on %s", vm.name)
	}
	return sess, nil
}

func (s *Surface) shell(vm *vmObject, script string, operands ...string) (guestCommandResult, error) {
	args := append([]string{"-c", script, "vmauto"}, operands...)
	res, err := runGuestCommand(vm.dom, "/bin/sh", args, nil, s.timeout, s.poll)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		if code, ok := shellExitCodes[res.ExitCode]; ok {
			return res, codeErrorf(code, "guest command exit code %d", res.ExitCode)
		}
		return res, codeErrorf(native.CodeGuestOperationFailed, "guest command exit code %d: %s",
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// guestShell runs script after checking the guest session.
func (s *Surface) guestShell(vm *vmObject, script string, operands ...string) (guestCommandResult, error) {
	if _, err := s.guest(vm); err != nil {
		return guestCommandResult{}, err
	}
	return s.shell(vm, script, operands...)
}

func (s *Surface) login(vm *vmObject, args native.Args) result {
	if res, ok := s.requireState(vm, libvirt.DOMAIN_RUNNING); !ok {
		return res
	}
	if err := pingAgent(vm.dom); err != nil {
		return failed(codeErrorf(native.CodeToolsNotRunning, "guest agent of %s: %v", vm.name, err))
	}
	if strings.TrimSpace(args.Username) == "" {
		return failed(codeErrorf(native.CodeLoginFailed, "user name is required"))
	}
	if _, err := s.shell(vm, scriptUserExists, args.Username); err != nil {
		return failed(err)
	}
	s.setSession(vm, &session{username: args.Username})
	return result{}
}

func (s *Surface) logout(vm *vmObject, _ native.Args) result {
	s.setSession(vm, nil)
	return result{}
}

func (s *Surface) copyFileToGuest(vm *vmObject, args native.Args) result {
	if _, err := s.guest(vm); err != nil {
		return failed(err)
	}
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return failed(codeErrorf(native.CodeNotFound, "read host file: %v", err))
	}
	if err := writeGuestFile(vm.dom, args.Destination, data); err != nil {
		return failed(guestFileError(err))
	}
	return result{}
}

func (s *Surface) copyFileFromGuest(vm *vmObject, args native.Args) result {
	if _, err := s.guest(vm); err != nil {
		return failed(err)
	}
	data, err := readGuestFile(vm.dom, args.Path)
	if err != nil {
		return failed(guestFileError(err))
	}
	if err := os.WriteFile(args.Destination, data, 0o644); err != nil {
		return failed(codeErrorf(native.CodeFail, "write host file: %v", err))
	}
	return result{}
}

// guestFileError reports agent failures that are not about the agent
// itself as a missing guest file.
func guestFileError(err error) error {
	if codeFor(err) == native.CodeFail {
		return codeErrorf(native.CodeNotFound, "%v", err)
	}
	return err
}

func (s *Surface) createDirectory(vm *vmObject, args native.Args) result {
	_, err := s.guestShell(vm, scriptCreateDirectory, args.Path)
	return failed(err)
}

func (s *Surface) deleteDirectory(vm *vmObject, args native.Args) result {
	_, err := s.guestShell(vm, scriptDeleteDirectory, args.Path)
	return failed(err)
}

func (s *Surface) deleteFile(vm *vmObject, args native.Args) result {
	_, err := s.guestShell(vm, scriptDeleteFile, args.Path)
	return failed(err)
}

func (s *Surface) fileExists(vm *vmObject, args native.Args) result {
	return s.exists(vm, scriptFileExists, args.Path)
}

func (s *Surface) directoryExists(vm *vmObject, args native.Args) result {
	return s.exists(vm, scriptDirectoryExists, args.Path)
}

func (s *Surface) exists(vm *vmObject, script, path string) result {
	res, err := s.guestShell(vm, script, path)
	if err != nil {
		return failed(err)
	}
	return succeeded(map[native.PropertyID]native.Value{
		native.PropertyJobResultObjectExists: native.BoolValue(strings.TrimSpace(res.Stdout) == "yes"),
	})
}

func (s *Surface) renameFile(vm *vmObject, args native.Args) result {
	_, err := s.guestShell(vm, scriptRename, args.Path, args.Destination)
	return failed(err)
}

func (s *Surface) createTempFile(vm *vmObject, _ native.Args) result {
	res, err := s.guestShell(vm, scriptTempFile)
	if err != nil {
		return failed(err)
	}
	return succeeded(map[native.PropertyID]native.Value{
		native.PropertyJobResultItemName: native.StringValue(strings.TrimSpace(res.Stdout)),
	})
}

func (s *Surface) listDirectory(vm *vmObject, args native.Args) result {
	res, err := s.guestShell(vm, scriptListDirectory, args.Path)
	if err != nil {
		return failed(err)
	}
	rows, err := parseListing(res.Stdout)
	if err != nil {
		return failed(err)
	}
	return result{rows: rows}
}

// parseListing reads find -printf '%y\t%s\t%T@\t%f\n' output, sorted by
// name.
func parseListing(out string) ([]map[native.PropertyID]native.Value, error) {
	type entry struct {
		name  string
		flags int64
		size  int64
		mtime int64
	}
	var entries []entry
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 {
			return nil, codeErrorf(native.CodeGuestOperationFailed, "malformed listing line %q", line)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, codeErrorf(native.CodeGuestOperationFailed, "malformed size in %q", line)
		}
		secs, _, _ := strings.Cut(fields[2], ".")
		mtime, err := strconv.ParseInt(secs, 10, 64)
		if err != nil {
			return nil, codeErrorf(native.CodeGuestOperationFailed, "malformed mtime in %q", line)
		}
		var flags int64
		switch fields[0] {
		case "d":
			flags = native.FileAttributesDirectory
		case "l":
			flags = native.FileAttributesSymlink
		}
		entries = append(entries, entry{name: fields[3], flags: flags, size: size, mtime: mtime})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	rows := make([]map[native.PropertyID]native.Value, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[native.PropertyID]native.Value{
			native.PropertyJobResultItemName:    native.StringValue(e.name),
			native.PropertyJobResultFileFlags:   native.IntValue(e.flags),
			native.PropertyJobResultFileSize:    native.IntValue(e.size),
			native.PropertyJobResultFileModTime: native.IntValue(e.mtime),
		})
	}
	return rows, nil
}

func (s *Surface) runProgram(vm *vmObject, args native.Args) result {
	if strings.TrimSpace(args.Path) == "" {
		return failed(codeErrorf(native.CodeInvalidArg, "program path is required"))
	}
	return s.run(vm, args.Path, args.Arguments, nil, args)
}

func (s *Surface) runScript(vm *vmObject, args native.Args) result {
	interpreter := args.Interpreter
	if strings.TrimSpace(interpreter) == "" {
		interpreter = "/bin/sh"
	}
	return s.run(vm, interpreter, nil, []byte(args.Value), args)
}

func (s *Surface) run(vm *vmObject, program string, arguments []string, stdin []byte, args native.Args) result {
	sess, err := s.guest(vm)
	if err != nil {
		return failed(err)
	}
	program, arguments = sess.command(program, arguments)

	started := time.Now()
	returnNow := args.Options&native.RunProgramReturnNow != 0
	pid, err := startGuestCommand(vm.dom, program, arguments, stdin, !returnNow)
	if err != nil {
		return failed(err)
	}
	props := map[native.PropertyID]native.Value{
		native.PropertyJobResultProcessID:   native.IntValue(int64(pid)),
		native.PropertyJobResultExitCode:    native.IntValue(0),
		native.PropertyJobResultElapsedTime: native.IntValue(0),
	}
	if returnNow {
		return succeeded(props)
	}

	res, err := waitForGuestCommand(vm.dom, pid, args.Timeout, s.poll)
	if err != nil {
		return failed(err)
	}
	props[native.PropertyJobResultExitCode] = native.IntValue(int64(res.ExitCode))
	props[native.PropertyJobResultElapsedTime] = native.IntValue(int64(time.Since(started) / time.Second))
	return succeeded(props)
}

// command starts programs as the session user unless that user is root.
func (sess *session) command(program string, arguments []string) (string, []string) {
	if sess.username == "root" {
		return program, arguments
	}
	return "runuser", append([]string{"-u", sess.username, "--", program}, arguments...)
}

func (s *Surface) listProcesses(vm *vmObject, _ native.Args) result {
	res, err := s.guestShell(vm, scriptListProcesses)
	if err != nil {
		return failed(err)
	}
	return result{rows: parseProcesses(res.Stdout, time.Now())}
}

// parseProcesses reads ps -eo pid=,user=,etimes=,comm=,args= output.
func parseProcesses(out string, now time.Time) []map[native.PropertyID]native.Value {
	var rows []map[native.PropertyID]native.Value
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		elapsed, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		command := fields[3]
		if len(fields) > 4 {
			command = strings.Join(fields[4:], " ")
		}
		rows = append(rows, map[native.PropertyID]native.Value{
			native.PropertyJobResultItemName:         native.StringValue(fields[3]),
			native.PropertyJobResultProcessID:        native.IntValue(pid),
			native.PropertyJobResultProcessOwner:     native.StringValue(fields[1]),
			native.PropertyJobResultProcessCommand:   native.StringValue(command),
			native.PropertyJobResultProcessStartTime: native.IntValue(now.Add(-time.Duration(elapsed) * time.Second).Unix()),
			native.PropertyJobResultProcessDebugged:  native.BoolValue(false),
			native.PropertyJobResultExitCode:         native.IntValue(0),
		})
	}
	return rows
}

func (s *Surface) killProcess(vm *vmObject, args native.Args) result {
	if args.PID == 0 {
		return failed(codeErrorf(native.CodeInvalidArg, "pid is required"))
	}
	_, err := s.guestShell(vm, scriptKillProcess, strconv.FormatUint(args.PID, 10))
	return failed(err)
}

var errNoScreen = errors.New("domain returned an empty screen image")

func (s *Surface) captureScreen(vm *vmObject, _ native.Args) result {
	if res, ok := s.requireState(vm, libvirt.DOMAIN_RUNNING); !ok {
		return res
	}
	data, err := vm.dom.CaptureScreen()
	if err != nil {
		return failed(err)
	}
	if len(data) == 0 {
		return failed(errNoScreen)
	}
	return succeeded(map[native.PropertyID]native.Value{
		native.PropertyJobResultScreenImageData: native.BlobValue(data),
		native.PropertyJobResultScreenImageSize: native.IntValue(int64(len(data))),
	})
}
