package native

import (
	"fmt"
	"time"
)

// Operation selects what Submit should do.
type Operation int

const (
	OpNone Operation = iota
	OpOpenVM
	OpPowerOn
	OpPowerOff
	OpReset
	OpSuspend
	OpPause
	OpUnpause
	OpWaitForTools
	OpLogin
	OpLogout
	OpCopyFileToGuest
	OpCopyFileFromGuest
	OpCreateDirectory
	OpDeleteDirectory
	OpDeleteFile
	OpFileExists
	OpDirectoryExists
	OpRenameFile
	OpCreateTempFile
	OpListDirectory
	OpRunProgram
	OpRunScript
	OpListProcesses
	OpKillProcess
	OpReadVariable
	OpWriteVariable
	OpCaptureScreenImage
	OpCreateSnapshot
	OpRemoveSnapshot
	OpRevertToSnapshot
)

var operationNames = map[Operation]string{
	OpOpenVM:             "open_vm",
	OpPowerOn:            "power_on",
	OpPowerOff:           "power_off",
	OpReset:              "reset",
	OpSuspend:            "suspend",
	OpPause:              "pause",
	OpUnpause:            "unpause",
	OpWaitForTools:       "wait_for_tools",
	OpLogin:              "login",
	OpLogout:             "logout",
	OpCopyFileToGuest:    "copy_file_to_guest",
	OpCopyFileFromGuest:  "copy_file_from_guest",
	OpCreateDirectory:    "create_directory",
	OpDeleteDirectory:    "delete_directory",
	OpDeleteFile:         "delete_file",
	OpFileExists:         "file_exists",
	OpDirectoryExists:    "directory_exists",
	OpRenameFile:         "rename_file",
	OpCreateTempFile:     "create_temp_file",
	OpListDirectory:      "list_directory",
	OpRunProgram:         "run_program",
	OpRunScript:          "run_script",
	OpListProcesses:      "list_processes",
	OpKillProcess:        "kill_process",
	OpReadVariable:       "read_variable",
	OpWriteVariable:      "write_variable",
	OpCaptureScreenImage: "capture_screen_image",
	OpCreateSnapshot:     "create_snapshot",
	OpRemoveSnapshot:     "remove_snapshot",
	OpRevertToSnapshot:   "revert_to_snapshot",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// VariableClass selects one of the disjoint variable namespaces of a VM.
type VariableClass int

const (
	// GuestVariable is a runtime variable shared with the guest. It does not
	// survive a power cycle.
	GuestVariable VariableClass = iota + 1
	// GuestEnvironmentVariable is an environment variable of the guest OS.
	GuestEnvironmentVariable
	// RuntimeConfigVariable is persisted in the VM's configuration.
	RuntimeConfigVariable
)

func (c VariableClass) String() string {
	switch c {
	case GuestVariable:
		return "guest"
	case GuestEnvironmentVariable:
		return "guest_env"
	case RuntimeConfigVariable:
		return "runtime_config"
	default:
		return fmt.Sprintf("variable_class(%d)", int(c))
	}
}

// Option bits accepted in Args.Options. Their meaning depends on the
// operation they are passed to.
const (
	PowerOpSoft              int = 0x0004
	PowerOpLaunchGUI         int = 0x0200
	RunProgramReturnNow      int = 0x0001
	RunProgramActivateWindow int = 0x0002
	RemoveSnapshotChildren   int = 0x0001
	RevertSuppressPowerOn    int = 0x0080
	SnapshotIncludeMemory    int = 0x0002
	SnapshotQuiesce          int = 0x0010
)

// Args carries the parameters of a submitted operation. Fields that an
// operation does not use are ignored.
type Args struct {
	Name        string
	Path        string
	Destination string
	Value       string
	Description string
	Interpreter string
	Arguments   []string

	Username string
	Password string

	Class    VariableClass
	PID      uint64
	Snapshot Handle
	Options  int
	Timeout  time.Duration
}
