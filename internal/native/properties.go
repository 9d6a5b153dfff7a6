package native

import "fmt"

// PropertyID identifies a value readable from a job result row or a live
// object handle.
type PropertyID int

const (
	PropertyNone PropertyID = iota

	// job results
	PropertyJobResultHandle
	PropertyJobResultErrorCode
	PropertyJobResultProcessID
	PropertyJobResultExitCode
	PropertyJobResultElapsedTime
	PropertyJobResultObjectExists
	PropertyJobResultVariableValue
	PropertyJobResultItemName
	PropertyJobResultFileFlags
	PropertyJobResultFileSize
	PropertyJobResultFileModTime
	PropertyJobResultProcessOwner
	PropertyJobResultProcessCommand
	PropertyJobResultProcessStartTime
	PropertyJobResultProcessDebugged
	PropertyJobResultScreenImageData
	PropertyJobResultScreenImageSize

	// VM handles
	PropertyVMName
	PropertyVMPowerState
	PropertyVMToolsState
	PropertyVMNumVCPUs
	PropertyVMMemorySizeMB

	// snapshot handles
	PropertySnapshotDisplayName
	PropertySnapshotDescription
	PropertySnapshotPowerState
)

var propertyNames = map[PropertyID]string{
	PropertyJobResultHandle:           "job_result_handle",
	PropertyJobResultErrorCode:        "job_result_error_code",
	PropertyJobResultProcessID:        "job_result_process_id",
	PropertyJobResultExitCode:         "job_result_exit_code",
	PropertyJobResultElapsedTime:      "job_result_elapsed_time",
	PropertyJobResultObjectExists:     "job_result_object_exists",
	PropertyJobResultVariableValue:    "job_result_variable_value",
	PropertyJobResultItemName:         "job_result_item_name",
	PropertyJobResultFileFlags:        "job_result_file_flags",
	PropertyJobResultFileSize:         "job_result_file_size",
	PropertyJobResultFileModTime:      "job_result_file_mod_time",
	PropertyJobResultProcessOwner:     "job_result_process_owner",
	PropertyJobResultProcessCommand:   "job_result_process_command",
	PropertyJobResultProcessStartTime: "job_result_process_start_time",
	PropertyJobResultProcessDebugged:  "job_result_process_debugged",
	PropertyJobResultScreenImageData:  "job_result_screen_image_data",
	PropertyJobResultScreenImageSize:  "job_result_screen_image_size",
	PropertyVMName:                    "vm_name",
	PropertyVMPowerState:              "vm_power_state",
	PropertyVMToolsState:              "vm_tools_state",
	PropertyVMNumVCPUs:                "vm_num_vcpus",
	PropertyVMMemorySizeMB:            "vm_memory_size_mb",
	PropertySnapshotDisplayName:       "snapshot_display_name",
	PropertySnapshotDescription:       "snapshot_description",
	PropertySnapshotPowerState:        "snapshot_power_state",
}

func (p PropertyID) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", int(p))
}

// File flag bits reported through PropertyJobResultFileFlags.
const (
	FileAttributesDirectory int64 = 0x0001
	FileAttributesSymlink   int64 = 0x0002
)

// Power state bits reported through PropertyVMPowerState and
// PropertySnapshotPowerState.
const (
	PowerStatePoweringOff int64 = 0x0001
	PowerStatePoweredOff  int64 = 0x0002
	PowerStatePoweringOn  int64 = 0x0004
	PowerStatePoweredOn   int64 = 0x0008
	PowerStateSuspending  int64 = 0x0010
	PowerStateSuspended   int64 = 0x0020
	PowerStateToolsActive int64 = 0x0040
	PowerStateResetting   int64 = 0x0080
	PowerStateBlocked     int64 = 0x0100
	PowerStatePaused      int64 = 0x0200
)

// Tools state values reported through PropertyVMToolsState.
const (
	ToolsStateUnknown    int64 = 0x0001
	ToolsStateRunning    int64 = 0x0002
	ToolsStateNotRunning int64 = 0x0004
)
