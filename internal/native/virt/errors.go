package virt

import (
	"errors"
	"fmt"
	"slices"

	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/vmauto/internal/native"
)

// codeError carries a native code through Go error returns.
type codeError struct {
	code native.Code
	msg  string
}

func (e *codeError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("native code %d", int(e.code))
	}
	return e.msg
}

func codeErrorf(code native.Code, format string, args ...any) error {
	return &codeError{code: code, msg: fmt.Sprintf(format, args...)}
}

var libvirtCodes = map[libvirt.ErrorNumber]native.Code{
	libvirt.ERR_NO_DOMAIN:             native.CodeVMNotFound,
	libvirt.ERR_NO_DOMAIN_SNAPSHOT:    native.CodeSnapshotNotFound,
	libvirt.ERR_NO_DOMAIN_METADATA:    native.CodeNotFound,
	libvirt.ERR_OPERATION_INVALID:     native.CodeVMNotRunning,
	libvirt.ERR_AGENT_UNRESPONSIVE:    native.CodeToolsNotRunning,
	libvirt.ERR_AGENT_UNSYNCED:        native.CodeToolsNotRunning,
	libvirt.ERR_OPERATION_TIMEOUT:     native.CodeTimeout,
	libvirt.ERR_INVALID_ARG:           native.CodeInvalidArg,
	libvirt.ERR_NO_SUPPORT:            native.CodeNotSupported,
	libvirt.ERR_OPERATION_UNSUPPORTED: native.CodeNotSupported,
	libvirt.ERR_NO_MEMORY:             native.CodeOutOfMemory,
}

// codeFor maps an error returned by libvirt or by this package onto a
// native code.
func codeFor(err error) native.Code {
	if err == nil {
		return native.CodeOK
	}
	var ce *codeError
	if errors.As(err, &ce) {
		return ce.code
	}
	if errors.Is(err, ErrGuestCommandTimedOut) {
		return native.CodeTimeout
	}
	var libErr libvirt.Error
	if errors.As(err, &libErr) {
		if code, ok := libvirtCodes[libErr.Code]; ok {
			return code
		}
	}
	return native.CodeFail
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
