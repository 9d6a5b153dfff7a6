package vm

import (
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/task"
)

// LoginAsync opens a guest session. Guest file and process operations
// require one.
func (v *VM) LoginAsync(username, password string) *task.Task[struct{}] {
	args := native.Args{Username: username, Password: password}
	return v.execAsync(native.OpLogin, args, v.host.opts.GuestTimeout)
}

func (v *VM) Login(username, password string) error {
	return v.LoginAsync(username, password).Err()
}

func (v *VM) LogoutAsync() *task.Task[struct{}] {
	return v.execAsync(native.OpLogout, native.Args{}, v.host.opts.GuestTimeout)
}

func (v *VM) Logout() error { return v.LogoutAsync().Err() }

// CopyFileToGuestAsync copies hostPath into the guest at guestPath.
func (v *VM) CopyFileToGuestAsync(hostPath, guestPath string) *task.Task[struct{}] {
	args := native.Args{Path: hostPath, Destination: guestPath}
	return v.execAsync(native.OpCopyFileToGuest, args, v.host.opts.GuestTimeout)
}

func (v *VM) CopyFileToGuest(hostPath, guestPath string) error {
	return v.CopyFileToGuestAsync(hostPath, guestPath).Err()
}

// CopyFileFromGuestAsync copies guestPath out of the guest to hostPath.
func (v *VM) CopyFileFromGuestAsync(guestPath, hostPath string) *task.Task[struct{}] {
	args := native.Args{Path: guestPath, Destination: hostPath}
	return v.execAsync(native.OpCopyFileFromGuest, args, v.host.opts.GuestTimeout)
}

func (v *VM) CopyFileFromGuest(guestPath, hostPath string) error {
	return v.CopyFileFromGuestAsync(guestPath, hostPath).Err()
}

func (v *VM) CreateDirectoryAsync(guestPath string) *task.Task[struct{}] {
	return v.execAsync(native.OpCreateDirectory, native.Args{Path: guestPath}, v.host.opts.GuestTimeout)
}

func (v *VM) CreateDirectory(guestPath string) error {
	return v.CreateDirectoryAsync(guestPath).Err()
}

// DeleteDirectoryAsync removes guestPath and everything below it.
func (v *VM) DeleteDirectoryAsync(guestPath string) *task.Task[struct{}] {
	return v.execAsync(native.OpDeleteDirectory, native.Args{Path: guestPath}, v.host.opts.GuestTimeout)
}

func (v *VM) DeleteDirectory(guestPath string) error {
	return v.DeleteDirectoryAsync(guestPath).Err()
}

func (v *VM) DeleteFileAsync(guestPath string) *task.Task[struct{}] {
	return v.execAsync(native.OpDeleteFile, native.Args{Path: guestPath}, v.host.opts.GuestTimeout)
}

func (v *VM) DeleteFile(guestPath string) error {
	return v.DeleteFileAsync(guestPath).Err()
}

// FileExistsAsync reports whether guestPath is a regular file. Every native
// failure, "not found" included, is an error here.
func (v *VM) FileExistsAsync(guestPath string) *task.Task[bool] {
	return valueAsync[bool](v, native.OpFileExists, native.Args{Path: guestPath},
		native.PropertyJobResultObjectExists, v.host.opts.GuestTimeout)
}

func (v *VM) FileExists(guestPath string) (bool, error) {
	return v.FileExistsAsync(guestPath).Result()
}

// DirectoryExistsAsync reports whether guestPath is a directory.
func (v *VM) DirectoryExistsAsync(guestPath string) *task.Task[bool] {
	return valueAsync[bool](v, native.OpDirectoryExists, native.Args{Path: guestPath},
		native.PropertyJobResultObjectExists, v.host.opts.GuestTimeout)
}

func (v *VM) DirectoryExists(guestPath string) (bool, error) {
	return v.DirectoryExistsAsync(guestPath).Result()
}

func (v *VM) RenameFileAsync(oldPath, newPath string) *task.Task[struct{}] {
	args := native.Args{Path: oldPath, Destination: newPath}
	return v.execAsync(native.OpRenameFile, args, v.host.opts.GuestTimeout)
}

func (v *VM) RenameFile(oldPath, newPath string) error {
	return v.RenameFileAsync(oldPath, newPath).Err()
}

// CreateTempFileAsync creates an empty file in the guest's temporary
// directory and returns its path.
func (v *VM) CreateTempFileAsync() *task.Task[string] {
	return valueAsync[string](v, native.OpCreateTempFile, native.Args{},
		native.PropertyJobResultItemName, v.host.opts.GuestTimeout)
}

func (v *VM) CreateTempFile() (string, error) {
	return v.CreateTempFileAsync().Result()
}
