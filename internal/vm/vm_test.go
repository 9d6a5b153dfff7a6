package vm

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/native/nativetest"
	"github.com/cochaviz/vmauto/internal/task"
)

func testOptions() Options {
	return Options{
		Timeout:         2 * time.Second,
		PowerTimeout:    2 * time.Second,
		ToolsTimeout:    2 * time.Second,
		SnapshotTimeout: 2 * time.Second,
		GuestTimeout:    2 * time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openTestVM(t *testing.T) (*VM, *nativetest.Fake) {
	t.Helper()
	fake := nativetest.New()
	fake.AddVM("web-1")
	host := NewHost(fake, testOptions())
	v, err := host.Open("web-1", 0)
	require.NoError(t, err)
	return v, fake
}

// openGuest returns a powered-on VM with a logged-in guest session.
func openGuest(t *testing.T) (*VM, *nativetest.Fake) {
	t.Helper()
	v, fake := openTestVM(t)
	require.NoError(t, v.PowerOn(0))
	require.NoError(t, v.WaitForTools(0))
	require.NoError(t, v.Login("root", "secret"))
	return v, fake
}

func TestOpenUnknownVM(t *testing.T) {
	host := NewHost(nativetest.New(), testOptions())
	_, err := host.Open("missing", 0)
	require.Error(t, err)
	assert.True(t, job.IsCode(err, native.CodeVMNotFound), "got %v", err)
	assert.Contains(t, err.Error(), `open vm "missing"`)
}

func TestOpenAsync(t *testing.T) {
	fake := nativetest.New()
	fake.AddVM("db-1")
	v, err := NewHost(fake, testOptions()).OpenAsync("db-1", 0).Result()
	require.NoError(t, err)
	assert.Equal(t, "db-1", v.Name())
}

func TestNewHostFillsDefaults(t *testing.T) {
	opts := NewHost(nativetest.New(), Options{PowerTimeout: time.Second}).Options()
	assert.Equal(t, time.Second, opts.PowerTimeout)
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, DefaultToolsTimeout, opts.ToolsTimeout)
	assert.Equal(t, native.DefaultLocale, opts.Locale)
}

func TestPowerTransitions(t *testing.T) {
	v, _ := openTestVM(t)

	state, err := v.PowerState()
	require.NoError(t, err)
	assert.Equal(t, native.PowerStatePoweredOff, state)

	require.NoError(t, v.PowerOn(0))
	state, err = v.PowerState()
	require.NoError(t, err)
	assert.Equal(t, native.PowerStatePoweredOn, state)

	require.NoError(t, v.Pause())
	state, _ = v.PowerState()
	assert.Equal(t, native.PowerStatePaused, state)

	require.NoError(t, v.Unpause())
	require.NoError(t, v.Reset(0))
	require.NoError(t, v.Suspend())
	state, _ = v.PowerState()
	assert.Equal(t, native.PowerStateSuspended, state)

	require.NoError(t, v.PowerOff(native.PowerOpSoft))
	state, _ = v.PowerState()
	assert.Equal(t, native.PowerStatePoweredOff, state)
}

func TestToolsState(t *testing.T) {
	v, _ := openTestVM(t)
	require.NoError(t, v.PowerOn(0))

	state, err := v.ToolsState()
	require.NoError(t, err)
	assert.Equal(t, native.ToolsStateNotRunning, state)

	require.NoError(t, v.WaitForTools(0))
	state, err = v.ToolsState()
	require.NoError(t, err)
	assert.Equal(t, native.ToolsStateRunning, state)
}

func TestFailureCarriesCodeAndVM(t *testing.T) {
	v, _ := openTestVM(t)

	err := v.WaitForTools(0)
	require.Error(t, err)
	assert.True(t, job.IsCode(err, native.CodeVMNotRunning))
	assert.True(t, strings.HasPrefix(err.Error(), "vm web-1: "), "got %q", err)
}

func TestOperationsOnOneVMNeverOverlap(t *testing.T) {
	v, fake := openTestVM(t)
	for _, op := range []native.Operation{native.OpPowerOn, native.OpReset, native.OpPause, native.OpUnpause} {
		fake.SetDelay(op, 5*time.Millisecond)
	}

	var tasks []*task.Task[struct{}]
	for range 3 {
		tasks = append(tasks,
			v.PowerOnAsync(0),
			v.ResetAsync(0),
			v.PauseAsync(),
			v.UnpauseAsync(),
		)
	}
	for _, tk := range tasks {
		require.NoError(t, tk.Err())
	}

	assert.Zero(t, fake.Overlaps())
	events := fake.Events()
	for i := 1; i < len(events); i++ {
		if events[i].Target != v.Handle() || events[i-1].Target != v.Handle() {
			continue
		}
		assert.False(t, events[i].Submitted.Before(events[i-1].Completed),
			"%s submitted before %s completed", events[i].Op, events[i-1].Op)
	}
}

func TestIndependentVMsRunConcurrently(t *testing.T) {
	fake := nativetest.New()
	fake.AddVM("a")
	fake.AddVM("b")
	host := NewHost(fake, testOptions())
	a, err := host.Open("a", 0)
	require.NoError(t, err)
	b, err := host.Open("b", 0)
	require.NoError(t, err)

	release := fake.Stall(native.OpPowerOn)
	ta, tb := a.PowerOnAsync(0), b.PowerOnAsync(0)
	require.Eventually(t, func() bool {
		n := 0
		for _, e := range fake.Events() {
			if e.Op == native.OpPowerOn {
				n++
			}
		}
		return n == 2
	}, time.Second, 5*time.Millisecond, "both VMs should have a job in flight")
	release()

	require.NoError(t, ta.Err())
	require.NoError(t, tb.Err())
}

func TestGuestRequiresSession(t *testing.T) {
	v, _ := openTestVM(t)
	require.NoError(t, v.PowerOn(0))
	require.NoError(t, v.WaitForTools(0))

	_, err := v.FileExists("/etc/hostname")
	assert.True(t, job.IsCode(err, native.CodeNotLoggedIn), "got %v", err)

	require.NoError(t, v.Login("root", "secret"))
	require.NoError(t, v.Logout())
	_, err = v.FileExists("/etc/hostname")
	assert.True(t, job.IsCode(err, native.CodeNotLoggedIn), "got %v", err)
}

func TestGuestFileOperations(t *testing.T) {
	v, fake := openGuest(t)
	hostDir := t.TempDir()
	src := filepath.Join(hostDir, "payload.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello guest"), 0o644))

	require.NoError(t, v.CreateDirectory("/opt/app"))
	require.NoError(t, v.CopyFileToGuest(src, "/opt/app/payload.txt"))

	data, ok := fake.ReadFile(v.Handle(), "/opt/app/payload.txt")
	require.True(t, ok)
	assert.Equal(t, "hello guest", string(data))

	exists, err := v.FileExists("/opt/app/payload.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = v.DirectoryExists("/opt/app/payload.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = v.DirectoryExists("/opt/app")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, v.RenameFile("/opt/app/payload.txt", "/opt/app/renamed.txt"))
	dst := filepath.Join(hostDir, "back.txt")
	require.NoError(t, v.CopyFileFromGuest("/opt/app/renamed.txt", dst))
	back, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello guest", string(back))

	require.NoError(t, v.DeleteFile("/opt/app/renamed.txt"))
	err = v.DeleteFile("/opt/app/renamed.txt")
	assert.True(t, job.IsCode(err, native.CodeNotFound), "deleting twice: %v", err)

	require.NoError(t, v.DeleteDirectory("/opt/app"))
	exists, err = v.DirectoryExists("/opt/app")
	require.NoError(t, err)
	assert.False(t, exists)

	tmp, err := v.CreateTempFile()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tmp, "/tmp/vmauto-"), "temp file %q", tmp)
}

func TestCopyToGuestMissingDirectoryFails(t *testing.T) {
	v, _ := openGuest(t)
	src := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	err := v.CopyFileToGuest(src, "/nowhere/x")
	assert.True(t, job.IsCode(err, native.CodeNotFound), "got %v", err)
}

func TestCaptureScreenImage(t *testing.T) {
	v, _ := openTestVM(t)
	_, err := v.CaptureScreenImage()
	assert.True(t, job.IsCode(err, native.CodeVMNotRunning))

	require.NoError(t, v.PowerOn(0))
	img, err := v.CaptureScreenImage()
	require.NoError(t, err)
	assert.Equal(t, nativetest.PNGHeader, img)
}

func TestCloseWaitsForQueuedOperations(t *testing.T) {
	v, fake := openTestVM(t)
	release := fake.Stall(native.OpPowerOn)
	power := v.PowerOnAsync(0)
	require.Eventually(t, func() bool { return fake.InFlight(v.Handle()) },
		time.Second, time.Millisecond, "power on should be in flight")

	closed := make(chan struct{})
	go func() {
		v.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while power on was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, fake.ReleaseCount(v.Handle()), "vm handle released under a running job")

	release()
	require.NoError(t, power.Err())
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the queue drained")
	}
	assert.Equal(t, 1, fake.ReleaseCount(v.Handle()))
}
