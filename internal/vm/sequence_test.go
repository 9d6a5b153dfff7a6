package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/native/nativetest"
	"github.com/cochaviz/vmauto/internal/task"
)

func opsOf(events []nativetest.Event) []native.Operation {
	out := make([]native.Operation, 0, len(events))
	for _, e := range events {
		out = append(out, e.Op)
	}
	return out
}

func TestSequencePowerOnToolsLogin(t *testing.T) {
	v, fake := openTestVM(t)
	for _, op := range []native.Operation{native.OpPowerOn, native.OpWaitForTools, native.OpLogin} {
		fake.SetDelay(op, 5*time.Millisecond)
	}
	before := len(fake.Events())

	err := v.Sequence(
		v.PowerOnStep(0),
		v.WaitForToolsStep(0),
		v.LoginStep("root", "secret"),
	).Err()
	require.NoError(t, err)

	events := fake.Events()[before:]
	assert.Equal(t, []native.Operation{native.OpPowerOn, native.OpWaitForTools, native.OpLogin}, opsOf(events))
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Submitted.Before(events[i-1].Completed),
			"%s submitted before %s completed", events[i].Op, events[i-1].Op)
	}
	assert.Zero(t, fake.Overlaps())

	_, err = v.FileExists("/etc/hostname")
	require.NoError(t, err)
}

func TestSequenceAbortsOnFailedStep(t *testing.T) {
	v, fake := openTestVM(t)
	fake.FailNext(native.OpWaitForTools, native.CodeToolsNotRunning)
	before := len(fake.Events())

	err := v.Sequence(
		v.PowerOnStep(0),
		v.WaitForToolsStep(0),
		v.LoginStep("root", "secret"),
	).Err()
	require.Error(t, err)

	var stepErr *task.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Equal(t, "wait for tools", stepErr.Name)
	assert.True(t, job.IsCode(err, native.CodeToolsNotRunning), "got %v", err)
	assert.Equal(t, []native.Operation{native.OpPowerOn, native.OpWaitForTools}, opsOf(fake.Events()[before:]))
}

func TestSequenceIsOneQueuedItem(t *testing.T) {
	v, fake := openTestVM(t)
	release := fake.Stall(native.OpPowerOn)

	chain := v.Sequence(v.PowerOnStep(0), v.WaitForToolsStep(0))
	pause := v.PauseAsync()
	release()

	require.NoError(t, chain.Err())
	require.NoError(t, pause.Err())

	var ops []native.Operation
	for _, e := range fake.Events() {
		if e.Target == v.Handle() {
			ops = append(ops, e.Op)
		}
	}
	assert.Equal(t, []native.Operation{native.OpPowerOn, native.OpWaitForTools, native.OpPause}, ops)
}
