package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
	"github.com/cochaviz/vmauto/internal/native/nativetest"
)

func TestRecorderCountsJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	require.NoError(t, err)

	fake := nativetest.New()
	vm := fake.AddVM("m")
	s := &job.Submitter{
		Surface:  fake,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer: rec,
	}

	j, err := s.Submit(native.OpPowerOn, vm, native.Args{})
	require.NoError(t, err)
	require.NoError(t, j.Wait(time.Second))

	fake.FailNext(native.OpPowerOn, native.CodeVMNotRunning)
	j, err = s.Submit(native.OpPowerOn, vm, native.Args{})
	require.NoError(t, err)
	require.Error(t, j.Wait(time.Second))

	release := fake.Stall(native.OpReset)
	j, err = s.Submit(native.OpReset, vm, native.Args{})
	require.NoError(t, err)
	require.ErrorIs(t, j.Wait(10*time.Millisecond), job.ErrTimeout)
	release()

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.submitted.WithLabelValues("power_on")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.failures.WithLabelValues("power_on", "3006")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.timeouts.WithLabelValues("reset")))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.duration))
}

func TestRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	assert.Error(t, err)
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	require.NoError(t, err)
	rec.JobSubmitted(native.OpLogin)

	srv := NewServer(":0", reg)
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `vmauto_job_submitted_total{operation="login"} 1`), rr.Body.String())
}
