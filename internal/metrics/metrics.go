// Package metrics exports native job activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cochaviz/vmauto/internal/job"
	"github.com/cochaviz/vmauto/internal/native"
)

const (
	labelOperation = "operation"
	labelCode      = "code"
)

var jobDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900}

// Recorder implements job.Observer.
type Recorder struct {
	submitted *prometheus.CounterVec
	failures  *prometheus.CounterVec
	timeouts  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

var _ job.Observer = (*Recorder)(nil)

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmauto_job_submitted_total",
			Help: "Number of native jobs submitted",
		}, []string{labelOperation}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmauto_job_failures_total",
			Help: "Number of native jobs that completed with a non-zero code",
		}, []string{labelOperation, labelCode}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmauto_job_timeouts_total",
			Help: "Number of native jobs abandoned after their timeout",
		}, []string{labelOperation}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vmauto_job_duration_seconds",
			Help:    "Time from submission to completion of native jobs",
			Buckets: jobDurationBuckets,
		}, []string{labelOperation}),
	}
	for _, c := range []prometheus.Collector{r.submitted, r.failures, r.timeouts, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) JobSubmitted(op native.Operation) {
	r.submitted.WithLabelValues(op.String()).Inc()
}

func (r *Recorder) JobCompleted(op native.Operation, code native.Code, elapsed time.Duration) {
	r.duration.WithLabelValues(op.String()).Observe(elapsed.Seconds())
	if code != native.CodeOK {
		r.failures.WithLabelValues(op.String(), strconv.Itoa(int(code))).Inc()
	}
}

func (r *Recorder) JobTimedOut(op native.Operation) {
	r.timeouts.WithLabelValues(op.String()).Inc()
}

// NewServer serves the metrics of gatherer on addr under /metrics.
func NewServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
