// Package job turns the callback-based native surface into blocking calls.
//
// A Job wraps one submitted native operation together with the Signal its
// completion callback fires. Results are extracted in one of four shapes:
// nothing (Wait), a single typed value (WaitValue), an ordered tuple
// (WaitRow) or a lazy stream of tuples (Rows). Every extraction is terminal;
// a Job cannot be read twice.
package job

import (
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/vmauto/internal/logging"
	"github.com/cochaviz/vmauto/internal/native"
)

// Observer receives job lifecycle events. internal/metrics implements it.
type Observer interface {
	JobSubmitted(op native.Operation)
	JobCompleted(op native.Operation, code native.Code, elapsed time.Duration)
	JobTimedOut(op native.Operation)
}

// Submitter starts jobs against a surface. The zero value is not usable;
// Surface is required.
type Submitter struct {
	Surface  native.Surface
	Locale   string
	Logger   *slog.Logger
	Observer Observer
}

// Translator returns the error translator bound to the submitter's surface
// and locale.
func (s *Submitter) Translator() Translator {
	return Translator{Messages: s.Surface, Locale: s.Locale}
}

// Submit hands op to the native surface and returns immediately. A non-zero
// code from the submission itself is returned as an *OperationError.
func (s *Submitter) Submit(op native.Operation, target native.Handle, args native.Args) (*Job, error) {
	signal := NewSignal()
	j := &Job{
		id:         uuid.New(),
		op:         op,
		surface:    s.Surface,
		translator: s.Translator(),
		signal:     signal,
		logger:     logging.Ensure(s.Logger),
		observer:   s.Observer,
	}

	j.submitted = time.Now()
	handle, code := s.Surface.Submit(op, target, args, func(native.Handle) {
		signal.Fire()
	})
	if code != native.CodeOK {
		j.logger.Debug("job submission rejected", "op", op, "job_id", j.id, "code", int(code))
		return nil, j.translator.Error(op, code)
	}
	j.handle = handle

	if j.observer != nil {
		j.observer.JobSubmitted(op)
	}
	j.logger.Debug("job submitted", "op", op, "job_id", j.id, "target", uint64(target))
	return j, nil
}

type state int

const (
	statePending state = iota
	// stateWaiting is held by the one extraction that claimed the job.
	stateWaiting
	stateConsumed
	stateAbandoned
)

// Job is a single in-flight native operation.
type Job struct {
	id         uuid.UUID
	op         native.Operation
	surface    native.Surface
	translator Translator
	handle     native.Handle
	signal     *Signal
	submitted  time.Time
	logger     *slog.Logger
	observer   Observer

	mu        sync.Mutex
	state     state
	tolerated native.Code
}

// ID is a process-unique identifier for log correlation.
func (j *Job) ID() uuid.UUID { return j.id }

// Operation is the native operation the job runs.
func (j *Job) Operation() native.Operation { return j.op }

// Submitted is the time the job was handed to the surface.
func (j *Job) Submitted() time.Time { return j.submitted }

// Done is closed once the native callback has fired.
func (j *Job) Done() <-chan struct{} { return j.signal.Done() }

// Wait blocks until the job completes or timeout elapses and translates the
// native result code.
func (j *Job) Wait(timeout time.Duration) error {
	if err := j.await(timeout); err != nil {
		return err
	}
	defer j.release()
	return j.translator.Translate(j.op, j.surface.Result(j.handle), nil).Err
}

// Scalar lists the types WaitValue can produce.
type Scalar interface {
	string | int | int64 | uint64 | bool | time.Time | time.Duration | native.Handle | []byte
}

// WaitValue waits like Wait and then extracts exactly one typed property.
func WaitValue[T Scalar](j *Job, id native.PropertyID, timeout time.Duration) (T, error) {
	var out T
	row, err := j.WaitRow(timeout, id)
	if err != nil {
		return out, err
	}
	if err := row.Scan(&out); err != nil {
		return out, err
	}
	return out, nil
}

// WaitRow waits like Wait and then returns the requested properties as one
// ordered tuple.
func (j *Job) WaitRow(timeout time.Duration, ids ...native.PropertyID) (Row, error) {
	if err := j.await(timeout); err != nil {
		return Row{}, err
	}
	defer j.release()

	if outcome := j.translator.Translate(j.op, j.surface.Result(j.handle), nil); outcome.Err != nil {
		return Row{}, outcome.Err
	}
	values, code := j.surface.Properties(j.handle, ids...)
	if code != native.CodeOK {
		return Row{}, j.translator.Error(j.op, code)
	}
	return NewRow(ids, values)
}

// Rows waits for the job and then streams one tuple per native result row.
// Rows are fetched from the surface as the sequence is consumed.
//
// Codes in tolerance, whether reported as the job's result or while fetching
// a row, end the sequence without an error; Tolerated reports which one did.
// Any other code is yielded once as an error and ends the sequence. The
// sequence can be ranged over once.
func (j *Job) Rows(timeout time.Duration, tolerance Tolerance, ids ...native.PropertyID) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if err := j.await(timeout); err != nil {
			yield(Row{}, err)
			return
		}
		defer j.release()

		outcome := j.translator.Translate(j.op, j.surface.Result(j.handle), tolerance)
		switch outcome.Kind {
		case OutcomeTolerated:
			j.logger.Debug("job result tolerated", "op", j.op, "job_id", j.id, "code", int(outcome.Code))
			j.setTolerated(outcome.Code)
			return
		case OutcomeFailure:
			yield(Row{}, outcome.Err)
			return
		}

		count, code := j.surface.NumResults(j.handle)
		if stop, err := j.rowOutcome(code, tolerance); stop {
			if err != nil {
				yield(Row{}, err)
			}
			return
		}

		for i := 0; i < count; i++ {
			values, code := j.surface.NthResult(j.handle, i, ids...)
			if stop, err := j.rowOutcome(code, tolerance); stop {
				if err != nil {
					yield(Row{}, err)
				}
				return
			}
			row, err := NewRow(ids, values)
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

func (j *Job) rowOutcome(code native.Code, tolerance Tolerance) (bool, error) {
	outcome := j.translator.Translate(j.op, code, tolerance)
	switch outcome.Kind {
	case OutcomeOK:
		return false, nil
	case OutcomeTolerated:
		j.logger.Debug("job row tolerated", "op", j.op, "job_id", j.id, "code", int(outcome.Code))
		j.setTolerated(outcome.Code)
		return true, nil
	default:
		return true, outcome.Err
	}
}

func (j *Job) setTolerated(code native.Code) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tolerated = code
}

// Tolerated returns the tolerated code that ended a Rows sequence before
// its last row, or CodeOK when the sequence ran to completion. Rows cut
// short this way are a partial result.
func (j *Job) Tolerated() native.Code {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tolerated
}

func (j *Job) await(timeout time.Duration) error {
	j.mu.Lock()
	if j.state != statePending {
		j.mu.Unlock()
		return ErrConsumed
	}
	j.state = stateWaiting
	j.mu.Unlock()

	if !j.signal.WaitUntil(j.submitted.Add(timeout)) {
		j.abandon()
		if j.observer != nil {
			j.observer.JobTimedOut(j.op)
		}
		j.logger.Warn("job timed out", "op", j.op, "job_id", j.id, "timeout", timeout)
		return &TimeoutError{Op: j.op, Timeout: timeout}
	}

	elapsed := time.Since(j.submitted)
	code := j.surface.Result(j.handle)
	if j.observer != nil {
		j.observer.JobCompleted(j.op, code, elapsed)
	}
	j.logger.Debug("job completed", "op", j.op, "job_id", j.id, "code", int(code), "elapsed", elapsed)
	return nil
}

// release hands the native handle back once the result has been read.
func (j *Job) release() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != stateWaiting {
		return
	}
	j.state = stateConsumed
	j.surface.Release(j.handle)
}

// abandon gives up on the job. The handle is released when the late
// completion eventually arrives.
func (j *Job) abandon() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != stateWaiting {
		return
	}
	j.state = stateAbandoned
	go func() {
		<-j.signal.Done()
		j.surface.Release(j.handle)
	}()
}
