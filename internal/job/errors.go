package job

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cochaviz/vmauto/internal/native"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("job: timed out waiting for completion")
	// ErrConsumed is returned when a job's result is read a second time.
	ErrConsumed = errors.New("job: result already consumed")
	// ErrTypeMismatch is returned when a property cannot be stored in the
	// requested destination type.
	ErrTypeMismatch = errors.New("job: property type mismatch")
)

// TimeoutError reports that a job did not complete within its bound. The
// native operation is abandoned, not cancelled.
type TimeoutError struct {
	Op      native.Operation
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// OperationError carries a native failure code and its resolved message.
type OperationError struct {
	Op      native.Operation
	Code    native.Code
	Message string
}

func (e *OperationError) Error() string {
	if e.Op == native.OpNone {
		return fmt.Sprintf("native error %d: %s", int(e.Code), e.Message)
	}
	return fmt.Sprintf("%s: native error %d: %s", e.Op, int(e.Code), e.Message)
}

// CodeOf extracts the native code from err, or CodeOK when err does not wrap
// an *OperationError.
func CodeOf(err error) native.Code {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return native.CodeOK
}

// IsCode reports whether err wraps an *OperationError with one of codes.
func IsCode(err error, codes ...native.Code) bool {
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return false
	}
	return slices.Contains(codes, opErr.Code)
}

// Tolerance is the set of codes an algorithm treats as a normal outcome.
// It belongs to the call site; the same code can be fatal elsewhere.
type Tolerance []native.Code

// Tolerate builds a Tolerance from codes.
func Tolerate(codes ...native.Code) Tolerance {
	return Tolerance(codes)
}

// Allows reports whether code is part of t.
func (t Tolerance) Allows(code native.Code) bool {
	return slices.Contains(t, code)
}

// OutcomeKind classifies a translated native code.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeTolerated
	OutcomeFailure
)

// Outcome is the result of translating a native code.
type Outcome struct {
	Kind OutcomeKind
	Code native.Code
	Err  error
}

// Translator resolves native codes into outcomes.
type Translator struct {
	Messages interface {
		ErrorText(code native.Code, locale string) string
	}
	Locale string
}

// Translate maps code to an Outcome. Codes in tolerance become
// OutcomeTolerated; any other non-zero code becomes an *OperationError.
func (tr Translator) Translate(op native.Operation, code native.Code, tolerance Tolerance) Outcome {
	switch {
	case code == native.CodeOK:
		return Outcome{Kind: OutcomeOK, Code: code}
	case tolerance.Allows(code):
		return Outcome{Kind: OutcomeTolerated, Code: code}
	default:
		return Outcome{Kind: OutcomeFailure, Code: code, Err: tr.Error(op, code)}
	}
}

// Error builds the *OperationError for code.
func (tr Translator) Error(op native.Operation, code native.Code) *OperationError {
	locale := tr.Locale
	if locale == "" {
		locale = native.DefaultLocale
	}
	var message string
	if tr.Messages != nil {
		message = tr.Messages.ErrorText(code, locale)
	} else {
		message = native.Message(code, locale)
	}
	return &OperationError{Op: op, Code: code, Message: message}
}
