package task

import (
	"fmt"
	"time"

	"github.com/cochaviz/vmauto/internal/job"
)

// Step is one element of a Sequence.
type Step struct {
	Name string
	Run  func() error
}

// StepError reports which step of a sequence failed.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Sequence runs steps one at a time, each starting only after the previous
// one finished. The first failure skips every remaining step and becomes the
// error of the returned task. Sequence itself returns immediately.
func Sequence(steps ...Step) *Task[struct{}] {
	acc := Resolved(struct{}{})
	for i, step := range steps {
		acc = Then(acc, func(struct{}) (struct{}, error) {
			if err := step.Run(); err != nil {
				return struct{}{}, &StepError{Index: i, Name: step.Name, Err: err}
			}
			return struct{}{}, nil
		})
	}
	return acc
}

// JobStep adapts a function that submits a job into a Step which waits for
// that job for at most timeout.
func JobStep(name string, start func() (*job.Job, error), timeout time.Duration) Step {
	return Step{
		Name: name,
		Run: func() error {
			j, err := start()
			if err != nil {
				return err
			}
			return j.Wait(timeout)
		},
	}
}
