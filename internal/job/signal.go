package job

import (
	"sync"
	"time"
)

// Signal is a one-shot completion flag. The native callback fires it from an
// arbitrary goroutine; any number of readers may observe it.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire marks the signal as set. Only the first call has an effect.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.done) })
}

// Fired reports whether Fire has been called, without blocking.
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// WaitUntil blocks until the signal fires or deadline passes and reports
// whether the signal fired. A signal that fires exactly at the deadline
// counts as fired.
func (s *Signal) WaitUntil(deadline time.Time) bool {
	if s.Fired() {
		return true
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-s.done:
		return true
	case <-timer.C:
		return s.Fired()
	}
}
