package job

import (
	"testing"
	"time"
)

func TestSignalFiredFromOtherGoroutine(t *testing.T) {
	s := NewSignal()
	if s.Fired() {
		t.Fatal("new signal must not be fired")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Fire()
	}()

	if !s.WaitUntil(time.Now().Add(2 * time.Second)) {
		t.Fatal("WaitUntil returned false before deadline")
	}
	if !s.Fired() {
		t.Fatal("Fired() = false after WaitUntil succeeded")
	}
}

func TestSignalFireIsIdempotent(t *testing.T) {
	s := NewSignal()
	s.Fire()
	s.Fire()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Fire")
	}
}

func TestSignalWaitUntilDeadline(t *testing.T) {
	s := NewSignal()
	start := time.Now()
	if s.WaitUntil(start.Add(30 * time.Millisecond)) {
		t.Fatal("WaitUntil reported fired for an unfired signal")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("WaitUntil returned after %s, before the deadline", elapsed)
	}
}

func TestSignalWaitUntilPastDeadline(t *testing.T) {
	s := NewSignal()
	s.Fire()
	if !s.WaitUntil(time.Now().Add(-time.Second)) {
		t.Fatal("fired signal must be observed even with a past deadline")
	}
}
