package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/transport"
)

func TestTrackerFailsRequestOnDeadline(t *testing.T) {
	tracker := newRequestTracker()
	defer tracker.StopAll()

	handle := transport.NewHandle(nil)
	failed := make(chan error, 1)
	tracker.Register(handle, "orders", 50*time.Millisecond, func(err error) { failed <- err })

	select {
	case err := <-failed:
		if !errors.IsTimeout(err) {
			t.Fatalf("onFailure error = %v, want timeout kind", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFailure never fired")
	}

	if tracker.Outstanding() != 0 {
		t.Fatalf("outstanding = %d after timeout, want 0", tracker.Outstanding())
	}
}

func TestTrackerSweepsCompletedWithoutFailing(t *testing.T) {
	tracker := newRequestTracker()
	defer tracker.StopAll()

	handle := transport.NewHandle(nil)
	var failures atomic.Int32
	tracker.Register(handle, "orders", time.Hour, func(error) { failures.Add(1) })

	handle.TryComplete()
	tracker.Tick()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.Outstanding() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("completed handle was never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := failures.Load(); got != 0 {
		t.Fatalf("onFailure fired %d times for a completed request, want 0", got)
	}
}

func TestStopAllFailsEveryOutstandingRequest(t *testing.T) {
	tracker := newRequestTracker()

	var failures atomic.Int32
	for i := 0; i < 3; i++ {
		tracker.Register(transport.NewHandle(nil), "orders", time.Hour, func(err error) {
			if errors.IsTimeout(err) {
				failures.Add(1)
			}
		})
	}

	tracker.StopAll()
	if got := failures.Load(); got != 3 {
		t.Fatalf("StopAll failed %d requests, want 3", got)
	}
	if tracker.Outstanding() != 0 {
		t.Fatalf("outstanding = %d after StopAll, want 0", tracker.Outstanding())
	}
}

func TestRegisterAfterStopFailsImmediately(t *testing.T) {
	tracker := newRequestTracker()
	tracker.StopAll()

	failed := make(chan error, 1)
	tracker.Register(transport.NewHandle(nil), "orders", time.Hour, func(err error) { failed <- err })

	select {
	case err := <-failed:
		if !errors.IsShutdown(err) {
			t.Fatalf("onFailure error = %v, want shutdown", err)
		}
	default:
		t.Fatal("register after stop did not fail synchronously")
	}
}

func TestFailureFiresAtMostOncePerRequest(t *testing.T) {
	tracker := newRequestTracker()

	handle := transport.NewHandle(nil)
	var failures atomic.Int32
	tracker.Register(handle, "orders", 30*time.Millisecond, func(error) { failures.Add(1) })

	time.Sleep(150 * time.Millisecond)
	tracker.StopAll()

	if got := failures.Load(); got != 1 {
		t.Fatalf("onFailure fired %d times, want exactly 1", got)
	}
}
