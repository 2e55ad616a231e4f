package engine

import (
	"sync"
	"time"

	"github.com/drblury/busflow/internal/engine/errors"
	"github.com/drblury/busflow/transport"
)

// requestTracker watches outstanding request handles and fails them when
// their deadline passes. Completed handles are swept on the next tick so
// their correlator entries are released promptly.
type requestTracker struct {
	mu      sync.Mutex
	pending map[transport.RequestHandle]trackedRequest
	stopped bool

	worker *scheduleWorker
}

type trackedRequest struct {
	destination string
	timeout     time.Duration
	onFailure   func(error)
}

func newRequestTracker() *requestTracker {
	t := &requestTracker{
		pending: make(map[transport.RequestHandle]trackedRequest),
	}
	t.worker = newScheduleWorker(t.sweep)
	return t
}

// Register sets the handle's deadline and starts watching it. onFailure is
// invoked with a timeout error if no response arrives in time.
func (t *requestTracker) Register(handle transport.RequestHandle, destination string, timeout time.Duration, onFailure func(error)) {
	handle.SetDeadline(time.Now().Add(timeout))

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		handle.Close()
		onFailure(errors.ErrShutdown)
		return
	}
	t.pending[handle] = trackedRequest{destination: destination, timeout: timeout, onFailure: onFailure}
	t.mu.Unlock()

	t.worker.ScheduleAfter(timeout)
}

// Tick schedules a sweep shortly. The request coordinator calls it after a
// response arrives so the completed handle does not linger until its
// deadline.
func (t *requestTracker) Tick() {
	t.worker.ScheduleAfter(time.Millisecond)
}

// Outstanding reports the number of watched requests.
func (t *requestTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *requestTracker) sweep() {
	now := time.Now()

	t.mu.Lock()
	type swept struct {
		handle transport.RequestHandle
		req    trackedRequest
	}
	var due []swept
	next := time.Time{}
	for handle, req := range t.pending {
		deadline := handle.Deadline()
		if handle.Completed() || !deadline.After(now) {
			due = append(due, swept{handle, req})
			delete(t.pending, handle)
			continue
		}
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	t.mu.Unlock()

	for _, s := range due {
		completed := s.handle.Completed()
		s.handle.Close()
		if !completed {
			s.req.onFailure(&errors.TimeoutError{
				Destination: s.req.destination,
				Timeout:     s.req.timeout.String(),
			})
		}
	}
	if !next.IsZero() {
		t.worker.ScheduleAfter(time.Until(next))
	}
}

// StopAll fails every outstanding request as timed out and rejects further
// registrations. Shutdown calls it first so synchronous waiters unblock.
func (t *requestTracker) StopAll() {
	t.worker.Stop()

	t.mu.Lock()
	t.stopped = true
	pending := t.pending
	t.pending = make(map[transport.RequestHandle]trackedRequest)
	t.mu.Unlock()

	for handle, req := range pending {
		completed := handle.Completed()
		handle.Close()
		if !completed {
			req.onFailure(&errors.TimeoutError{
				Destination: req.destination,
				Timeout:     req.timeout.String(),
			})
		}
	}
}
