package transport

import (
	"sync"
	"time"
)

// Handle is the RequestHandle implementation shared by the bundled drivers.
// Drivers call TryComplete when a correlated reply arrives; a closed handle
// discards the reply, which is how a disposed correlator drops late responses
// on topic destinations.
type Handle struct {
	mu        sync.Mutex
	deadline  time.Time
	completed bool
	closed    bool
	onClose   func()
}

// NewHandle creates a handle. onClose, if non-nil, runs once when the handle
// is closed and is where drivers remove their correlator entry.
func NewHandle(onClose func()) *Handle {
	return &Handle{onClose: onClose}
}

// Deadline implements RequestHandle.
func (h *Handle) Deadline() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadline
}

// SetDeadline implements RequestHandle.
func (h *Handle) SetDeadline(t time.Time) {
	h.mu.Lock()
	h.deadline = t
	h.mu.Unlock()
}

// Completed implements RequestHandle.
func (h *Handle) Completed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// TryComplete marks the handle completed and reports whether the response
// should still be delivered. It returns false if the handle was closed or a
// response was already delivered.
func (h *Handle) TryComplete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.completed {
		return false
	}
	h.completed = true
	return true
}

// Close implements RequestHandle. Closing is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	onClose := h.onClose
	h.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}
