package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/drblury/busflow/internal/engine/logging"
)

// deferredAck is an acknowledgement whose commit is postponed to dueTime.
type deferredAck struct {
	dueTime time.Time
	thunk   func()
}

// ackScheduler holds deferred acknowledgements and fires them when due.
// Entries are snapshotted and removed under the lock, then invoked outside
// it, so a concurrent ForceDrain can never double-fire a thunk.
type ackScheduler struct {
	logger logging.ServiceLogger

	mu      sync.Mutex
	pending []deferredAck

	worker *scheduleWorker
}

func newAckScheduler(logger logging.ServiceLogger) *ackScheduler {
	s := &ackScheduler{logger: logger}
	s.worker = newScheduleWorker(s.fireDue)
	return s
}

// ScheduleAfter runs thunk after delay. A zero delay invokes it inline.
func (s *ackScheduler) ScheduleAfter(delay time.Duration, thunk func()) {
	if delay <= 0 {
		s.invoke(thunk)
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, deferredAck{dueTime: time.Now().Add(delay), thunk: thunk})
	s.mu.Unlock()

	s.worker.ScheduleAfter(delay)
}

func (s *ackScheduler) fireDue() {
	now := time.Now()

	s.mu.Lock()
	var due []deferredAck
	remaining := s.pending[:0]
	next := time.Time{}
	for _, entry := range s.pending {
		if !entry.dueTime.After(now) {
			due = append(due, entry)
			continue
		}
		remaining = append(remaining, entry)
		if next.IsZero() || entry.dueTime.Before(next) {
			next = entry.dueTime
		}
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, entry := range due {
		s.invoke(entry.thunk)
	}
	if !next.IsZero() {
		s.worker.ScheduleAfter(time.Until(next))
	}
}

// ForceDrain executes every pending acknowledgement regardless of due time.
// Shutdown calls it so no ack is lost.
func (s *ackScheduler) ForceDrain() {
	s.mu.Lock()
	drained := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, entry := range drained {
		s.invoke(entry.thunk)
	}
}

func (s *ackScheduler) invoke(thunk func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("deferred acknowledgement failed", logging.LogFields{
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	thunk()
}

// Close stops the worker. Pending entries are not fired; callers drain first.
func (s *ackScheduler) Close() error {
	s.worker.Stop()
	return nil
}
