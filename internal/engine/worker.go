package engine

import (
	"sync"
	"time"
)

// scheduleWorker is a single-shot re-arming timer. ScheduleAfter moves the
// next fire time earlier but never later; when the timer fires, the worker
// invokes its callback once and parks until the next ScheduleAfter. The
// deferred-ack scheduler and the request tracker each own one.
type scheduleWorker struct {
	fire func()

	mu       sync.Mutex
	timer    *time.Timer
	nextFire time.Time
	stopped  bool
}

func newScheduleWorker(fire func()) *scheduleWorker {
	return &scheduleWorker{fire: fire}
}

// ScheduleAfter arms the worker to fire after delay. If an earlier fire is
// already pending, the earlier time wins.
func (w *scheduleWorker) ScheduleAfter(delay time.Duration) {
	due := time.Now().Add(delay)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		if due.After(w.nextFire) {
			return
		}
		w.timer.Stop()
	}
	w.nextFire = due
	w.timer = time.AfterFunc(delay, w.onFire)
}

func (w *scheduleWorker) onFire() {
	w.mu.Lock()
	w.timer = nil
	stopped := w.stopped
	w.mu.Unlock()

	if !stopped {
		w.fire()
	}
}

// Stop cancels any pending fire. A stopped worker ignores ScheduleAfter.
func (w *scheduleWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
