package engine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerFiresOnce(t *testing.T) {
	var fires atomic.Int32
	w := newScheduleWorker(func() { fires.Add(1) })
	defer w.Stop()

	w.ScheduleAfter(20 * time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	if got := fires.Load(); got != 1 {
		t.Fatalf("worker fired %d times, want 1", got)
	}
}

func TestEarlierScheduleWins(t *testing.T) {
	fired := make(chan time.Time, 1)
	w := newScheduleWorker(func() { fired <- time.Now() })
	defer w.Stop()

	start := time.Now()
	w.ScheduleAfter(time.Hour)
	w.ScheduleAfter(30 * time.Millisecond)

	select {
	case at := <-fired:
		if elapsed := at.Sub(start); elapsed > 2*time.Second {
			t.Fatalf("worker fired after %v, earlier schedule did not win", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never fired")
	}
}

func TestLaterScheduleDoesNotPostpone(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := newScheduleWorker(func() { fired <- struct{}{} })
	defer w.Stop()

	w.ScheduleAfter(30 * time.Millisecond)
	w.ScheduleAfter(time.Hour)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("pending earlier fire was postponed by a later schedule")
	}
}

func TestStoppedWorkerIgnoresSchedules(t *testing.T) {
	var fires atomic.Int32
	w := newScheduleWorker(func() { fires.Add(1) })

	w.Stop()
	w.ScheduleAfter(10 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	if got := fires.Load(); got != 0 {
		t.Fatalf("stopped worker fired %d times, want 0", got)
	}
}
