package sched

import (
	"sync"
	"time"
)

// RegisterOption tunes a single registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	replace bool
}

// WithReplace lets a registration atomically replace an active task with
// the same name instead of failing with ErrDuplicateTask. The previous
// handle becomes invalid.
func WithReplace() RegisterOption {
	return func(o *registerOpts) { o.replace = true }
}

// Handle is a caller-held reference to one registration of a task.
// It is bound to that registration: after Cancel, or after the task is
// replaced, inspection calls fail with ErrNotFound.
type Handle struct {
	s    *Scheduler
	name string
	gen  uint64

	mu        sync.Mutex
	cancelled bool
}

func (h *Handle) Name() string { return h.name }

// Cancel removes pending and future runs. Idempotent: cancelling an
// already-cancelled handle is a no-op. An execution already in flight
// completes normally.
func (h *Handle) Cancel() error {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	h.mu.Unlock()
	return h.s.cancel(h.name, h.gen)
}

// Stats snapshots the task's run statistics.
func (h *Handle) Stats() (Stats, error) {
	t, err := h.s.lookup(h.name, h.gen)
	if err != nil {
		return Stats{}, err
	}

	t.smu.Lock()
	defer t.smu.Unlock()
	st := Stats{
		RunCount:            t.runCount,
		DeadlineMissCount:   t.missCount,
		ConsecutiveFailures: t.consecFail,
		Degraded:            t.degraded,
		LastJitter:          t.lastJitter,
		JitterHistogram:     t.jitterHist.Clone(),
	}
	// Oldest-first copy of the recent-run ring.
	if n := len(t.recent); n > 0 {
		st.Recent = make([]Run, 0, n)
		start := 0
		if t.recentPos > n {
			start = t.recentPos % n
		}
		for i := 0; i < n; i++ {
			st.Recent = append(st.Recent, t.recent[(start+i)%n])
		}
	}
	return st, nil
}

// NextDeadline reports when the next scheduled run must finish.
func (h *Handle) NextDeadline() (time.Time, error) {
	t, err := h.s.lookup(h.name, h.gen)
	if err != nil {
		return time.Time{}, err
	}
	t.smu.Lock()
	defer t.smu.Unlock()
	return t.nextRun.Add(t.cfg.Deadline), nil
}

// RunImmediately escalates this task to the next scheduling opportunity.
func (h *Handle) RunImmediately() error {
	if _, err := h.s.lookup(h.name, h.gen); err != nil {
		return err
	}
	return h.s.RunImmediately(h.name)
}
