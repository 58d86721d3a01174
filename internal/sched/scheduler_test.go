package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtcore/internal/eventbus"
	"rtcore/internal/metrics"
	"rtcore/pkg/logx"
)

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(opts, bus, metrics.NewRegistry(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = s.Stop(sctx)
		cancel()
	})
	return s, bus
}

func TestPeriodicCadence(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{})

	var mu sync.Mutex
	var starts []time.Time
	h, err := s.Register(Config{
		Name:     "cadence",
		Period:   50 * time.Millisecond,
		Deadline: 40 * time.Millisecond,
	}, Body{Func: func(context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	// Scheduled starts in the recorded history advance by exactly one
	// period regardless of per-run lateness.
	stats, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	_ = h.Cancel()

	mu.Lock()
	n := len(starts)
	mu.Unlock()
	if n < 4 {
		t.Fatalf("run count = %d, want at least 4", n)
	}
	for i := 1; i < len(stats.Recent); i++ {
		gap := stats.Recent[i].ScheduledStart.Sub(stats.Recent[i-1].ScheduledStart)
		if gap != 50*time.Millisecond {
			t.Fatalf("scheduled gap = %v, want 50ms", gap)
		}
	}
}

func TestNoOverlap(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{Workers: 4})

	var inFlight, maxInFlight int32
	h, err := s.Register(Config{
		Name:     "slow",
		Period:   30 * time.Millisecond,
		Deadline: 25 * time.Millisecond,
	}, Body{Func: func(context.Context) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	_ = h.Cancel()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
}

func TestCancelStopsRuns(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{})

	var runs atomic.Int64
	h, err := s.Register(Config{
		Name:     "cancelme",
		Period:   20 * time.Millisecond,
		Deadline: 15 * time.Millisecond,
	}, Body{Func: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	// Second cancel is a no-op, not an error.
	if err := h.Cancel(); err != nil {
		t.Fatalf("second Cancel error: %v", err)
	}

	settled := runs.Load()
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != settled {
		t.Fatalf("runs after cancel: %d -> %d", settled, got)
	}

	if _, err := h.Stats(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stats after cancel: err = %v, want ErrNotFound", err)
	}
}

func TestRunImmediately(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{})

	ran := make(chan struct{}, 8)
	h, err := s.Register(Config{
		Name:     "urgent",
		Period:   5 * time.Second,
		Deadline: time.Second,
	}, Body{Func: func(context.Context) error {
		ran <- struct{}{}
		return nil
	}})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	defer h.Cancel()

	// The first periodic slot is far away; an escalation runs now.
	if err := h.RunImmediately(); err != nil {
		t.Fatalf("RunImmediately error: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate run did not fire")
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{})

	noop := Body{Func: func(context.Context) error { return nil }}

	if _, err := s.Register(Config{Name: "", Period: time.Second, Deadline: time.Second}, noop); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty name: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := s.Register(Config{Name: "x", Period: 0, Deadline: time.Second}, noop); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero period: err = %v, want ErrInvalidConfig", err)
	}
	if _, err := s.Register(Config{Name: "x", Period: time.Second, Deadline: time.Second}, Body{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty body: err = %v, want ErrInvalidConfig", err)
	}

	if _, err := s.Register(Config{Name: "dup", Period: time.Second, Deadline: time.Second}, noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := s.Register(Config{Name: "dup", Period: time.Second, Deadline: time.Second}, noop); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate: err = %v, want ErrDuplicateTask", err)
	}
}

func TestReplaceInvalidatesOldHandle(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{})

	noop := Body{Func: func(context.Context) error { return nil }}
	old, err := s.Register(Config{Name: "swap", Period: time.Second, Deadline: time.Second}, noop)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	repl, err := s.Register(Config{Name: "swap", Period: time.Second, Deadline: time.Second}, noop, WithReplace())
	if err != nil {
		t.Fatalf("replace register: %v", err)
	}
	defer repl.Cancel()

	if _, err := old.Stats(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old handle Stats: err = %v, want ErrNotFound", err)
	}
	if _, err := repl.Stats(); err != nil {
		t.Fatalf("new handle Stats: %v", err)
	}
}

func TestDegradedEventOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s, bus := newTestScheduler(t, Options{FailureThreshold: 3})

	events, unsub := bus.Subscribe(eventbus.TopicTaskDegraded, 8)
	defer unsub()

	h, err := s.Register(Config{
		Name:     "failing",
		Period:   20 * time.Millisecond,
		Deadline: 15 * time.Millisecond,
	}, Body{Func: func(context.Context) error {
		return errors.New("device offline")
	}})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	defer h.Cancel()

	select {
	case ev := <-events:
		de, ok := ev.Data.(DegradedEvent)
		if !ok {
			t.Fatalf("unexpected event payload: %T", ev.Data)
		}
		if de.Task != "failing" || de.ConsecutiveFailures < 3 {
			t.Fatalf("unexpected degraded event: %+v", de)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no degraded event")
	}
}

func TestCancelDropsQueuedDispatch(t *testing.T) {
	t.Parallel()
	// One pool worker so a blocked body holds up every queued dispatch.
	s, _ := newTestScheduler(t, Options{Workers: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	if _, err := s.Register(Config{
		Name:     "blocker",
		Period:   30 * time.Millisecond,
		Deadline: time.Second,
	}, Body{Func: func(context.Context) error {
		startOnce.Do(func() { close(started) })
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Register blocker: %v", err)
	}
	<-started

	var ran atomic.Bool
	h, err := s.Register(Config{
		Name:     "target",
		Period:   30 * time.Millisecond,
		Deadline: time.Second,
	}, Body{Func: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	if err != nil {
		t.Fatalf("Register target: %v", err)
	}

	// Let the target's slot come due and queue behind the blocked pool,
	// then cancel it before the pool frees up.
	time.Sleep(100 * time.Millisecond)
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	close(release)

	time.Sleep(200 * time.Millisecond)
	if ran.Load() {
		t.Fatal("body ran after cancellation completed")
	}
}

func TestDeferredPeriodicKeepsCadence(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Options{})

	var runs atomic.Int64
	started := make(chan struct{})
	var startOnce sync.Once
	if _, err := s.Register(Config{
		Name:     "slow",
		Period:   50 * time.Millisecond,
		Deadline: time.Second,
	}, Body{Func: func(context.Context) error {
		runs.Add(1)
		startOnce.Do(func() { close(started) })
		time.Sleep(120 * time.Millisecond)
		return nil
	}}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// Escalate while the first run is in flight: the extra slot defers
	// behind it, and the periodic cadence must survive the collision.
	<-started
	if err := s.RunImmediately("slow"); err != nil {
		t.Fatalf("RunImmediately error: %v", err)
	}

	time.Sleep(700 * time.Millisecond)
	if got := runs.Load(); got < 4 {
		t.Fatalf("run count = %d, want at least 4 (cadence died)", got)
	}
}

func TestPriorityTieBreakDeterminism(t *testing.T) {
	t.Parallel()

	// Heap ordering only; no running scheduler needed.
	now := time.Now()
	h := entryHeap{}
	mk := func(prio int, seq uint64) entry {
		return entry{due: now, prio: prio, regSeq: seq, t: &task{}}
	}
	for _, e := range []entry{mk(5, 3), mk(1, 2), mk(1, 1), mk(9, 0)} {
		h = append(h, e)
	}
	order := func(h entryHeap, i, j int) bool { return h.Less(i, j) }

	// Same due time: lower priority value first, then registration order.
	if !order(h, 2, 1) {
		t.Fatal("regSeq 1 should sort before regSeq 2 at equal priority")
	}
	if !order(h, 1, 0) {
		t.Fatal("priority 1 should sort before priority 5")
	}
	if order(h, 3, 2) {
		t.Fatal("priority 9 must not sort before priority 1")
	}
}
