package sched

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"rtcore/internal/eventbus"
	"rtcore/internal/metrics"
	rt "rtcore/internal/runtime/supervisor"
	"rtcore/pkg/logx"
)

// WorkerProber is implemented by the worker supervisor. Probe must be a
// fast, non-blocking liveness check; a non-nil error counts as a failed
// run of the tracking task.
type WorkerProber interface {
	Probe(workerID string) error
}

// Options tune the scheduler instance.
type Options struct {
	// Workers sizes the shared dispatch pool. Task bodies are interleaved
	// across it; one slow body must not starve the rest.
	Workers int
	// FailureThreshold marks a task degraded after this many consecutive
	// body failures or deadline misses.
	FailureThreshold int
	// HistorySize bounds the per-task recent-run ring.
	HistorySize int
	// RunHook, when set, observes every completed run (storage sink).
	// Called on pool goroutines; must not block.
	RunHook func(task string, r Run)
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 32
	}
	return o
}

type runKind uint8

const (
	runPeriodic runKind = iota
	runImmediate
)

// entry is one pending slot in the due-time heap, keyed
// (due, priority, registration order) for deterministic tie-breaks.
type entry struct {
	due    time.Time
	prio   int
	regSeq uint64
	gen    uint64
	kind   runKind
	t      *task
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].regSeq < h[j].regSeq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any          { old := *h; n := len(old); e := old[n-1]; *h = old[:n-1]; return e }

type task struct {
	cfg    Config
	body   Body
	gen    uint64
	regSeq uint64

	// Run bookkeeping, guarded by its own mutex so the scheduler lock is
	// never held across a body.
	smu          sync.Mutex
	running      bool
	deferred     bool
	deferredAt   time.Time
	deferredKind runKind

	cancelled bool // guarded by Scheduler.mu
	nextRun   time.Time

	runCount   uint64
	missCount  uint64
	consecFail int
	consecMiss int
	degraded   bool
	lastJitter time.Duration
	jitterHist *metrics.Histogram
	recent     []Run
	recentPos  int
}

type dispatch struct {
	t     *task
	gen   uint64
	start time.Time
	kind  runKind
}

// Scheduler dispatches registered periodic tasks at their due times,
// tracking jitter and deadline compliance. Construct one explicitly and
// pass it by reference; there is no ambient instance.
type Scheduler struct {
	log  logx.Logger
	bus  eventbus.Bus
	reg  *metrics.Registry
	opts Options

	prober WorkerProber

	mu      sync.Mutex
	tasks   map[string]*task
	heap    entryHeap
	regSeq  uint64
	gen     uint64
	started bool
	stopped bool

	wake  chan struct{}
	queue chan dispatch
	sup   *rt.Supervisor
}

func New(opts Options, bus eventbus.Bus, reg *metrics.Registry, log logx.Logger) *Scheduler {
	if bus == nil {
		bus = eventbus.New()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Scheduler{
		log:   log,
		bus:   bus,
		reg:   reg,
		opts:  opts.withDefaults(),
		tasks: map[string]*task{},
		wake:  make(chan struct{}, 1),
		queue: make(chan dispatch, 256),
	}
}

// SetProber installs the liveness prober for isolated worker tasks.
// Must be called before Start.
func (s *Scheduler) SetProber(p WorkerProber) { s.prober = p }

// Start launches the scheduling loop and the dispatch pool.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.sup = rt.New(ctx, rt.WithLogger(s.log))
	for i := 0; i < s.opts.Workers; i++ {
		name := fmt.Sprintf("sched.pool.%d", i)
		s.sup.Go0(name, s.poolWorker)
	}
	s.sup.Go0("sched.loop", s.loop)
	s.log.Info("scheduler started", logx.Int("workers", s.opts.Workers))
	return nil
}

// Stop cancels all future scheduling and drains the pool, bounded by ctx.
// In-flight runs complete normally.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, t := range s.tasks {
		t.cancelled = true
	}
	sup := s.sup
	s.mu.Unlock()
	s.kick()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// Register schedules a new periodic task. The first run is due one full
// period from now. Registering an existing name fails with
// ErrDuplicateTask unless WithReplace is given, in which case the old
// task is swapped out atomically and its handle invalidated.
func (s *Scheduler) Register(cfg Config, body Body, opts ...RegisterOption) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := body.validate(); err != nil {
		return nil, err
	}
	if cfg.Isolated && body.Worker == "" {
		return nil, fmt.Errorf("%w: isolated task %q requires a worker body", ErrInvalidConfig, cfg.Name)
	}
	var ro registerOpts
	for _, o := range opts {
		o(&ro)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if old, ok := s.tasks[cfg.Name]; ok {
		if !ro.replace {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, cfg.Name)
		}
		old.cancelled = true
	}
	s.gen++
	s.regSeq++
	t := &task{
		cfg:        cfg,
		body:       body,
		gen:        s.gen,
		regSeq:     s.regSeq,
		nextRun:    time.Now().Add(cfg.Period),
		jitterHist: metrics.NewHistogram(),
		recent:     make([]Run, 0, s.opts.HistorySize),
	}
	s.tasks[cfg.Name] = t
	s.pushLocked(entry{due: t.nextRun, prio: cfg.Priority, regSeq: t.regSeq, gen: t.gen, kind: runPeriodic, t: t})
	s.mu.Unlock()

	s.reg.SetTaskPeriod(cfg.Name, cfg.Period)
	s.kick()
	s.log.Info("task registered",
		logx.String("task", cfg.Name),
		logx.Duration("period", cfg.Period),
		logx.Int("priority", cfg.Priority),
		logx.Bool("isolated", cfg.Isolated))
	return &Handle{s: s, name: cfg.Name, gen: t.gen}, nil
}

// RunImmediately reprioritizes a task to the next scheduling opportunity
// ahead of its normal period (safety escalation). The regular cadence is
// unaffected.
func (s *Scheduler) RunImmediately(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok || t.cancelled {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.pushLocked(entry{due: time.Now(), prio: t.cfg.Priority, regSeq: t.regSeq, gen: t.gen, kind: runImmediate, t: t})
	s.mu.Unlock()
	s.kick()
	s.log.Warn("task escalated to immediate run", logx.String("task", name))
	return nil
}

// Snapshot lists telemetry for every registered task.
func (s *Scheduler) Snapshot() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.cancelled {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.smu.Lock()
		out = append(out, TaskStatus{
			Name:              t.cfg.Name,
			Period:            t.cfg.Period,
			Priority:          t.cfg.Priority,
			Isolated:          t.cfg.Isolated,
			Degraded:          t.degraded,
			RunCount:          t.runCount,
			DeadlineMissCount: t.missCount,
			LastJitter:        t.lastJitter,
			NextRun:           t.nextRun,
		})
		t.smu.Unlock()
	}
	return out
}

func (s *Scheduler) pushLocked(e entry) {
	heap.Push(&s.heap, e)
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		now := time.Now()
		// Dispatch everything due at or before now; heap order already is
		// (due, priority, registration order).
		for len(s.heap) > 0 && !s.heap[0].due.After(now) {
			e := heap.Pop(&s.heap).(entry)
			if e.t.cancelled || e.t.gen != e.gen {
				continue
			}
			s.dispatchLocked(e)
		}
		wait := time.Hour
		if len(s.heap) > 0 {
			wait = time.Until(s.heap[0].due)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatchLocked hands a due entry to the pool. Called with s.mu held;
// must not block.
func (s *Scheduler) dispatchLocked(e entry) {
	d := dispatch{t: e.t, gen: e.gen, start: e.due, kind: e.kind}
	select {
	case s.queue <- d:
	default:
		// Pool backlog full: the shared context is overloaded. Skip this
		// slot and keep the cadence rather than stalling the loop.
		s.log.Error("dispatch queue full, skipping run", logx.String("task", e.t.cfg.Name))
		if e.kind == runPeriodic {
			s.rescheduleLocked(e.t, e.due.Add(e.t.cfg.Period))
		}
	}
}

func (s *Scheduler) rescheduleLocked(t *task, due time.Time) {
	if t.cancelled || s.stopped {
		return
	}
	t.smu.Lock()
	t.nextRun = due
	t.smu.Unlock()
	s.pushLocked(entry{due: due, prio: t.cfg.Priority, regSeq: t.regSeq, gen: t.gen, kind: runPeriodic, t: t})
}

func (s *Scheduler) poolWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.queue:
			s.execute(ctx, d)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, d dispatch) {
	t := d.t

	// Cancellation can land while the dispatch waits in the pool queue; a
	// cancelled task must not run even if its slot was already handed off.
	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	t.smu.Lock()
	if t.running {
		// No-overlap invariant: a slow run delays but never parallelizes
		// with its own next run. Remember the earliest deferred slot and
		// fire it as soon as the in-flight run returns. A deferred periodic
		// slot keeps its kind so the replay reschedules the cadence.
		if !t.deferred {
			t.deferred = true
			t.deferredAt = d.start
			t.deferredKind = d.kind
		} else {
			if d.start.Before(t.deferredAt) {
				t.deferredAt = d.start
			}
			if d.kind == runPeriodic {
				t.deferredKind = runPeriodic
			}
		}
		t.smu.Unlock()
		return
	}
	t.running = true
	t.smu.Unlock()

	actualStart := time.Now()
	err := s.invoke(ctx, t)
	actualFinish := time.Now()

	run := Run{ScheduledStart: d.start, ActualStart: actualStart, ActualFinish: actualFinish}
	if err != nil {
		run.Err = err.Error()
	}
	s.finishRun(t, run, err)

	// Reschedule the cadence before firing any deferred immediate slot so
	// scheduled_start stays monotonic per task.
	if d.kind == runPeriodic {
		s.mu.Lock()
		s.rescheduleLocked(t, d.start.Add(t.cfg.Period))
		s.mu.Unlock()
		s.kick()
	}

	t.smu.Lock()
	t.running = false
	deferred := t.deferred
	deferredAt := t.deferredAt
	deferredKind := t.deferredKind
	t.deferred = false
	t.deferredAt = time.Time{}
	t.deferredKind = runImmediate
	t.smu.Unlock()

	if deferred {
		s.execute(ctx, dispatch{t: t, gen: d.gen, start: deferredAt, kind: deferredKind})
	}
}

// invoke runs the body with panic containment; errors never escape the
// dispatch boundary.
func (s *Scheduler) invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task body panicked",
				logx.String("task", t.cfg.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	if t.body.Func != nil {
		return t.body.Func(ctx)
	}
	if s.prober == nil {
		return fmt.Errorf("no prober installed for worker task %q", t.cfg.Name)
	}
	return s.prober.Probe(t.body.Worker)
}

func (s *Scheduler) finishRun(t *task, run Run, err error) {
	jitter := run.Jitter()
	if jitter < 0 {
		jitter = 0
	}
	latency := run.ActualFinish.Sub(run.ScheduledStart)
	miss := run.ActualFinish.After(run.ScheduledStart.Add(t.cfg.Deadline))
	run.Missed = miss

	t.smu.Lock()
	t.runCount++
	t.lastJitter = jitter
	t.jitterHist.Observe(jitter)
	if len(t.recent) < cap(t.recent) {
		t.recent = append(t.recent, run)
	} else if cap(t.recent) > 0 {
		t.recent[t.recentPos%cap(t.recent)] = run
	}
	t.recentPos++

	if err != nil {
		t.consecFail++
	} else {
		t.consecFail = 0
	}
	if miss {
		t.missCount++
		t.consecMiss++
	} else {
		t.consecMiss = 0
	}

	wasDegraded := t.degraded
	if t.consecFail >= s.opts.FailureThreshold || t.consecMiss >= s.opts.FailureThreshold {
		t.degraded = true
	} else if err == nil && !miss {
		t.degraded = false
	}
	nowDegraded := t.degraded
	consecFail := t.consecFail
	consecMiss := t.consecMiss
	t.smu.Unlock()

	s.reg.ObserveRun(t.cfg.Name, jitter, latency, miss)

	if err != nil {
		s.log.Error("task run failed",
			logx.String("task", t.cfg.Name),
			logx.Time("scheduled", run.ScheduledStart),
			logx.Duration("jitter", jitter),
			logx.Err(err))
	}
	if miss {
		s.log.Warn("task deadline miss",
			logx.String("task", t.cfg.Name),
			logx.Duration("latency", latency),
			logx.Duration("deadline", t.cfg.Deadline))
	}
	if nowDegraded && !wasDegraded {
		s.log.Error("task degraded",
			logx.String("task", t.cfg.Name),
			logx.Int("consecutive_failures", consecFail),
			logx.Int("consecutive_misses", consecMiss))
		s.bus.Publish(eventbus.TopicTaskDegraded, DegradedEvent{
			Task:                t.cfg.Name,
			ConsecutiveFailures: consecFail,
			ConsecutiveMisses:   consecMiss,
		})
	} else if wasDegraded && !nowDegraded {
		s.log.Info("task recovered", logx.String("task", t.cfg.Name))
	}

	if s.opts.RunHook != nil {
		s.opts.RunHook(t.cfg.Name, run)
	}
}

func (s *Scheduler) cancel(name string, gen uint64) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok || t.gen != gen {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	t.cancelled = true
	delete(s.tasks, name)
	s.mu.Unlock()

	s.reg.RemoveTask(name)
	s.kick()
	s.log.Info("task cancelled", logx.String("task", name))
	return nil
}

func (s *Scheduler) lookup(name string, gen uint64) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok || t.gen != gen || t.cancelled {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}
