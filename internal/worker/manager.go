package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"rtcore/internal/channel"
	"rtcore/internal/eventbus"
	"rtcore/internal/metrics"
	rt "rtcore/internal/runtime/supervisor"
	"rtcore/internal/sched"
	"rtcore/internal/wire"
	"rtcore/pkg/logx"
)

// ManagerOptions wire the manager into the rest of the coordinator.
type ManagerOptions struct {
	// Defaults apply to any Spec field left zero.
	Defaults Config
	// Scheduler, when set, gets an isolated tracking task per worker so
	// worker liveness shows up in the scheduler's telemetry. Failure
	// detection itself never depends on it (see doc.go).
	Scheduler *sched.Scheduler
	// OnData is invoked with the fresh data ring every time a worker
	// context (re)starts; the daemon uses it to attach the bridge.
	OnData func(workerID string, ring *channel.Ring)
}

// Manager owns the isolated execution contexts that run high-rate device
// loops, detects their failure via heartbeats and restarts them with
// exponential backoff up to a ceiling.
type Manager struct {
	log      logx.Logger
	bus      eventbus.Bus
	reg      *metrics.Registry
	launcher Launcher
	opts     ManagerOptions

	sup *rt.Supervisor

	mu      sync.Mutex
	workers map[string]*workerStateMachine
	started bool
	stopped bool
}

type workerStateMachine struct {
	spec Spec
	cfg  Config

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu            sync.Mutex
	state         State
	stopGrace     time.Duration
	lastHeartbeat time.Time
	consecMisses  int
	restartCount  int
	backoffUntil  time.Time
	control       *channel.Control
	ring          *channel.Ring
	trackHandle   *sched.Handle
}

func NewManager(l Launcher, opts ManagerOptions, bus eventbus.Bus, reg *metrics.Registry, log logx.Logger) *Manager {
	if bus == nil {
		bus = eventbus.New()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Manager{
		log:      log,
		bus:      bus,
		reg:      reg,
		launcher: l,
		opts:     opts,
		workers:  map[string]*workerStateMachine{},
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("worker: manager stopped")
	}
	if m.started {
		return nil
	}
	m.started = true
	m.sup = rt.New(ctx, rt.WithLogger(m.log))
	return nil
}

// Spawn starts an isolated context for the spec and begins supervising
// it. At most one live context exists per id; respawning is allowed only
// once the previous one is Stopped.
func (m *Manager) Spawn(spec Spec) (Record, error) {
	if spec.ID == "" {
		return Record{}, fmt.Errorf("worker: empty id")
	}
	cfg := spec.Config
	if cfg == (Config{}) {
		cfg = m.opts.Defaults
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return Record{}, errors.New("worker: manager not running")
	}
	if old, ok := m.workers[spec.ID]; ok {
		if old.snapshot().State != StateStopped {
			m.mu.Unlock()
			return Record{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.ID)
		}
		delete(m.workers, spec.ID)
	}
	w := &workerStateMachine{
		spec:   spec,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateStarting,
	}
	m.workers[spec.ID] = w
	m.mu.Unlock()

	if m.opts.Scheduler != nil {
		h, err := m.opts.Scheduler.Register(sched.Config{
			Name:      "worker/" + spec.ID + "/track",
			Period:    cfg.HeartbeatInterval,
			Deadline:  cfg.HeartbeatInterval,
			MaxJitter: cfg.HeartbeatInterval / 2,
			Priority:  5,
			Isolated:  true,
		}, sched.Body{Worker: spec.ID}, sched.WithReplace())
		if err != nil {
			m.log.Warn("tracking task registration failed",
				logx.String("worker", spec.ID), logx.Err(err))
		} else {
			w.mu.Lock()
			w.trackHandle = h
			w.mu.Unlock()
		}
	}

	m.publishState(w, StateStarting, StateStarting, "spawn")
	m.sup.Go0("worker."+spec.ID, func(ctx context.Context) { m.lifecycle(ctx, w) })

	m.log.Info("worker spawned",
		logx.String("worker", spec.ID),
		logx.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		logx.Int("miss_threshold", cfg.MissThreshold))
	return w.record(), nil
}

// Stop sends a stop command, waits up to gracefulTimeout for the context
// to confirm termination, then force-kills it. The worker always ends in
// Stopped.
func (m *Manager) Stop(id string, gracefulTimeout time.Duration) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = w.cfg.GracefulStopTimeout
	}
	w.mu.Lock()
	w.stopGrace = gracefulTimeout
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.stopCh) })

	select {
	case <-w.done:
	case <-time.After(gracefulTimeout + time.Second):
		// The lifecycle kills the proc itself; this is a last-resort bound
		// so Stop cannot hang the caller.
	}
	return nil
}

// StopAll stops every worker and waits for the supervision loops.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	ws := make([]*workerStateMachine, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	sup := m.sup
	m.mu.Unlock()

	for _, w := range ws {
		w.stopOnce.Do(func() { close(w.stopCh) })
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Control forwards a command to a worker over its control channel.
// Failures are explicit: ErrNotConnected, ErrControlTimeout, or the
// worker's own error status.
func (m *Manager) Control(ctx context.Context, id, typ string, params map[string]any) (channel.Response, error) {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return channel.Response{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	w.mu.Lock()
	ctrl := w.control
	state := w.state
	w.mu.Unlock()
	if ctrl == nil || state == StateStopped {
		return channel.Response{}, fmt.Errorf("%w: %s (%s)", ErrNotConnected, id, state)
	}
	return ctrl.Call(ctx, typ, params, w.cfg.ControlTimeout)
}

// Probe implements sched.WorkerProber: a fast liveness check used by the
// scheduler's per-worker tracking task.
func (m *Manager) Probe(id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch w.snapshot().State {
	case StateDegraded:
		return fmt.Errorf("worker: %s degraded", id)
	case StateStopped:
		return fmt.Errorf("worker: %s stopped", id)
	default:
		return nil
	}
}

// Record returns the snapshot for one worker.
func (m *Manager) Record(id string) (Record, error) {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w.record(), nil
}

// Records snapshots every supervised worker, including stopped ones:
// degraded/stopped workers stay visible, never silently dropped.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	ws := make([]*workerStateMachine, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.record())
	}
	return out
}

// ---- lifecycle ----

// instanceEnd tells the lifecycle why a proc instance terminated.
type instanceEnd struct {
	cause string // "stop", "heartbeat", "crash", "spawn", "connect"
	stop  bool   // explicit stop requested
}

func (m *Manager) lifecycle(ctx context.Context, w *workerStateMachine) {
	defer close(w.done)
	defer func() {
		if h := w.takeTrackHandle(); h != nil {
			_ = h.Cancel()
		}
	}()

	for {
		end := m.runInstance(ctx, w)

		if end.stop || ctx.Err() != nil {
			m.transition(w, StateStopped, "stop")
			return
		}

		w.mu.Lock()
		w.restartCount++
		restarts := w.restartCount
		w.mu.Unlock()

		if restarts > w.cfg.MaxRestarts {
			// Permanent degradation: no further automatic restarts.
			m.transition(w, StateStopped, end.cause)
			m.log.Error("worker permanently degraded",
				logx.String("worker", w.spec.ID),
				logx.Int("restarts", restarts-1),
				logx.String("cause", end.cause))
			m.bus.Publish(eventbus.TopicWorkerStopped, StateEvent{
				Worker: w.spec.ID, From: StateDegraded.String(), To: StateStopped.String(), Cause: end.cause,
			})
			return
		}

		// Exponential backoff: base * 2^(restart_count-1), capped.
		backoff := w.cfg.BackoffBase << uint(restarts-1)
		if backoff > w.cfg.BackoffMax || backoff <= 0 {
			backoff = w.cfg.BackoffMax
		}
		w.mu.Lock()
		w.backoffUntil = time.Now().Add(backoff)
		w.mu.Unlock()
		m.syncMetrics(w)
		m.log.Warn("worker restart scheduled",
			logx.String("worker", w.spec.ID),
			logx.Int("attempt", restarts),
			logx.Duration("backoff", backoff),
			logx.String("cause", end.cause))

		select {
		case <-ctx.Done():
			m.transition(w, StateStopped, "shutdown")
			return
		case <-w.stopCh:
			m.transition(w, StateStopped, "stop")
			return
		case <-time.After(backoff):
		}
		m.transition(w, StateRestarting, end.cause)
	}
}

// runInstance owns exactly one isolated context from launch to full
// teardown. The prior context's proc and both channels are always
// released before the caller can spawn a replacement, so a worker id
// never has two live publishers on its data path.
func (m *Manager) runInstance(ctx context.Context, w *workerStateMachine) instanceEnd {
	select {
	case <-w.stopCh:
		return instanceEnd{cause: "stop", stop: true}
	default:
	}

	proc, err := m.launcher.Launch(ctx, w.spec)
	if err != nil {
		m.log.Error("worker launch failed", logx.String("worker", w.spec.ID), logx.Err(err))
		return instanceEnd{cause: "spawn"}
	}

	ring := channel.NewRing(w.cfg.QueueSize)
	ctrl := channel.NewControl(proc.Control(), m.log.With(logx.String("worker", w.spec.ID)))

	w.mu.Lock()
	w.control = ctrl
	w.ring = ring
	w.lastHeartbeat = time.Now()
	w.consecMisses = 0
	w.backoffUntil = time.Time{}
	w.mu.Unlock()

	inst := rt.New(ctx, rt.WithLogger(m.log))
	procExit := make(chan error, 1)
	heartbeat := make(chan struct{}, 1)

	inst.Go("worker."+w.spec.ID+".control", ctrl.Run)
	inst.Go0("worker."+w.spec.ID+".pump", func(ctx context.Context) {
		m.pump(ctx, w, proc.Data(), ring, heartbeat)
	})
	inst.Go0("worker."+w.spec.ID+".wait", func(ctx context.Context) {
		procExit <- proc.Wait()
	})

	teardown := func() {
		_ = ctrl.Close()
		_ = proc.Kill()
		_ = proc.Wait()
		ring.Close()
		w.mu.Lock()
		w.control = nil
		w.ring = nil
		w.mu.Unlock()
		tctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = inst.Stop(tctx)
		cancel()
	}

	// Deliver the init payload. A worker that cannot acknowledge connect
	// is treated like a failed start.
	cctx, cancel := context.WithTimeout(ctx, w.cfg.ControlTimeout)
	resp, err := ctrl.Call(cctx, channel.TypeConnect, w.spec.Init, w.cfg.ControlTimeout)
	cancel()
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		m.log.Error("worker connect failed", logx.String("worker", w.spec.ID), logx.Err(err))
		teardown()
		return instanceEnd{cause: "connect"}
	}

	if m.opts.OnData != nil {
		m.opts.OnData(w.spec.ID, ring)
	}

	// Heartbeat checks run on this dedicated ticker, independent of the
	// shared scheduler, so a stalled scheduling context cannot delay
	// failure detection.
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	// A heartbeat older than one full interval at tick time counts as a
	// miss, so MissThreshold consecutive misses degrade the worker after
	// about MissThreshold silent intervals.
	missWindow := w.cfg.HeartbeatInterval

	for {
		select {
		case <-ctx.Done():
			teardown()
			return instanceEnd{cause: "shutdown", stop: true}

		case <-w.stopCh:
			m.gracefulStop(ctx, w, ctrl, procExit)
			teardown()
			return instanceEnd{cause: "stop", stop: true}

		case err := <-procExit:
			// Unexpected termination: same recovery as a heartbeat
			// timeout, distinct cause in the log.
			m.log.Error("worker process exited unexpectedly",
				logx.String("worker", w.spec.ID), logx.Err(err))
			m.transition(w, StateDegraded, "crash")
			teardown()
			return instanceEnd{cause: "crash"}

		case <-heartbeat:
			m.onHeartbeat(w)

		case <-ticker.C:
			w.mu.Lock()
			age := time.Since(w.lastHeartbeat)
			if age > missWindow {
				w.consecMisses++
			}
			misses := w.consecMisses
			w.mu.Unlock()

			if age > missWindow {
				m.log.Warn("worker heartbeat missed",
					logx.String("worker", w.spec.ID),
					logx.Duration("age", age),
					logx.Int("consecutive", misses))
				m.syncMetrics(w)
			}
			if misses >= w.cfg.MissThreshold {
				m.transition(w, StateDegraded, "heartbeat")
				teardown()
				return instanceEnd{cause: "heartbeat"}
			}
		}
	}
}

// pump drains the proc's data stream into the ring. Heartbeat envelopes
// feed liveness instead of the ring.
func (m *Manager) pump(ctx context.Context, w *workerStateMachine, data io.ReadCloser, ring *channel.Ring, heartbeat chan<- struct{}) {
	defer data.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := wire.Read(data)
		if err != nil {
			// Stream ends when the proc dies or teardown closes the pipe;
			// the wait watcher owns crash handling.
			return
		}
		if env.Type == wire.TypeHeartbeat {
			select {
			case heartbeat <- struct{}{}:
			default:
			}
			continue
		}
		ring.Push(env)
	}
}

func (m *Manager) onHeartbeat(w *workerStateMachine) {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	w.consecMisses = 0
	prev := w.state
	w.mu.Unlock()

	// First heartbeat after spawn confirms the start; first after a
	// restart confirms reconnection and clears the attempt counters.
	if prev == StateStarting || prev == StateRestarting {
		w.mu.Lock()
		w.restartCount = 0
		w.mu.Unlock()
		m.transition(w, StateRunning, "heartbeat")
	} else {
		m.syncMetrics(w)
	}
}

func (m *Manager) gracefulStop(ctx context.Context, w *workerStateMachine, ctrl *channel.Control, procExit <-chan error) {
	// At-most-once: the stop command may be lost; the kill in teardown is
	// the backstop. The whole sequence shares one grace window, taken from
	// the Stop caller when it supplied one.
	grace := w.stopGraceOrDefault()
	deadline := time.Now().Add(grace)
	sctx, cancel := context.WithDeadline(ctx, deadline)
	_, err := ctrl.Call(sctx, channel.TypeStop, nil, grace)
	cancel()
	if err != nil {
		m.log.Debug("graceful stop command failed",
			logx.String("worker", w.spec.ID), logx.Err(err))
	}
	select {
	case <-procExit:
	case <-time.After(time.Until(deadline)):
		m.log.Warn("worker did not confirm termination, killing",
			logx.String("worker", w.spec.ID))
	}
}

func (w *workerStateMachine) stopGraceOrDefault() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopGrace > 0 {
		return w.stopGrace
	}
	return w.cfg.GracefulStopTimeout
}

func (m *Manager) transition(w *workerStateMachine, to State, cause string) {
	w.mu.Lock()
	from := w.state
	if from == to {
		w.mu.Unlock()
		return
	}
	w.state = to
	w.mu.Unlock()

	m.publishState(w, from, to, cause)
}

func (m *Manager) publishState(w *workerStateMachine, from, to State, cause string) {
	m.syncMetrics(w)
	m.log.Info("worker state",
		logx.String("worker", w.spec.ID),
		logx.String("from", from.String()),
		logx.String("to", to.String()),
		logx.String("cause", cause))
	m.bus.Publish(eventbus.TopicWorkerState, StateEvent{
		Worker: w.spec.ID, From: from.String(), To: to.String(), Cause: cause,
	})
}

func (m *Manager) syncMetrics(w *workerStateMachine) {
	r := w.record()
	m.reg.SetWorker(w.spec.ID, metrics.WorkerSeries{
		State:             r.StateName,
		LastHeartbeat:     r.LastHeartbeat,
		ConsecutiveMisses: r.ConsecutiveMisses,
		RestartCount:      r.RestartCount,
	})
}

func (w *workerStateMachine) snapshot() Record { return w.record() }

func (w *workerStateMachine) record() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Record{
		ID:                w.spec.ID,
		State:             w.state,
		StateName:         w.state.String(),
		LastHeartbeat:     w.lastHeartbeat,
		ConsecutiveMisses: w.consecMisses,
		RestartCount:      w.restartCount,
		BackoffUntil:      w.backoffUntil,
	}
}

func (w *workerStateMachine) takeTrackHandle() *sched.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.trackHandle
	w.trackHandle = nil
	return h
}
