package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtcore/internal/channel"
	"rtcore/internal/eventbus"
	"rtcore/internal/metrics"
	"rtcore/internal/wire"
	"rtcore/pkg/logx"
)

// fakeInstance is one scripted worker process backed by in-memory pipes.
type fakeInstance struct {
	ctrlSup net.Conn // handed to the manager
	ctrlWrk net.Conn
	dataR   *io.PipeReader
	dataW   *io.PipeWriter

	beating  atomic.Bool
	exitOnce sync.Once
	exit     chan struct{}

	stops atomic.Int64 // stop commands received
}

func newFakeInstance(hbInterval time.Duration) *fakeInstance {
	cs, cw := net.Pipe()
	dr, dw := io.Pipe()
	f := &fakeInstance{ctrlSup: cs, ctrlWrk: cw, dataR: dr, dataW: dw, exit: make(chan struct{})}
	f.beating.Store(true)

	// Control servo: ack everything.
	go func() {
		for {
			req, err := channel.ReadRequest(f.ctrlWrk)
			if err != nil {
				return
			}
			if req.Type == channel.TypeStop {
				f.stops.Add(1)
			}
			resp := channel.Response{CorrelationID: req.CorrelationID, Status: channel.StatusOK}
			if err := channel.WriteResponse(f.ctrlWrk, resp); err != nil {
				return
			}
		}
	}()

	// Heartbeat pump.
	go func() {
		t := time.NewTicker(hbInterval)
		defer t.Stop()
		for {
			select {
			case <-f.exit:
				return
			case <-t.C:
				if !f.beating.Load() {
					continue
				}
				e := wire.Envelope{Timestamp: time.Now().UnixNano(), Type: wire.TypeHeartbeat}
				if err := wire.Write(f.dataW, e); err != nil {
					return
				}
			}
		}
	}()
	return f
}

func (f *fakeInstance) Control() io.ReadWriteCloser { return f.ctrlSup }
func (f *fakeInstance) Data() io.ReadCloser         { return f.dataR }

func (f *fakeInstance) Wait() error {
	<-f.exit
	return nil
}

func (f *fakeInstance) Kill() error {
	f.exitOnce.Do(func() {
		close(f.exit)
		_ = f.ctrlWrk.Close()
		_ = f.dataW.Close()
	})
	return nil
}

// fakeLauncher records every instance it creates.
type fakeLauncher struct {
	hb time.Duration

	mu        sync.Mutex
	instances []*fakeInstance
}

func (l *fakeLauncher) Launch(_ context.Context, _ Spec) (Proc, error) {
	f := newFakeInstance(l.hb)
	l.mu.Lock()
	l.instances = append(l.instances, f)
	l.mu.Unlock()
	return f, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.instances)
}

func (l *fakeLauncher) instance(i int) *fakeInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.instances) {
		return nil
	}
	return l.instances[i]
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:   20 * time.Millisecond,
		MissThreshold:       2,
		BackoffBase:         10 * time.Millisecond,
		BackoffMax:          50 * time.Millisecond,
		MaxRestarts:         3,
		GracefulStopTimeout: 100 * time.Millisecond,
		ControlTimeout:      time.Second,
		QueueSize:           16,
	}
}

func newTestManager(t *testing.T, l Launcher) (*Manager, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	m := NewManager(l, ManagerOptions{Defaults: testConfig()}, bus, metrics.NewRegistry(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = m.StopAll(sctx)
		cancel()
	})
	return m, bus
}

func waitForState(t *testing.T, m *Manager, id string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := m.Record(id)
		if err == nil && rec.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := m.Record(id)
	t.Fatalf("worker %s never reached %s (now %s)", id, want, rec.StateName)
}

func TestSpawnReachesRunning(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{hb: 10 * time.Millisecond}
	m, _ := newTestManager(t, l)

	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateRunning, 2*time.Second)

	if err := m.Probe("cam0"); err != nil {
		t.Fatalf("Probe while running: %v", err)
	}
	if _, err := m.Spawn(Spec{ID: "cam0"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Spawn: err = %v, want ErrAlreadyRunning", err)
	}
}

func TestHeartbeatLossRestartsWorker(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{hb: 10 * time.Millisecond}
	m, bus := newTestManager(t, l)

	events, unsub := bus.Subscribe(eventbus.TopicWorkerState, 64)
	defer unsub()

	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateRunning, 2*time.Second)

	// Silence the first instance; the miss threshold must degrade and
	// then restart the worker.
	l.instance(0).beating.Store(false)
	waitForState(t, m, "cam0", StateDegraded, 3*time.Second)
	waitForState(t, m, "cam0", StateRunning, 3*time.Second)

	if got := l.count(); got < 2 {
		t.Fatalf("instances launched = %d, want at least 2", got)
	}
	rec, err := m.Record("cam0")
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	// Restart counters clear on a confirmed reconnection.
	if rec.RestartCount != 0 {
		t.Fatalf("RestartCount = %d, want 0 after recovery", rec.RestartCount)
	}

	// The transition log must include a degraded hop.
	sawDegraded := false
	for {
		select {
		case ev := <-events:
			se, ok := ev.Data.(StateEvent)
			if ok && se.To == StateDegraded.String() {
				sawDegraded = true
			}
			if sawDegraded {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no degraded transition observed")
		}
	}
}

// deadLauncher creates instances that never heartbeat.
type deadLauncher struct{ fakeLauncher }

func (l *deadLauncher) Launch(ctx context.Context, spec Spec) (Proc, error) {
	p, err := l.fakeLauncher.Launch(ctx, spec)
	if err == nil {
		l.instance(l.count() - 1).beating.Store(false)
	}
	return p, err
}

func TestRestartCeilingStopsWorker(t *testing.T) {
	t.Parallel()
	l := &deadLauncher{fakeLauncher{hb: 10 * time.Millisecond}}
	m, bus := newTestManager(t, l)

	stopped, unsub := bus.Subscribe(eventbus.TopicWorkerStopped, 8)
	defer unsub()

	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateStopped, 5*time.Second)

	select {
	case ev := <-stopped:
		se, ok := ev.Data.(StateEvent)
		if !ok || se.Worker != "cam0" {
			t.Fatalf("unexpected stopped event: %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no permanent-stop event")
	}

	// MaxRestarts=3 means 1 initial launch + 3 restart attempts at most.
	if got := l.count(); got > 4 {
		t.Fatalf("instances launched = %d, want <= 4", got)
	}
	if err := m.Probe("cam0"); err == nil {
		t.Fatal("Probe on stopped worker should fail")
	}

	// A stopped worker slot can be reclaimed.
	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("respawn after stop: %v", err)
	}
}

func TestGracefulStop(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{hb: 10 * time.Millisecond}
	m, _ := newTestManager(t, l)

	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateRunning, 2*time.Second)

	if err := m.Stop("cam0", 0); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	waitForState(t, m, "cam0", StateStopped, 2*time.Second)

	if got := l.instance(0).stops.Load(); got == 0 {
		t.Fatal("worker never received the stop command")
	}
	// No restart after an explicit stop.
	time.Sleep(150 * time.Millisecond)
	if got := l.count(); got != 1 {
		t.Fatalf("instances launched = %d, want 1", got)
	}
}

func TestStopHonorsCallerGrace(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{hb: 10 * time.Millisecond}
	m, _ := newTestManager(t, l)

	cfg := testConfig()
	cfg.GracefulStopTimeout = 2 * time.Second
	if _, err := m.Spawn(Spec{ID: "cam0", Config: cfg}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateRunning, 2*time.Second)

	// The instance acks the stop command but never exits on its own, so
	// the stop sequence runs out its grace window. The caller's 50ms must
	// bound it, not the configured 2s.
	start := time.Now()
	if err := m.Stop("cam0", 50*time.Millisecond); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	elapsed := time.Since(start)
	waitForState(t, m, "cam0", StateStopped, 2*time.Second)

	if elapsed > time.Second {
		t.Fatalf("Stop took %v, want the caller's 50ms grace to apply", elapsed)
	}
	if got := l.instance(0).stops.Load(); got == 0 {
		t.Fatal("worker never received the stop command")
	}
}

func TestHeartbeatMissWindow(t *testing.T) {
	t.Parallel()
	l := &deadLauncher{fakeLauncher{hb: 10 * time.Millisecond}}
	m, bus := newTestManager(t, l)

	events, unsub := bus.Subscribe(eventbus.TopicWorkerState, 64)
	defer unsub()

	cfg := testConfig()
	cfg.HeartbeatInterval = 150 * time.Millisecond
	cfg.MissThreshold = 2

	start := time.Now()
	if _, err := m.Spawn(Spec{ID: "cam0", Config: cfg}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	// A silent worker degrades after about MissThreshold full intervals,
	// one countable miss per tick.
	for {
		select {
		case ev := <-events:
			se, ok := ev.Data.(StateEvent)
			if !ok || se.To != StateDegraded.String() {
				continue
			}
			elapsed := time.Since(start)
			if elapsed < 250*time.Millisecond || elapsed > 400*time.Millisecond {
				t.Fatalf("degraded after %v, want about 300ms (2 intervals)", elapsed)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("worker never degraded")
		}
	}
}

func TestControlForwarding(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{hb: 10 * time.Millisecond}
	m, _ := newTestManager(t, l)

	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateRunning, 2*time.Second)

	resp, err := m.Control(context.Background(), "cam0", channel.TypePing, nil)
	if err != nil {
		t.Fatalf("Control error: %v", err)
	}
	if resp.Status != channel.StatusOK {
		t.Fatalf("Status = %s, want ok", resp.Status)
	}

	if _, err := m.Control(context.Background(), "ghost", channel.TypePing, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown worker: err = %v, want ErrNotFound", err)
	}
}

func TestRecordsIncludeStoppedWorkers(t *testing.T) {
	t.Parallel()
	l := &fakeLauncher{hb: 10 * time.Millisecond}
	m, _ := newTestManager(t, l)

	if _, err := m.Spawn(Spec{ID: "cam0"}); err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	waitForState(t, m, "cam0", StateRunning, 2*time.Second)
	if err := m.Stop("cam0", 0); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	waitForState(t, m, "cam0", StateStopped, 2*time.Second)

	recs := m.Records()
	if len(recs) != 1 || recs[0].ID != "cam0" || recs[0].State != StateStopped {
		t.Fatalf("Records = %+v, want one stopped cam0", recs)
	}
}
