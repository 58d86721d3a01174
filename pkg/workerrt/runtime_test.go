package workerrt

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"rtcore/internal/channel"
	"rtcore/internal/wire"
	"rtcore/pkg/logx"
)

type recordingHandler struct {
	mu      sync.Mutex
	calls   []string
	initFPS any
	fail    map[string]error
}

func (h *recordingHandler) record(name string) {
	h.mu.Lock()
	h.calls = append(h.calls, name)
	h.mu.Unlock()
}

func (h *recordingHandler) Connect(_ context.Context, init map[string]any) error {
	h.record("connect")
	h.mu.Lock()
	h.initFPS = init["fps"]
	h.mu.Unlock()
	return h.fail["connect"]
}
func (h *recordingHandler) Start(context.Context) error { h.record("start"); return h.fail["start"] }
func (h *recordingHandler) Stop(context.Context) error  { h.record("stop"); return h.fail["stop"] }
func (h *recordingHandler) SetParam(_ context.Context, _ map[string]any) error {
	h.record("set_param")
	return h.fail["set_param"]
}

type harness struct {
	ctrl    *channel.Control
	data    *io.PipeReader
	runErr  chan error
	runtime *Runtime
}

// startHarness runs a Runtime against in-memory pipes and returns the
// supervisor-side client plus the raw data stream.
func startHarness(t *testing.T, h Handler, hb time.Duration) *harness {
	t.Helper()
	supCtrl, wrkCtrl := net.Pipe()
	dataR, dataW := io.Pipe()

	rt := New(Options{
		HeartbeatInterval: hb,
		ControlIn:         wrkCtrl,
		ControlOut:        wrkCtrl,
		Data:              dataW,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(context.Background(), h) }()

	ctrl := channel.NewControl(supCtrl, logx.Nop())
	go func() { _ = ctrl.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = wrkCtrl.Close()
		_ = dataR.Close()
	})
	return &harness{ctrl: ctrl, data: dataR, runErr: runErr, runtime: rt}
}

func TestAutomaticHeartbeat(t *testing.T) {
	t.Parallel()
	hs := startHarness(t, &recordingHandler{}, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		env, err := wire.Read(hs.data)
		if err != nil {
			t.Fatalf("data read %d: %v", i, err)
		}
		if env.Type != wire.TypeHeartbeat {
			t.Fatalf("Type = %v, want heartbeat", env.Type)
		}
		if env.Timestamp == 0 {
			t.Fatal("heartbeat has no timestamp")
		}
	}
}

func TestCommandDispatch(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	hs := startHarness(t, h, time.Hour)
	go drainData(hs.data)

	resp, err := hs.ctrl.Call(context.Background(), channel.TypeConnect, map[string]any{"fps": int64(30)}, time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.Err() != nil {
		t.Fatalf("connect status: %v", resp.Err())
	}
	if _, err := hs.ctrl.Call(context.Background(), channel.TypeStart, nil, time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := hs.ctrl.Call(context.Background(), channel.TypeSetParam, map[string]any{"fps": int64(60)}, time.Second); err != nil {
		t.Fatalf("set_param: %v", err)
	}

	h.mu.Lock()
	calls := append([]string(nil), h.calls...)
	fps := h.initFPS
	h.mu.Unlock()
	want := []string{"connect", "start", "set_param"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if fps == nil {
		t.Fatal("init params not delivered")
	}
}

func TestHandlerErrorBecomesErrorStatus(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{fail: map[string]error{"start": errors.New("lens cap on")}}
	hs := startHarness(t, h, time.Hour)
	go drainData(hs.data)

	resp, err := hs.ctrl.Call(context.Background(), channel.TypeStart, nil, time.Second)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.Status != channel.StatusError || resp.ErrorMessage == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStopCommandEndsRun(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	hs := startHarness(t, h, time.Hour)
	go drainData(hs.data)

	if _, err := hs.ctrl.Call(context.Background(), channel.TypeStop, nil, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-hs.runErr:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not end after stop")
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	t.Parallel()
	hs := startHarness(t, &recordingHandler{}, time.Hour)
	go drainData(hs.data)

	resp, err := hs.ctrl.Call(context.Background(), "selfdestruct", nil, time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != channel.StatusError {
		t.Fatalf("Status = %s, want error", resp.Status)
	}
}

func drainData(r io.Reader) {
	for {
		if _, err := wire.Read(r); err != nil {
			return
		}
	}
}
