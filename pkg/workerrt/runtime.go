// Package workerrt is the in-process runtime for isolated worker
// executables. It speaks the supervisor's control protocol on
// stdin/stdout and streams data envelopes on fd 3, including the
// automatic heartbeat the supervisor uses for liveness.
package workerrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"rtcore/internal/channel"
	"rtcore/internal/wire"
	"rtcore/pkg/logx"
)

// Handler is implemented by the device loop. The runtime serializes
// calls; a handler never sees two commands at once.
type Handler interface {
	// Connect receives the supervisor's init payload. Returning an error
	// fails the start and the supervisor tears the process down.
	Connect(ctx context.Context, init map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetParam(ctx context.Context, params map[string]any) error
}

// Options tune the runtime. Zero values use the process's standard
// wiring: control on stdin/stdout, data on fd 3.
type Options struct {
	HeartbeatInterval time.Duration
	Logger            logx.Logger

	// Control and Data override the process file descriptors in tests.
	ControlIn  io.Reader
	ControlOut io.Writer
	Data       io.WriteCloser
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 100 * time.Millisecond
	}
	if o.ControlIn == nil {
		o.ControlIn = os.Stdin
	}
	if o.ControlOut == nil {
		o.ControlOut = os.Stdout
	}
	if o.Data == nil {
		o.Data = os.NewFile(3, "data")
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	return o
}

// Runtime owns the worker side of both channels.
type Runtime struct {
	opts Options
	log  logx.Logger

	dmu sync.Mutex // serializes data-channel writes
	cmu sync.Mutex // serializes control replies

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(opts Options) *Runtime {
	opts = opts.withDefaults()
	return &Runtime{
		opts:   opts,
		log:    opts.Logger,
		stopCh: make(chan struct{}),
	}
}

// SendFrame streams an opaque frame payload to the supervisor.
func (r *Runtime) SendFrame(body []byte) error { return r.send(wire.TypeFrame, body) }

// SendSample streams a sensor sample payload.
func (r *Runtime) SendSample(body []byte) error { return r.send(wire.TypeSample, body) }

// SendLog streams a log payload.
func (r *Runtime) SendLog(body []byte) error { return r.send(wire.TypeLog, body) }

func (r *Runtime) send(t wire.PayloadType, body []byte) error {
	e := wire.Envelope{Timestamp: time.Now().UnixNano(), Type: t, Body: body}
	r.dmu.Lock()
	defer r.dmu.Unlock()
	return wire.Write(r.opts.Data, e)
}

// Stop terminates Run from inside the handler (e.g. on a fatal device
// error). The supervisor sees the process exit and applies its restart
// policy.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Run drives the control loop and the heartbeat until a stop command
// arrives, the control stream closes, or ctx is canceled.
func (r *Runtime) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("workerrt: nil handler")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeats begin immediately: the supervisor promotes the worker to
	// running on the first one, before any data flows.
	hbErr := make(chan error, 1)
	go func() { hbErr <- r.heartbeatLoop(ctx) }()

	reqs := make(chan channel.Request)
	readErr := make(chan error, 1)
	go func() {
		for {
			req, err := channel.ReadRequest(r.opts.ControlIn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case err := <-hbErr:
			// A broken data pipe means the supervisor is gone.
			return fmt.Errorf("workerrt: heartbeat: %w", err)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("workerrt: control read: %w", err)
		case req := <-reqs:
			if done := r.dispatch(ctx, h, req); done {
				return nil
			}
		}
	}
}

// dispatch handles one command and writes the reply. Returns true when
// the worker should exit.
func (r *Runtime) dispatch(ctx context.Context, h Handler, req channel.Request) bool {
	var (
		err  error
		stop bool
	)
	switch req.Type {
	case channel.TypeConnect:
		err = h.Connect(ctx, req.Params)
	case channel.TypeStart:
		err = h.Start(ctx)
	case channel.TypeStop:
		err = h.Stop(ctx)
		stop = true
	case channel.TypeSetParam:
		err = h.SetParam(ctx, req.Params)
	case channel.TypePing:
	default:
		err = fmt.Errorf("unknown command %q", req.Type)
	}

	resp := channel.Response{CorrelationID: req.CorrelationID, Status: channel.StatusOK}
	if err != nil {
		resp.Status = channel.StatusError
		resp.ErrorMessage = err.Error()
		r.log.Warn("command failed",
			logx.String("type", req.Type), logx.Err(err))
	}
	r.cmu.Lock()
	werr := channel.WriteResponse(r.opts.ControlOut, resp)
	r.cmu.Unlock()
	if werr != nil {
		r.log.Warn("control reply failed", logx.Err(werr))
		return true
	}
	return stop
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(r.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-t.C:
			if err := r.send(wire.TypeHeartbeat, nil); err != nil {
				return err
			}
		}
	}
}
