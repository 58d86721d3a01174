package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"rtcore/pkg/logx"
)

// Control message types.
const (
	TypeConnect  = "connect"
	TypeStart    = "start"
	TypeStop     = "stop"
	TypeSetParam = "set_param"
	TypePing     = "ping"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	// ErrControlTimeout reports that no reply arrived within the caller's
	// timeout. The request may or may not have been received (at-most-once);
	// retry is the caller's decision.
	ErrControlTimeout = errors.New("channel: control timeout")
	// ErrControlClosed reports that the control stream is gone.
	ErrControlClosed = errors.New("channel: control closed")

	errFrameTooLarge = errors.New("channel: control frame exceeds max length")
)

// Request is a control-channel command. CorrelationID pairs it with its
// Response; delivery is at-most-once.
type Request struct {
	Type          string         `cbor:"type"`
	CorrelationID string         `cbor:"correlation_id"`
	Params        map[string]any `cbor:"params,omitempty"`
}

type Response struct {
	CorrelationID string         `cbor:"correlation_id"`
	Status        string         `cbor:"status"`
	Data          map[string]any `cbor:"data,omitempty"`
	ErrorMessage  string         `cbor:"error_message,omitempty"`
}

func (r Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return fmt.Errorf("channel: command failed: %s", r.ErrorMessage)
}

// Frames are u32 big-endian length + deterministic CBOR body.
const maxControlFrame = 1 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func writeFrame(w io.Writer, v any) error {
	body, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxControlFrame {
		return errFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxControlFrame {
		return errFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return decMode.Unmarshal(body, v)
}

// ReadRequest and WriteResponse are the worker-side half of the protocol
// (see pkg/workerrt).
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	err := readFrame(r, &req)
	return req, err
}

func WriteResponse(w io.Writer, resp Response) error { return writeFrame(w, resp) }

// Control is the supervisor-side request/reply client over a worker's
// control stream.
type Control struct {
	rw  io.ReadWriteCloser
	log logx.Logger

	wmu sync.Mutex // serializes frame writes

	mu       sync.Mutex
	pending  map[string]chan Response
	closed   bool
	closeErr error
}

func NewControl(rw io.ReadWriteCloser, log logx.Logger) *Control {
	return &Control{
		rw:      rw,
		log:     log,
		pending: map[string]chan Response{},
	}
}

// Run reads replies and dispatches them to pending calls until the stream
// breaks or ctx is canceled. It is meant to be spawned under a runtime
// supervisor.
func (c *Control) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.rw.Close()
		case <-done:
		}
	}()

	for {
		var resp Response
		if err := readFrame(c.rw, &resp); err != nil {
			c.shutdown(err)
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("control read: %w", err)
		}
		c.mu.Lock()
		ch := c.pending[resp.CorrelationID]
		delete(c.pending, resp.CorrelationID)
		c.mu.Unlock()
		if ch == nil {
			// Late reply after the caller timed out, or a worker bug.
			c.log.Debug("unmatched control reply", logx.String("correlation_id", resp.CorrelationID))
			continue
		}
		ch <- resp
	}
}

// Call sends a request and awaits the matching reply. Expire via ctx or
// timeout yields ErrControlTimeout; there is no automatic retry.
func (c *Control) Call(ctx context.Context, typ string, params map[string]any, timeout time.Duration) (Response, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrControlClosed
		}
		return Response{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := Request{Type: typ, CorrelationID: id, Params: params}
	c.wmu.Lock()
	err := writeFrame(c.rw, req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return Response{}, fmt.Errorf("control write: %w", err)
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrControlClosed
		}
		return resp, nil
	case <-t.C:
		c.forget(id)
		return Response{}, fmt.Errorf("%w: %s after %v", ErrControlTimeout, typ, timeout)
	case <-ctx.Done():
		c.forget(id)
		return Response{}, ctx.Err()
	}
}

func (c *Control) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close tears the stream down and fails all pending calls.
func (c *Control) Close() error {
	c.shutdown(ErrControlClosed)
	return c.rw.Close()
}

func (c *Control) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = map[string]chan Response{}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}
