package channel

import (
	"errors"
	"sync"
	"time"

	"rtcore/internal/wire"
)

var (
	// ErrTimeout reports that a blocking Pop expired before data arrived.
	ErrTimeout = errors.New("channel: timeout")
	// ErrClosed reports that the channel is closed and fully drained.
	ErrClosed = errors.New("channel: closed")
)

// Ring is the data channel: a bounded, drop-oldest queue of payload
// envelopes. A single worker pump writes, the bridge is the sole reader.
//
// Push never blocks: when full, the newest write evicts the oldest
// buffered envelope and the drop counter increments (freshness over
// completeness). The lock covers only evict/insert/drain, never a
// caller's processing of a payload.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf  []wire.Envelope
	head int
	n    int

	dropped uint64
	closed  bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 64
	}
	r := &Ring{buf: make([]wire.Envelope, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Ring) Capacity() int { return len(r.buf) }

// Push inserts e, evicting the oldest envelope when full.
// It reports whether an eviction happened. Push on a closed ring is a no-op.
func (r *Ring) Push(e wire.Envelope) (evicted bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if r.n == len(r.buf) {
		// Drop-oldest: advance head, count the loss.
		r.head = (r.head + 1) % len(r.buf)
		r.n--
		r.dropped++
		evicted = true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = e
	r.n++
	r.mu.Unlock()
	r.cond.Broadcast()
	return evicted
}

// Pop removes the oldest envelope, blocking up to timeout.
// A closed ring drains remaining envelopes before returning ErrClosed.
func (r *Ring) Pop(timeout time.Duration) (wire.Envelope, error) {
	deadline := time.Now().Add(timeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.n == 0 {
		if r.closed {
			return wire.Envelope{}, ErrClosed
		}
		remain := time.Until(deadline)
		if timeout <= 0 || remain <= 0 {
			return wire.Envelope{}, ErrTimeout
		}
		t := time.AfterFunc(remain, r.cond.Broadcast)
		r.cond.Wait()
		t.Stop()
	}
	return r.popLocked(), nil
}

// TryPop removes the oldest envelope without blocking.
func (r *Ring) TryPop() (wire.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return wire.Envelope{}, false
	}
	return r.popLocked(), true
}

func (r *Ring) popLocked() wire.Envelope {
	e := r.buf[r.head]
	r.buf[r.head] = wire.Envelope{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return e
}

// Depth reports current occupancy (never exceeds capacity).
func (r *Ring) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Dropped reports envelopes evicted by overflow since creation.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close marks the ring closed and wakes blocked readers. Buffered
// envelopes stay readable until drained.
func (r *Ring) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Closed reports whether Close was called.
func (r *Ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
