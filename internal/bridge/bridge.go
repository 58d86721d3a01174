// Package bridge drains worker data rings and republishes payloads to an
// external sink under worker-scoped topics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rtcore/internal/channel"
	"rtcore/internal/eventbus"
	"rtcore/internal/metrics"
	rt "rtcore/internal/runtime/supervisor"
	"rtcore/internal/wire"
	"rtcore/pkg/logx"
)

// Publisher is the outbound sink. Implementations must be safe for
// concurrent use; the bridge runs one drain loop per attached worker.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Options tune the bridge.
type Options struct {
	// PollTimeout bounds each blocking ring read so drain loops notice
	// detach and shutdown promptly.
	PollTimeout time.Duration
	// CleanupGrace is how long a worker's topic series survive after its
	// ring closes. A restart inside the grace window keeps the series.
	CleanupGrace time.Duration
	// DecodeLogEvery rate-limits malformed-payload warnings so a
	// misbehaving worker cannot flood the log.
	DecodeLogEvery time.Duration
	// Bus, when set, receives overflow events whenever a feed's ring
	// reports newly dropped payloads.
	Bus eventbus.Bus
}

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = 250 * time.Millisecond
	}
	if o.CleanupGrace <= 0 {
		o.CleanupGrace = 30 * time.Second
	}
	if o.DecodeLogEvery <= 0 {
		o.DecodeLogEvery = time.Second
	}
	return o
}

// Bridge fans worker payloads out to the sink. Each worker id has at
// most one active feed; re-attaching (after a worker restart) replaces
// the previous one.
type Bridge struct {
	log  logx.Logger
	reg  *metrics.Registry
	sink Publisher
	opts Options

	decodeLim *rate.Limiter
	sup       *rt.Supervisor

	mu      sync.Mutex
	feeds   map[string]*feed
	epoch   uint64
	started bool
}

type feed struct {
	worker      string
	epoch       uint64
	ring        *channel.Ring
	cancel      context.CancelFunc
	lastDropped uint64
}

// OverflowEvent reports ring evictions for a worker's data feed.
type OverflowEvent struct {
	Worker  string
	Dropped uint64
}

func New(sink Publisher, opts Options, reg *metrics.Registry, log logx.Logger) *Bridge {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	opts = opts.withDefaults()
	return &Bridge{
		log:       log,
		reg:       reg,
		sink:      sink,
		opts:      opts,
		decodeLim: rate.NewLimiter(rate.Every(opts.DecodeLogEvery), 1),
		feeds:     map[string]*feed{},
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge: already started")
	}
	b.started = true
	b.sup = rt.New(ctx, rt.WithLogger(b.log))
	return nil
}

func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	for _, f := range b.feeds {
		f.cancel()
	}
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Attach starts draining ring for workerID. An existing feed for the
// same id is detached first; the worker manager closes the old ring
// during teardown, so its drain loop finishes the residue and exits.
func (b *Bridge) Attach(workerID string, ring *channel.Ring) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return errors.New("bridge: not started")
	}
	if old, ok := b.feeds[workerID]; ok {
		old.cancel()
	}
	b.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	f := &feed{worker: workerID, epoch: b.epoch, ring: ring, cancel: cancel}
	b.feeds[workerID] = f
	b.mu.Unlock()

	b.sup.Go0(fmt.Sprintf("bridge.%s.%d", workerID, f.epoch), func(supCtx context.Context) {
		b.drain(supCtx, ctx, f)
	})
	b.log.Debug("bridge feed attached", logx.String("worker", workerID))
	return nil
}

// Detach cancels the feed for workerID, if any.
func (b *Bridge) Detach(workerID string) {
	b.mu.Lock()
	f, ok := b.feeds[workerID]
	b.mu.Unlock()
	if ok {
		f.cancel()
	}
}

func (b *Bridge) drain(supCtx, feedCtx context.Context, f *feed) {
	defer b.finishFeed(f)
	for {
		if supCtx.Err() != nil || feedCtx.Err() != nil {
			return
		}
		env, err := f.ring.Pop(b.opts.PollTimeout)
		switch {
		case err == nil:
			b.publish(f, env)
		case errors.Is(err, channel.ErrTimeout):
			b.syncQueue(f)
		case errors.Is(err, channel.ErrClosed):
			// Ring drained after worker teardown.
			return
		default:
			return
		}
	}
}

func (b *Bridge) publish(f *feed, env wire.Envelope) {
	suffix, ok := topicSuffix(env.Type)
	if !ok {
		// Skip the payload, keep the feed alive.
		if b.decodeLim.Allow() {
			b.log.Warn("unroutable payload skipped",
				logx.String("worker", f.worker),
				logx.Uint64("type", uint64(env.Type)))
		}
		return
	}
	topic := Topic(f.worker, suffix)

	err := b.sink.Publish(topic, wire.Append(nil, env))
	if err != nil {
		if b.decodeLim.Allow() {
			b.log.Warn("publish failed",
				logx.String("topic", topic), logx.Err(err))
		}
		return
	}
	// End-to-end latency: publish completion minus the producer's stamp,
	// so queueing delay in the ring is included.
	lat := time.Since(time.Unix(0, env.Timestamp))
	if lat < 0 {
		lat = 0
	}
	b.reg.ObservePublish(topic, lat)
	b.reg.SetTopicQueue(topic, f.ring.Depth(), f.ring.Dropped())
	b.noteDrops(f)
}

func (b *Bridge) syncQueue(f *feed) {
	for _, suffix := range []string{SuffixFrame, SuffixSample, SuffixLog} {
		b.reg.SetTopicQueue(Topic(f.worker, suffix), f.ring.Depth(), f.ring.Dropped())
	}
	b.noteDrops(f)
}

// noteDrops publishes an overflow event when the ring evicted payloads
// since the last check. Only the feed's own drain goroutine calls this.
func (b *Bridge) noteDrops(f *feed) {
	d := f.ring.Dropped()
	if d == f.lastDropped {
		return
	}
	f.lastDropped = d
	if b.opts.Bus != nil {
		b.opts.Bus.Publish(eventbus.TopicBridgeOverflow, OverflowEvent{Worker: f.worker, Dropped: d})
	}
	if b.decodeLim.Allow() {
		b.log.Warn("data ring overflow",
			logx.String("worker", f.worker), logx.Uint64("dropped", d))
	}
}

// finishFeed removes the feed and, after the grace window, the worker's
// topic series. A re-attach during the window keeps them alive.
func (b *Bridge) finishFeed(f *feed) {
	b.mu.Lock()
	if cur, ok := b.feeds[f.worker]; ok && cur.epoch == f.epoch {
		delete(b.feeds, f.worker)
	}
	b.mu.Unlock()

	time.AfterFunc(b.opts.CleanupGrace, func() {
		b.mu.Lock()
		_, reattached := b.feeds[f.worker]
		b.mu.Unlock()
		if reattached {
			return
		}
		for _, suffix := range []string{SuffixFrame, SuffixSample, SuffixLog} {
			b.reg.RemoveTopic(Topic(f.worker, suffix))
		}
		b.log.Debug("bridge topics cleaned up", logx.String("worker", f.worker))
	})
}

// Topic suffixes by payload kind.
const (
	SuffixFrame  = "frame"
	SuffixSample = "sample"
	SuffixLog    = "log"
)

// Topic builds the outbound topic for a worker payload kind.
func Topic(workerID, suffix string) string {
	return "worker/" + workerID + "/" + suffix
}

func topicSuffix(t wire.PayloadType) (string, bool) {
	switch t {
	case wire.TypeFrame:
		return SuffixFrame, true
	case wire.TypeSample:
		return SuffixSample, true
	case wire.TypeLog:
		return SuffixLog, true
	default:
		return "", false
	}
}
