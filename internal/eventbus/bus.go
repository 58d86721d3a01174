// Package eventbus is an in-memory, topic-keyed fanout bus.
//
// The bridge republishes decoded worker payloads onto it, and the
// scheduler/supervisor publish coordination events (task degraded, worker
// state changes, overflow) so safety and metrics consumers subscribe
// instead of being called back directly.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight signal published on a topic.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Well-known coordination topics. Data topics follow the
// worker/{id}/{type} convention and are produced by the bridge.
const (
	TopicTaskDegraded   = "sched/task/degraded"
	TopicWorkerState    = "worker/state"
	TopicWorkerStopped  = "worker/stopped"
	TopicBridgeOverflow = "bridge/overflow"
	TopicTelemetry      = "telemetry/realtime"
)

type Bus interface {
	Publish(topic string, data any)
	Subscribe(topic string, buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns a topic-keyed fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{topics: map[string]map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	topics  map[string]map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(topic string, data any) {
	e := Event{Topic: topic, Time: time.Now(), Data: data}

	// Snapshot subscribers so Publish doesn't hold locks across sends.
	b.mu.RLock()
	subs := b.topics[topic]
	chs := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; slow subscribers drop. If a subscriber
		// unsubscribes concurrently and the channel closes, recover from
		// the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = map[uint64]chan Event{}
		b.topics[topic] = subs
	}
	subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.topics[topic]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports events discarded because a subscriber buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
