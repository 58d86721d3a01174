// Package metrics keeps the in-memory gauges/counters/histograms the
// observability collaborator scrapes via Snapshot. Series are keyed per
// task, per worker and per topic.
package metrics

import (
	"sync"
	"time"
)

// Jitter/latency bucket upper bounds. Control loops here live in the
// sub-millisecond to tens-of-milliseconds range.
var defaultBuckets = []time.Duration{
	50 * time.Microsecond,
	100 * time.Microsecond,
	200 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	2 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	50 * time.Millisecond,
}

// Histogram is a fixed-bucket duration histogram. Counts[len(Bounds)]
// holds the overflow bucket.
type Histogram struct {
	Bounds []time.Duration `json:"bounds"`
	Counts []uint64        `json:"counts"`
	Sum    time.Duration   `json:"sum"`
	N      uint64          `json:"n"`
}

func NewHistogram() *Histogram {
	return &Histogram{
		Bounds: defaultBuckets,
		Counts: make([]uint64, len(defaultBuckets)+1),
	}
}

func (h *Histogram) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	i := 0
	for ; i < len(h.Bounds); i++ {
		if d <= h.Bounds[i] {
			break
		}
	}
	h.Counts[i]++
	h.Sum += d
	h.N++
}

func (h *Histogram) Clone() Histogram {
	cp := *h
	cp.Counts = append([]uint64(nil), h.Counts...)
	return cp
}

// TaskSeries carries per-task scheduler gauges.
type TaskSeries struct {
	Period         time.Duration `json:"period"`
	RunCount       uint64        `json:"run_count"`
	LastJitter     time.Duration `json:"last_jitter"`
	DeadlineMisses uint64        `json:"deadline_misses"`
	Jitter         Histogram     `json:"jitter"`
	Latency        Histogram     `json:"latency"`
}

// WorkerSeries carries per-worker supervision gauges.
type WorkerSeries struct {
	State             string    `json:"state"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	RestartCount      int       `json:"restart_count"`
}

// TopicSeries carries per-topic bridge gauges.
type TopicSeries struct {
	Published      uint64        `json:"published"`
	LastPubLatency time.Duration `json:"last_publish_latency"`
	PubLatency     Histogram     `json:"publish_latency"`
	DroppedCount   uint64        `json:"dropped_count"`
	QueueDepth     int           `json:"queue_depth"`
}

// Snapshot is a point-in-time copy of every series.
type Snapshot struct {
	At      time.Time               `json:"at"`
	Tasks   map[string]TaskSeries   `json:"tasks"`
	Workers map[string]WorkerSeries `json:"workers"`
	Topics  map[string]TopicSeries  `json:"topics"`
}

type taskSeries struct {
	period         time.Duration
	runCount       uint64
	lastJitter     time.Duration
	deadlineMisses uint64
	jitter         *Histogram
	latency        *Histogram
}

type topicSeries struct {
	published      uint64
	lastPubLatency time.Duration
	pubLatency     *Histogram
	droppedCount   uint64
	queueDepth     int
}

type Registry struct {
	mu      sync.Mutex
	tasks   map[string]*taskSeries
	workers map[string]WorkerSeries
	topics  map[string]*topicSeries
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:   map[string]*taskSeries{},
		workers: map[string]WorkerSeries{},
		topics:  map[string]*topicSeries{},
	}
}

func (r *Registry) task(name string) *taskSeries {
	t := r.tasks[name]
	if t == nil {
		t = &taskSeries{jitter: NewHistogram(), latency: NewHistogram()}
		r.tasks[name] = t
	}
	return t
}

// SetTaskPeriod records the configured period gauge for a task.
func (r *Registry) SetTaskPeriod(name string, period time.Duration) {
	r.mu.Lock()
	r.task(name).period = period
	r.mu.Unlock()
}

// ObserveRun records one scheduler dispatch for a task.
func (r *Registry) ObserveRun(name string, jitter, latency time.Duration, deadlineMiss bool) {
	r.mu.Lock()
	t := r.task(name)
	t.runCount++
	t.lastJitter = jitter
	t.jitter.Observe(jitter)
	t.latency.Observe(latency)
	if deadlineMiss {
		t.deadlineMisses++
	}
	r.mu.Unlock()
}

// RemoveTask drops the series of a cancelled task.
func (r *Registry) RemoveTask(name string) {
	r.mu.Lock()
	delete(r.tasks, name)
	r.mu.Unlock()
}

// SetWorker replaces the gauge set for one worker.
func (r *Registry) SetWorker(id string, s WorkerSeries) {
	r.mu.Lock()
	r.workers[id] = s
	r.mu.Unlock()
}

func (r *Registry) RemoveWorker(id string) {
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
}

func (r *Registry) topic(name string) *topicSeries {
	t := r.topics[name]
	if t == nil {
		t = &topicSeries{pubLatency: NewHistogram()}
		r.topics[name] = t
	}
	return t
}

// ObservePublish records one bridge publish with its end-to-end latency
// (publish time minus payload timestamp).
func (r *Registry) ObservePublish(topic string, latency time.Duration) {
	r.mu.Lock()
	t := r.topic(topic)
	t.published++
	t.lastPubLatency = latency
	t.pubLatency.Observe(latency)
	r.mu.Unlock()
}

// SetTopicQueue updates the backpressure gauges for a topic.
func (r *Registry) SetTopicQueue(topic string, depth int, dropped uint64) {
	r.mu.Lock()
	t := r.topic(topic)
	t.queueDepth = depth
	t.droppedCount = dropped
	r.mu.Unlock()
}

// RemoveTopic drops a topic's series (bridge grace-period cleanup).
func (r *Registry) RemoveTopic(topic string) {
	r.mu.Lock()
	delete(r.topics, topic)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		At:      time.Now(),
		Tasks:   make(map[string]TaskSeries, len(r.tasks)),
		Workers: make(map[string]WorkerSeries, len(r.workers)),
		Topics:  make(map[string]TopicSeries, len(r.topics)),
	}
	for name, t := range r.tasks {
		snap.Tasks[name] = TaskSeries{
			Period:         t.period,
			RunCount:       t.runCount,
			LastJitter:     t.lastJitter,
			DeadlineMisses: t.deadlineMisses,
			Jitter:         t.jitter.Clone(),
			Latency:        t.latency.Clone(),
		}
	}
	for id, w := range r.workers {
		snap.Workers[id] = w
	}
	for name, t := range r.topics {
		snap.Topics[name] = TopicSeries{
			Published:      t.published,
			LastPubLatency: t.lastPubLatency,
			PubLatency:     t.pubLatency.Clone(),
			DroppedCount:   t.droppedCount,
			QueueDepth:     t.queueDepth,
		}
	}
	return snap
}
