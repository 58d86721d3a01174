package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rtcore/internal/metrics"
)

var (
	// ErrInvalidConfig rejects a malformed task config at registration;
	// nothing is scheduled.
	ErrInvalidConfig = errors.New("sched: invalid config")
	// ErrDuplicateTask rejects a name collision unless replacement was
	// requested explicitly.
	ErrDuplicateTask = errors.New("sched: duplicate task")
	// ErrNotFound is returned for operations on unknown, cancelled or
	// replaced tasks.
	ErrNotFound = errors.New("sched: task not found")
	// ErrStopped is returned once the scheduler has been stopped.
	ErrStopped = errors.New("sched: scheduler stopped")
)

// Config describes one periodic task. Immutable after registration;
// re-registering the same name with WithReplace swaps the task atomically.
type Config struct {
	Name      string
	Period    time.Duration
	Deadline  time.Duration // may be shorter or longer than Period
	MaxJitter time.Duration
	Priority  int  // lower value = more urgent
	Isolated  bool // tracked worker loop; never dispatched on the shared pool
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if c.Period <= 0 {
		return fmt.Errorf("%w: period must be > 0 (task %q)", ErrInvalidConfig, c.Name)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("%w: deadline must be > 0 (task %q)", ErrInvalidConfig, c.Name)
	}
	if c.MaxJitter < 0 {
		return fmt.Errorf("%w: max jitter must be >= 0 (task %q)", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Body is the tagged task payload: either a local callable dispatched on
// the shared pool, or the id of an isolated worker the scheduler only
// tracks via liveness probes. Exactly one field must be set.
type Body struct {
	Func   func(ctx context.Context) error
	Worker string
}

func (b Body) validate() error {
	if (b.Func == nil) == (b.Worker == "") {
		return fmt.Errorf("%w: body must set exactly one of func or worker", ErrInvalidConfig)
	}
	return nil
}

// Run is one per-execution record. Only the most recent N are retained.
type Run struct {
	ScheduledStart time.Time
	ActualStart    time.Time
	ActualFinish   time.Time
	Missed         bool
	Err            string
}

// Jitter is ActualStart - ScheduledStart.
func (r Run) Jitter() time.Duration { return r.ActualStart.Sub(r.ScheduledStart) }

// Stats is a point-in-time snapshot for one task.
type Stats struct {
	RunCount            uint64
	DeadlineMissCount   uint64
	ConsecutiveFailures int
	Degraded            bool
	LastJitter          time.Duration
	JitterHistogram     metrics.Histogram
	Recent              []Run
}

// TaskStatus is the telemetry view of a registered task.
type TaskStatus struct {
	Name              string        `json:"name"`
	Period            time.Duration `json:"period"`
	Priority          int           `json:"priority"`
	Isolated          bool          `json:"isolated"`
	Degraded          bool          `json:"degraded"`
	RunCount          uint64        `json:"run_count"`
	DeadlineMissCount uint64        `json:"deadline_miss_count"`
	LastJitter        time.Duration `json:"last_jitter"`
	NextRun           time.Time     `json:"next_run"`
}

// DegradedEvent is published on the bus when a task crosses its
// consecutive failure or deadline-miss threshold.
type DegradedEvent struct {
	Task                string `json:"task"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	ConsecutiveMisses   int    `json:"consecutive_misses"`
}
