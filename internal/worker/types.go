package worker

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRunning rejects a Spawn for an id that already has a live
	// isolated context.
	ErrAlreadyRunning = errors.New("worker: already running")
	// ErrNotFound is returned for operations on unknown workers.
	ErrNotFound = errors.New("worker: not found")
	// ErrNotConnected is returned for control commands to a worker that
	// has no live control channel.
	ErrNotConnected = errors.New("worker: not connected")
)

// State is the worker lifecycle state.
//
//	Starting → Running → Degraded → Restarting → Running
//	                   ↘ Degraded → Stopped (restart ceiling)
//
// Stopped is terminal and reachable only via explicit shutdown or ceiling
// exhaustion.
type State uint8

const (
	StateStarting State = iota
	StateRunning
	StateDegraded
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds supervision knobs for one worker. Zero fields fall back to
// the defaults below.
type Config struct {
	// HeartbeatInterval is the agreed liveness cadence. The checker's
	// miss window is derived from it, so it must stay well under any
	// hard timeout the caller depends on.
	HeartbeatInterval time.Duration
	// MissThreshold is the consecutive-miss count that degrades a worker.
	MissThreshold int
	// BackoffBase and BackoffMax bound the restart backoff
	// (base * 2^restart_count, capped).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxRestarts is the restart-attempt ceiling before the worker is
	// stopped permanently.
	MaxRestarts int
	// GracefulStopTimeout bounds how long Stop waits for a confirmed
	// termination before force-killing the context.
	GracefulStopTimeout time.Duration
	// ControlTimeout bounds individual control-channel calls.
	ControlTimeout time.Duration
	// QueueSize is the data ring capacity.
	QueueSize int
}

const (
	defaultHeartbeatInterval = 100 * time.Millisecond
	defaultMissThreshold     = 3
	defaultBackoffBase       = 250 * time.Millisecond
	defaultBackoffMax        = 10 * time.Second
	defaultMaxRestarts       = 5
	defaultStopTimeout       = 2 * time.Second
	defaultControlTimeout    = 2 * time.Second
	defaultQueueSize         = 64
)

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = defaultMissThreshold
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = defaultBackoffMax
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = defaultStopTimeout
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = defaultControlTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}

// Spec describes one worker to spawn.
type Spec struct {
	ID string
	// Init is the configuration payload delivered with the connect
	// request when the isolated context starts.
	Init map[string]any
	Config
}

// Record is a point-in-time snapshot of one worker's supervision state.
type Record struct {
	ID                string    `json:"id"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	RestartCount      int       `json:"restart_count"`
	BackoffUntil      time.Time `json:"backoff_until,omitempty"`
}

// StateEvent is published on the bus for every lifecycle transition.
type StateEvent struct {
	Worker string `json:"worker"`
	From   string `json:"from"`
	To     string `json:"to"`
	// Cause distinguishes heartbeat timeouts from process crashes and
	// explicit stops.
	Cause string `json:"cause,omitempty"`
}
