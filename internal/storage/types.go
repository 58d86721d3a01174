package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// RunEntry records one completed task run.
// Keep it compact and schema-stable.
type RunEntry struct {
	At             time.Time
	Task           string
	ScheduledStart time.Time
	ActualStart    time.Time
	ActualFinish   time.Time
	JitterMS       int64
	Missed         int
	Error          string
}

// WorkerEvent records one worker lifecycle transition.
type WorkerEvent struct {
	At     time.Time
	Worker string
	From   string
	To     string
	Cause  string
}
