package config

// Config is the on-disk daemon configuration. All durations are Go
// duration strings (e.g. "100ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Workers lists the isolated device loops the daemon spawns at boot.
	Workers []WorkerConfig `json:"workers"`

	Bridge      BridgeConfig       `json:"bridge"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// SchedulerConfig controls the shared task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - failure_threshold: 3
//   - history_size: 32
type SchedulerConfig struct {
	Workers          int `json:"workers,omitempty"`
	FailureThreshold int `json:"failure_threshold,omitempty"`
	HistorySize      int `json:"history_size,omitempty"`
}

// WorkerConfig describes one isolated worker process.
type WorkerConfig struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// Init is passed verbatim in the connect request.
	Init map[string]any `json:"init,omitempty"`

	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	MissThreshold     int    `json:"miss_threshold,omitempty"`
	BackoffBase       string `json:"backoff_base,omitempty"`
	BackoffMax        string `json:"backoff_max,omitempty"`
	MaxRestarts       int    `json:"max_restarts,omitempty"`
	GracefulStop      string `json:"graceful_stop,omitempty"`
	ControlTimeout    string `json:"control_timeout,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
}

type BridgeConfig struct {
	Enabled      bool   `json:"enabled"`
	PollTimeout  string `json:"poll_timeout,omitempty"`
	CleanupGrace string `json:"cleanup_grace,omitempty"`

	MQTT *MQTTConfig `json:"mqtt,omitempty"`
}

type MQTTConfig struct {
	Broker         string `json:"broker"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	QoS            int    `json:"qos,omitempty"`
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

// StorageConfig controls the optional run/event history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rtcore.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "none"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MaintenanceConfig controls the background housekeeping jobs.
type MaintenanceConfig struct {
	// PruneSchedule is a cron expression for history pruning.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	// RetainRuns caps how many run records Prune keeps per task.
	RetainRuns int `json:"retain_runs,omitempty"`
	// TelemetrySchedule is a cron expression for periodic telemetry
	// snapshots on the bus.
	TelemetrySchedule string `json:"telemetry_schedule,omitempty"`
}
