package storage

import (
	"context"
	"errors"
	"strings"

	"rtcore/pkg/logx"
)

// Store is the persistence API used by the daemon for run and worker
// event history.
type Store interface {
	AppendRun(ctx context.Context, e RunEntry) error
	AppendWorkerEvent(ctx context.Context, e WorkerEvent) error
	RecentRuns(ctx context.Context, task string, limit int) ([]RunEntry, error)
	RecentWorkerEvents(ctx context.Context, worker string, limit int) ([]WorkerEvent, error)
	Prune(ctx context.Context, retainRuns int) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
