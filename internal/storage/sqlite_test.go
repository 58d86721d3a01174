package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rtcore/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "history.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestRunHistory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		err := st.AppendRun(ctx, RunEntry{
			Task:           "imu",
			ScheduledStart: base.Add(time.Duration(i) * 10 * time.Millisecond),
			ActualStart:    base.Add(time.Duration(i)*10*time.Millisecond + time.Millisecond),
			ActualFinish:   base.Add(time.Duration(i)*10*time.Millisecond + 3*time.Millisecond),
			JitterMS:       1,
			Missed:         i % 2,
		})
		if err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}

	runs, err := st.RecentRuns(ctx, "imu", 3)
	if err != nil {
		t.Fatalf("RecentRuns error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	// Newest first.
	if !runs[0].ScheduledStart.After(runs[1].ScheduledStart) {
		t.Fatalf("order wrong: %v then %v", runs[0].ScheduledStart, runs[1].ScheduledStart)
	}
	if runs[0].Task != "imu" || runs[0].JitterMS != 1 {
		t.Fatalf("unexpected entry: %+v", runs[0])
	}
}

func TestWorkerEventHistory(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	events := []WorkerEvent{
		{Worker: "cam0", From: "starting", To: "running", Cause: "heartbeat"},
		{Worker: "cam0", From: "running", To: "degraded", Cause: "heartbeat"},
		{Worker: "lidar", From: "starting", To: "running", Cause: "heartbeat"},
	}
	for i, e := range events {
		if err := st.AppendWorkerEvent(ctx, e); err != nil {
			t.Fatalf("AppendWorkerEvent %d: %v", i, err)
		}
	}

	got, err := st.RecentWorkerEvents(ctx, "cam0", 10)
	if err != nil {
		t.Fatalf("RecentWorkerEvents error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].To != "degraded" {
		t.Fatalf("newest event = %+v, want degraded transition", got[0])
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := st.AppendRun(ctx, RunEntry{Task: "imu", ScheduledStart: time.Now()}); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	if err := st.Prune(ctx, 5); err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	runs, err := st.RecentRuns(ctx, "imu", 100)
	if err != nil {
		t.Fatalf("RecentRuns error: %v", err)
	}
	if len(runs) != 5 {
		t.Fatalf("len after prune = %d, want 5", len(runs))
	}
}
