package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoPanicRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("boom", func(context.Context) { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}

	var found bool
	for _, st := range s.Stats() {
		if st.Name == "boom" && st.Panics == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic not recorded in stats: %+v", s.Stats())
	}
}

func TestGoErrorBecomesFirstErr(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	want := errors.New("pump broke")
	s.Go("pump", func(context.Context) error { return want })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, want) {
		t.Fatalf("Stop err = %v, want %v", err, want)
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var attempts atomic.Int64
	done := make(chan struct{})
	s.GoRestart("flaky", func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop never recovered, attempts = %d", attempts.Load())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error after clean exit: %v", err)
	}
}

func TestGoRestartCeiling(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var attempts atomic.Int64
	s.GoRestart("hopeless", func(context.Context) error {
		attempts.Add(1)
		return errors.New("permanent")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected first error after giving up")
	}
	// Initial run + 2 restarts.
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestStopCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	started := make(chan struct{})
	s.Go0("loop", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}
