package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"officemafia/internal/store"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSweeper) RunStaleSessionCleanup(context.Context) (store.CleanupSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return store.CleanupSummary{}, f.err
	}
	return store.CleanupSummary{Abandoned: 1}, nil
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSchedulerSweepsUntilStopped(t *testing.T) {
	sw := &fakeSweeper{}
	var mu sync.Mutex
	var abandoned int
	s := NewScheduler(sw, Config{
		Interval: 5 * time.Millisecond,
		Logger:   quiet(),
		OnSweep: func(sum store.CleanupSummary) {
			mu.Lock()
			abandoned += sum.Abandoned
			mu.Unlock()
		},
	})

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for sw.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d sweeps ran", sw.count())
		}
		time.Sleep(time.Millisecond)
	}

	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	st := s.Status()
	if st.Running || st.Runs < 3 || st.LastSweep.Abandoned != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if abandoned < 3 {
		t.Fatalf("OnSweep saw %d abandoned", abandoned)
	}
}

func TestSchedulerStopsOnContext(t *testing.T) {
	s := NewScheduler(&fakeSweeper{}, Config{Interval: time.Hour, Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler ignored context cancellation")
	}
}

func TestRunOnceRecordsFailure(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("database is locked")}
	s := NewScheduler(sw, Config{Logger: quiet()})

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	st := s.Status()
	if st.Runs != 1 || st.LastError != "database is locked" {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Interval != "10m0s" {
		t.Fatalf("expected default interval, got %s", st.Interval)
	}
}
