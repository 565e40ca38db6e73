package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/PackPipe/internal/testutil"
)

func TestAddJobRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	if err := s.AddJob("hourly", "0 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Unexpected error for valid expression: %v", err)
	}
	if err := s.AddJob("every", "@every 10m", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Unexpected error for descriptor: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Expected 2 scheduled tasks, got %d", s.Len())
	}
}

func TestRunExecutesTasksUntilCancelled(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return errors.New("failures are logged, not fatal")
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 }, "task never ran")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestTaskContextCancelledOnStop(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{}, 1)
	var sawCancel atomic.Bool
	if err := s.AddJob("long", "@every 1s", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	cancel()
	testutil.WaitFor(t, time.Second, sawCancel.Load, "task context was not cancelled")
}
