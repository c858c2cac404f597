package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerTicksUntilCancelled(t *testing.T) {
	sched := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan time.Time, 16)
	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
			ticks <- tick
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ticks")
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestSchedulerKeepsGoingAfterTickError(t *testing.T) {
	sched := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count := make(chan struct{}, 16)
	go func() {
		_ = sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
			count <- struct{}{}
			return errors.New("tick failed")
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-count:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler stopped after a tick error")
		}
	}
}

func TestSchedulerStartupDelay(t *testing.T) {
	sched := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		t.Fatal("tick should not fire during startup delay")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNewPanicsOnBadInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive interval")
		}
	}()
	New(Options{Interval: 0}, zerolog.Nop())
}
