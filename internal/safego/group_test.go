package safego

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestGoRestartsAfterPanic(t *testing.T) {
	PanicOutput = io.Discard
	var calls atomic.Int32
	var group errgroup.Group
	Go(context.Background(), &group, "flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("first call")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestGoPropagatesError(t *testing.T) {
	want := errors.New("fatal")
	var group errgroup.Group
	Go(context.Background(), &group, "failing", func(context.Context) error {
		return want
	})
	if err := group.Wait(); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestGoStopsRestartingOnCancel(t *testing.T) {
	PanicOutput = io.Discard
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	var group errgroup.Group
	Go(ctx, &group, "always-panics", func(context.Context) error {
		calls.Add(1)
		cancel()
		panic("again")
	})

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop ignored cancellation")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}
