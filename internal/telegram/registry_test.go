package telegram

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryTracksAndDeregisters(t *testing.T) {
	r := NewRegistry(testLogger())
	release := make(chan struct{})

	r.Register("run-1", "telegram:chat:1", func(ctx context.Context) {
		<-release
	})
	if got := r.Active(); got != 1 {
		t.Fatalf("Active = %d, want 1", got)
	}

	close(release)
	waitFor(t, func() bool { return r.Active() == 0 })
}

func TestRegistryDuplicateRunIDIsNoOp(t *testing.T) {
	r := NewRegistry(testLogger())
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	start := func(ctx context.Context) {
		started <- struct{}{}
		<-release
	}
	r.Register("run-1", "telegram:chat:1", start)
	r.Register("run-1", "telegram:chat:1", start)

	<-started
	select {
	case <-started:
		t.Error("duplicate registration started a second delivery")
	case <-time.After(50 * time.Millisecond):
	}
	if got := r.Active(); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}

	close(release)
	r.AbortAllAndWait()
}

func TestAbortThreadCancelsOnlyThatThread(t *testing.T) {
	r := NewRegistry(testLogger())
	aCancelled := make(chan struct{})
	bAlive := make(chan struct{})

	r.Register("run-a", "telegram:chat:1", func(ctx context.Context) {
		<-ctx.Done()
		close(aCancelled)
	})
	r.Register("run-b", "telegram:chat:2", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			t.Error("delivery on another thread was cancelled")
		case <-bAlive:
		}
	})

	r.AbortThread("telegram:chat:1")
	select {
	case <-aCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("AbortThread did not cancel the thread's delivery")
	}

	close(bAlive)
	r.AbortAllAndWait()
}

func TestAbortAllAndWaitSettlesEverything(t *testing.T) {
	r := NewRegistry(testLogger())
	for i, key := range []string{"telegram:chat:1", "telegram:chat:1", "telegram:chat:2"} {
		runID := string(rune('a' + i))
		r.Register("run-"+runID, key, func(ctx context.Context) {
			<-ctx.Done()
		})
	}
	if got := r.Active(); got != 3 {
		t.Fatalf("Active = %d, want 3", got)
	}

	r.AbortAllAndWait()
	if got := r.Active(); got != 0 {
		t.Errorf("Active after AbortAllAndWait = %d, want 0", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
