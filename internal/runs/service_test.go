package runs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/jagc/internal/agent"
	"github.com/nextlevelbuilder/jagc/internal/executor"
	"github.com/nextlevelbuilder/jagc/internal/store"
	"github.com/nextlevelbuilder/jagc/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "jagc.sqlite"), store.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), migrations.FS()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	exec := executor.New(st, agent.EchoRunner{}, dir, testLogger())
	svc := NewService(st, exec, testLogger())
	svc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, st
}

// waitTerminal polls until the run reaches a terminal status.
func waitTerminal(t *testing.T, svc *Service, runID string) *store.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", runID, err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

func TestIngestMessageExecutesToSuccess(t *testing.T) {
	svc, _ := newTestService(t)

	run, dedup, err := svc.IngestMessage(context.Background(), IngestParams{
		Source:    "api",
		ThreadKey: "api:caller-1",
		Text:      "do the thing",
	})
	if err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}
	if dedup {
		t.Error("fresh message reported deduplicated")
	}

	final := waitTerminal(t, svc, run.RunID)
	if final.Status != store.RunSucceeded {
		t.Fatalf("run status = %s (%s), want succeeded", final.Status, final.ErrorMessage)
	}
	if final.Output == nil || final.Output.Text != "do the thing" {
		t.Errorf("output = %+v, want echoed input", final.Output)
	}
	if final.Output.DeliveryMode != "followUp" {
		t.Errorf("output delivery mode = %q, want followUp", final.Output.DeliveryMode)
	}
}

func TestIngestMessageValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		params  IngestParams
		wantErr error
	}{
		{
			name:    "bad delivery mode",
			params:  IngestParams{Source: "api", ThreadKey: "api:x", Text: "hi", DeliveryMode: "shout"},
			wantErr: ErrInvalidDeliveryMode,
		},
		{
			name:    "bad thread key",
			params:  IngestParams{Source: "api", ThreadKey: "has space", Text: "hi"},
			wantErr: ErrInvalidThreadKey,
		},
		{
			name:    "empty text",
			params:  IngestParams{Source: "api", ThreadKey: "api:x"},
			wantErr: ErrEmptyText,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.IngestMessage(ctx, tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIngestMessageIdempotency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	params := IngestParams{
		Source:         "api",
		ThreadKey:      "api:caller-1",
		Text:           "only once",
		IdempotencyKey: "client-key-1",
	}

	first, _, err := svc.IngestMessage(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, first.RunID)

	// the retry after completion returns the terminal run untouched
	second, dedup, err := svc.IngestMessage(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if !dedup || second.RunID != first.RunID {
		t.Errorf("retry = run %s dedup=%v, want original %s deduplicated", second.RunID, dedup, first.RunID)
	}
	if second.Status != store.RunSucceeded {
		t.Errorf("retried run status = %s, want the recorded terminal state", second.Status)
	}
}

func TestExecuteRunByIDTerminalBackstop(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	run, _, err := svc.IngestMessage(ctx, IngestParams{Source: "api", ThreadKey: "api:x", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, svc, run.RunID)

	// duplicate dispatch of a terminal run must change nothing
	if err := svc.ExecuteRunByID(ctx, run.RunID); err != nil {
		t.Fatalf("ExecuteRunByID on terminal run: %v", err)
	}
	again, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != final.Status || !again.UpdatedAt.Equal(final.UpdatedAt) {
		t.Errorf("terminal run mutated by redispatch: %+v vs %+v", again, final)
	}
}

func TestExecuteRunByIDUnknownRun(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.ExecuteRunByID(context.Background(), "missing")
	if !errors.Is(err, store.ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
}

func TestSubscribeRunProgress(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	events := map[string][]ProgressEvent{}
	record := func(ev ProgressEvent) {
		mu.Lock()
		events[ev.RunID] = append(events[ev.RunID], ev)
		mu.Unlock()
	}

	// subscribe before the run exists: the run id comes from ingest, so
	// instead ingest on a quiet thread and subscribe from the queued event
	run, _, err := svc.IngestMessage(ctx, IngestParams{Source: "api", ThreadKey: "api:prog", Text: "watch me"})
	if err != nil {
		t.Fatal(err)
	}
	unsub := svc.SubscribeRunProgress(run.RunID, record)
	defer unsub()

	final := waitTerminal(t, svc, run.RunID)
	if final.Status != store.RunSucceeded {
		t.Fatalf("run failed: %s", final.ErrorMessage)
	}

	// the terminal event reaches subscribers
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		evs := append([]ProgressEvent(nil), events[run.RunID]...)
		mu.Unlock()
		var terminal *ProgressEvent
		for i := range evs {
			if evs[i].Terminal() {
				terminal = &evs[i]
			}
		}
		if terminal != nil {
			if terminal.Kind != ProgressSucceeded || terminal.Output == nil || terminal.Output.Text != "watch me" {
				t.Errorf("terminal event = %+v", terminal)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no terminal progress event, saw %v", evs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIngestAttachesBufferedImages(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	scope := store.ImageScope{ThreadKey: "telegram:chat:5", UserKey: "telegram:user:7"}

	if _, err := st.BufferTelegramImages(ctx, scope, 900, "", []store.RunImage{
		{MimeType: "image/png", Data: []byte("pixels"), Filename: "shot.png"},
	}); err != nil {
		t.Fatal(err)
	}

	run, _, err := svc.IngestMessage(ctx, IngestParams{
		Source:    "telegram",
		ThreadKey: scope.ThreadKey,
		UserKey:   scope.UserKey,
		Text:      "describe this image",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, svc, run.RunID)

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 1 || got.Images[0].Filename != "shot.png" {
		t.Errorf("run images = %+v, want the buffered image attached", got.Images)
	}

	// the buffer was drained
	left, err := st.DrainPendingImages(ctx, scope)
	if err != nil || len(left) != 0 {
		t.Errorf("pending images after ingest = %d, %v, want none", len(left), err)
	}
}

// TestRecoverFinishesInterruptedRuns simulates a restart: a run persisted
// as running by an earlier process is re-enqueued by Recover and reaches a
// terminal state instead of staying running forever.
func TestRecoverFinishesInterruptedRuns(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC().Add(-time.Minute)
	interrupted := &store.Run{
		RunID:        "run-interrupted",
		Source:       "api",
		ThreadKey:    "api:restart",
		DeliveryMode: store.DeliverFollowUp,
		Status:       store.RunRunning,
		InputText:    "pick up where we left off",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := st.InsertRun(ctx, interrupted); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	n, err := svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("Recover re-enqueued %d runs, want 1", n)
	}

	final := waitTerminal(t, svc, "run-interrupted")
	if final.Status != store.RunSucceeded {
		t.Fatalf("recovered run status = %s (%s), want succeeded", final.Status, final.ErrorMessage)
	}
	if final.Output == nil || final.Output.Text != "pick up where we left off" {
		t.Errorf("output = %+v, want echoed input", final.Output)
	}
}

// TestRecoverSkipsTerminalRuns verifies a clean store recovers nothing.
func TestRecoverSkipsTerminalRuns(t *testing.T) {
	svc, _ := newTestService(t)

	run, _, err := svc.IngestMessage(context.Background(), IngestParams{
		Source: "api", ThreadKey: "api:clean", Text: "done already",
	})
	if err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}
	waitTerminal(t, svc, run.RunID)

	n, err := svc.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Errorf("Recover re-enqueued %d runs, want 0", n)
	}
}
