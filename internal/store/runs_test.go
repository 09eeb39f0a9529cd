package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestRun(id string) *Run {
	now := time.Now().UTC()
	return &Run{
		RunID:        id,
		Source:       "test",
		ThreadKey:    "cli:default",
		DeliveryMode: DeliverFollowUp,
		Status:       RunRunning,
		InputText:    "hello",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestIngestMessageDeduplicatesOnKey(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	params := IngestParams{Source: "telegram", IdempotencyKey: "telegram:update:100"}
	calls := 0
	factory := func() *Run {
		calls++
		return newTestRun(fmt.Sprintf("run-%d", calls))
	}

	first, dedup, err := st.IngestMessage(ctx, params, factory)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if dedup {
		t.Error("first ingest reported deduplicated")
	}

	second, dedup, err := st.IngestMessage(ctx, params, factory)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !dedup {
		t.Error("second ingest with same key not deduplicated")
	}
	if second.RunID != first.RunID {
		t.Errorf("deduplicated run id = %s, want %s", second.RunID, first.RunID)
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
}

func TestIngestMessageScopesKeyBySource(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	n := 0
	factory := func() *Run {
		n++
		return newTestRun(fmt.Sprintf("run-%d", n))
	}
	a, _, err := st.IngestMessage(ctx, IngestParams{Source: "telegram", IdempotencyKey: "k"}, factory)
	if err != nil {
		t.Fatal(err)
	}
	b, dedup, err := st.IngestMessage(ctx, IngestParams{Source: "api", IdempotencyKey: "k"}, factory)
	if err != nil {
		t.Fatal(err)
	}
	if dedup || a.RunID == b.RunID {
		t.Errorf("same key across sources collapsed: %s vs %s (dedup=%v)", a.RunID, b.RunID, dedup)
	}
}

func TestIngestMessageEmptyKeySynthesizes(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	n := 0
	factory := func() *Run {
		n++
		return newTestRun(fmt.Sprintf("run-%d", n))
	}
	// two keyless ingests must never collide
	a, _, err := st.IngestMessage(ctx, IngestParams{Source: "cli"}, factory)
	if err != nil {
		t.Fatal(err)
	}
	b, dedup, err := st.IngestMessage(ctx, IngestParams{Source: "cli"}, factory)
	if err != nil {
		t.Fatal(err)
	}
	if dedup || a.RunID == b.RunID {
		t.Errorf("keyless ingests collided: %s vs %s", a.RunID, b.RunID)
	}
}

func TestFinalizeRunWritesOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	run := newTestRun("run-final")
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	output := &RunOutput{Type: "message", Text: "done", Provider: "echo", Model: "echo-1", DeliveryMode: "followUp"}
	if err := st.FinalizeRun(ctx, run.RunID, RunSucceeded, output, ""); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	// the second write must be rejected, terminal rows are immutable
	err := st.FinalizeRun(ctx, run.RunID, RunFailed, nil, "late failure")
	if !errors.Is(err, ErrRunFinalized) {
		t.Fatalf("second FinalizeRun error = %v, want ErrRunFinalized", err)
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
	if got.Output == nil || got.Output.Text != "done" || got.Output.Provider != "echo" {
		t.Errorf("output = %+v, want original success output", got.Output)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty", got.ErrorMessage)
	}
}

func TestFinalizeRunUnknownID(t *testing.T) {
	st := openTestStore(t)
	err := st.FinalizeRun(context.Background(), "missing", RunFailed, nil, "boom")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinalizeRun(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestFinalizeRunRejectsNonTerminalStatus(t *testing.T) {
	st := openTestStore(t)
	if err := st.FinalizeRun(context.Background(), "x", RunRunning, nil, ""); err == nil {
		t.Error("FinalizeRun with running status succeeded, want error")
	}
}

func TestGetRunNotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.GetRun(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun(nope) error = %v, want ErrRunNotFound", err)
	}
}

func TestAttachRunImages(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	run := newTestRun("run-img")
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	images := []RunImage{{MimeType: "image/png", Data: []byte{1, 2, 3}, Filename: "a.png"}}
	if err := st.AttachRunImages(ctx, run.RunID, images); err != nil {
		t.Fatalf("AttachRunImages: %v", err)
	}

	got, err := st.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Images) != 1 || got.Images[0].Filename != "a.png" || len(got.Images[0].Data) != 3 {
		t.Errorf("images = %+v, want the attached image back", got.Images)
	}
}

// TestListUnfinishedRuns verifies only running runs are returned, oldest
// first, so restart recovery replays them in submission order.
func TestListUnfinishedRuns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	older := newTestRun("run-old")
	older.CreatedAt = older.CreatedAt.Add(-time.Minute)
	older.UpdatedAt = older.CreatedAt
	newer := newTestRun("run-new")
	done := newTestRun("run-done")
	for _, run := range []*Run{newer, older, done} {
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun(%s): %v", run.RunID, err)
		}
	}
	if err := st.FinalizeRun(ctx, "run-done", RunSucceeded, &RunOutput{Type: "message", Text: "ok"}, ""); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	unfinished, err := st.ListUnfinishedRuns(ctx)
	if err != nil {
		t.Fatalf("ListUnfinishedRuns: %v", err)
	}
	if len(unfinished) != 2 {
		t.Fatalf("got %d unfinished runs, want 2", len(unfinished))
	}
	if unfinished[0].RunID != "run-old" || unfinished[1].RunID != "run-new" {
		t.Errorf("order = [%s %s], want oldest first", unfinished[0].RunID, unfinished[1].RunID)
	}
}
