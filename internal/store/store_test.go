package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/jagc/migrations"
)

// openTestStore opens a fresh migrated store in a temp directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jagc.sqlite")
	st, err := Open(path, WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background(), migrations.FS()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var wantMigrations = []string{
	"001_runs_and_ingest",
	"002_thread_sessions",
	"003_scheduled_tasks",
	"004_scheduled_tasks_rrule",
}

func TestMigrateRecordsEachMigrationOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// a second pass must be a no-op
	if err := st.Migrate(ctx, migrations.FS()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	applied, err := st.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if !reflect.DeepEqual(applied, wantMigrations) {
		t.Errorf("applied migrations = %v, want %v", applied, wantMigrations)
	}
}

// TestMigrateConcurrentProcessesConverge models two processes starting
// against the same database file at once: both migrate, neither fails, and
// every migration lands exactly once.
func TestMigrateConcurrentProcessesConverge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	ctx := context.Background()

	open := func() *Store {
		st, err := Open(path, WithLogger(testLogger()))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return st
	}
	a, b := open(), open()
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, st := range []*Store{a, b} {
		wg.Add(1)
		go func(st *Store) {
			defer wg.Done()
			errs <- st.Migrate(ctx, migrations.FS())
		}(st)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Migrate: %v", err)
		}
	}

	applied, err := a.AppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if !reflect.DeepEqual(applied, wantMigrations) {
		t.Errorf("applied migrations = %v, want %v", applied, wantMigrations)
	}
}
