package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/fabprov/pkg/engine"
)

// setupTestStore creates a migrated SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(key string, state engine.RecordState) *engine.ProvisioningRecord {
	return &engine.ProvisioningRecord{
		IdempotencyKey: key,
		Kind:           engine.KindWorkspace,
		DisplayName:    "Controller",
		State:          state,
		Attempts:       1,
		RunID:          "run-1",
		CreatedAtUTC:   time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC),
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations checks that migrating twice is a no-op.
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}

	tables := []string{"provisioning_records", "runs", "events"}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestMissingStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	got, err := store.Get(ctx, "workspace-missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing record, got %+v", got)
	}

	pending := sampleRecord("workspace-abc", engine.StatePending)
	if err := store.Put(ctx, pending); err != nil {
		t.Fatalf("Put pending: %v", err)
	}

	done := *pending
	completed := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)
	done.State = engine.StateSucceeded
	done.ResolvedID = "ws-1"
	done.LastHTTPStatus = 201
	done.CompletedAtUTC = &completed
	if err := store.Put(ctx, &done); err != nil {
		t.Fatalf("Put succeeded: %v", err)
	}

	got, err = store.Get(ctx, "workspace-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != engine.StateSucceeded || got.ResolvedID != "ws-1" || got.LastHTTPStatus != 201 {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.CreatedAtUTC.Equal(pending.CreatedAtUTC) {
		t.Errorf("created_at = %v, want %v", got.CreatedAtUTC, pending.CreatedAtUTC)
	}
	if got.CompletedAtUTC == nil || !got.CompletedAtUTC.Equal(completed) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAtUTC, completed)
	}
	if got.Error != nil {
		t.Errorf("expected no error, got %+v", got.Error)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record per key, got %d", len(all))
	}
}

func TestRecordErrorPersisted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("data_container-1", engine.StateFailed)
	rec.Kind = engine.KindDataContainer
	rec.ParentKey = "workspace-abc"
	rec.Error = &engine.RecordError{Class: engine.ErrorClassClient, Code: "VALIDATION_ERROR", Message: "bad name"}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, rec.IdempotencyKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Error == nil || got.Error.Class != engine.ErrorClassClient || got.Error.Message != "bad name" {
		t.Errorf("error not persisted: %+v", got.Error)
	}
	if got.ParentKey != "workspace-abc" || got.Kind != engine.KindDataContainer {
		t.Errorf("unexpected record: %+v", got)
	}
}

func TestRejectsUnknownState(t *testing.T) {
	store := setupTestStore(t)
	rec := sampleRecord("workspace-x", engine.RecordState("exploded"))
	if err := store.Put(context.Background(), rec); err == nil {
		t.Fatal("expected check constraint violation")
	}
}

func TestRunHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []engine.RunStatus{engine.RunStatusFailed, engine.RunStatusSucceeded} {
		summary := &engine.RunSummary{
			RunID:       []string{"run-a", "run-b"}[i],
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			CompletedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			DurationMS:  60000,
			Status:      status,
			Counts:      map[engine.RecordState]int{engine.StateSucceeded: 3},
		}
		if err := store.Write(ctx, summary); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-b" || runs[0].Status != engine.RunStatusSucceeded {
		t.Errorf("expected most recent run first, got %+v", runs[0])
	}
	if runs[1].Counts[engine.StateSucceeded] != 3 {
		t.Errorf("counts not persisted: %+v", runs[1].Counts)
	}
}

func TestEventTimeline(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events := []*engine.Event{
		{RunID: "run-1", Type: engine.EventTypeRunStarted, Level: "info", Message: "started", Timestamp: base},
		{RunID: "run-1", ResourceID: "ws", Type: engine.EventTypeResourceSucceeded, Level: "info", Message: "ok", Timestamp: base.Add(time.Second)},
		{RunID: "run-2", Type: engine.EventTypeRunStarted, Level: "info", Message: "other", Timestamp: base},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if e.ID == "" {
			t.Error("Publish should assign an id")
		}
	}

	got, err := store.GetEvents(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != engine.EventTypeRunStarted || got[1].ResourceID != "ws" {
		t.Errorf("unexpected order: %+v, %+v", got[0], got[1])
	}
}

func TestMemoryStoreUsesSingleConnection(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("MaxOpenConns = %d, want 1", store.cfg.MaxOpenConns)
	}
}
