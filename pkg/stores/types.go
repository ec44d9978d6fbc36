package stores

import (
	"context"
	"time"

	"github.com/openfroyo/fabprov/pkg/engine"
)

// Run is one row of run history.
type Run struct {
	ID          string                     `json:"id"`
	Status      engine.RunStatus           `json:"status"`
	DryRun      bool                       `json:"dry_run"`
	Forced      bool                       `json:"forced"`
	CatalogPath string                     `json:"catalog_path,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at"`
	DurationMS  int64                      `json:"duration_ms"`
	Error       string                     `json:"error,omitempty"`
	Counts      map[engine.RecordState]int `json:"counts"`
}

// Store is the full persistence surface of a state backend.
type Store interface {
	engine.RecordStore
	engine.RecordLister
	engine.SummaryWriter
	engine.EventPublisher

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// GetEvents returns the timeline of a run in order.
	GetEvents(ctx context.Context, runID string, limit int) ([]*engine.Event, error)

	Close() error
}

// Ensure SQLiteStore satisfies Store.
var _ Store = (*SQLiteStore)(nil)
