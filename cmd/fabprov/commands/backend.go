package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/stores"
	"github.com/openfroyo/fabprov/pkg/summary"
)

const (
	backendFile   = "file"
	backendSQLite = "sqlite"

	// sqliteFile is the database name inside the state directory.
	sqliteFile = "state.db"
)

// stateBackend groups the persistence collaborators of a run.
type stateBackend struct {
	records   engine.RecordStore
	lister    engine.RecordLister
	summaries summary.MultiWriter
	events    engine.EventPublisher

	// history is set for backends that keep run history.
	history stores.Store
}

// Close releases the backend.
func (b *stateBackend) Close() error {
	if b.history != nil {
		return b.history.Close()
	}
	return nil
}

// openBackend opens the configured state backend under the state directory.
// The local run summary file is written for every backend.
func (a *app) openBackend(ctx context.Context) (*stateBackend, error) {
	files, err := summary.NewFileWriter(a.stateDir)
	if err != nil {
		return nil, err
	}

	switch a.stateBackend {
	case backendSQLite:
		db, err := stores.OpenSQLiteStore(ctx, filepath.Join(a.stateDir, sqliteFile))
		if err != nil {
			return nil, fmt.Errorf("failed to open state database: %w", err)
		}
		return &stateBackend{
			records:   db,
			lister:    db,
			summaries: summary.MultiWriter{files, db},
			events:    db,
			history:   db,
		}, nil
	default:
		fs, err := stores.NewFileStore(a.stateDir)
		if err != nil {
			return nil, err
		}
		return &stateBackend{
			records:   fs,
			lister:    fs,
			summaries: summary.MultiWriter{files},
		}, nil
	}
}
