// Package summary persists run summaries: atomically on local disk and,
// optionally, mirrored to an S3 bucket.
package summary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/fabprov/pkg/atomicfile"
	"github.com/openfroyo/fabprov/pkg/engine"
)

const (
	// LatestFile is the summary of the most recent run, relative to the state directory.
	LatestFile = "run-summary.json"

	// HistoryDir keeps one summary per run id.
	HistoryDir = "runs"
)

// FileWriter writes <stateDir>/run-summary.json and <stateDir>/runs/<run-id>.json.
type FileWriter struct {
	dir string
}

// NewFileWriter creates the state and history directories if needed.
func NewFileWriter(stateDir string) (*FileWriter, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(filepath.Join(stateDir, HistoryDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create summary directory: %w", err)
	}
	return &FileWriter{dir: stateDir}, nil
}

// Path returns the location of the latest summary.
func (w *FileWriter) Path() string {
	return filepath.Join(w.dir, LatestFile)
}

// Write replaces the latest summary and adds the history copy. Readers see
// either the previous or the new document, never a partial one.
func (w *FileWriter) Write(_ context.Context, s *engine.RunSummary) error {
	if s == nil {
		return fmt.Errorf("summary is nil")
	}
	if s.RunID != "" {
		history := filepath.Join(w.dir, HistoryDir, s.RunID+".json")
		if err := atomicfile.WriteJSON(history, s, 0o644); err != nil {
			return fmt.Errorf("failed to write run history: %w", err)
		}
	}
	if err := atomicfile.WriteJSON(w.Path(), s, 0o644); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}

// Read loads the latest summary from stateDir. A missing file yields nil, nil.
func Read(stateDir string) (*engine.RunSummary, error) {
	return readFile(filepath.Join(stateDir, LatestFile))
}

// MultiWriter fans a summary out to several writers. Every writer is
// attempted; the errors are joined.
type MultiWriter []engine.SummaryWriter

// Write implements engine.SummaryWriter.
func (m MultiWriter) Write(ctx context.Context, s *engine.RunSummary) error {
	var errs []error
	for _, w := range m {
		if w == nil {
			continue
		}
		if err := w.Write(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
