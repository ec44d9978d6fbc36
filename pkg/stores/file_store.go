package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/fabprov/pkg/atomicfile"
	"github.com/openfroyo/fabprov/pkg/engine"
)

// recordsDir is the state subdirectory holding one file per record.
const recordsDir = "records"

// FileStore keeps one JSON document per idempotency key under
// <stateDir>/records. Writes are atomic and serialized per key.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the records directory if needed.
func NewFileStore(stateDir string) (*FileStore, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	dir := filepath.Join(stateDir, recordsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *FileStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid idempotency key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Get returns the record for key, or nil when none exists.
func (s *FileStore) Get(_ context.Context, key string) (*engine.ProvisioningRecord, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	return readRecord(p)
}

// Put replaces the record for record.IdempotencyKey.
func (s *FileStore) Put(_ context.Context, record *engine.ProvisioningRecord) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	p, err := s.path(record.IdempotencyKey)
	if err != nil {
		return err
	}

	l := s.keyLock(record.IdempotencyKey)
	l.Lock()
	defer l.Unlock()

	if err := atomicfile.WriteJSON(p, record, 0o644); err != nil {
		return fmt.Errorf("failed to write record %s: %w", record.IdempotencyKey, err)
	}
	return nil
}

// List returns every record ordered by key.
func (s *FileStore) List(_ context.Context) ([]*engine.ProvisioningRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	records := make([]*engine.ProvisioningRecord, 0, len(names))
	for _, name := range names {
		rec, err := readRecord(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func readRecord(path string) (*engine.ProvisioningRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	rec := &engine.ProvisioningRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}
