package summary

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fabprov/pkg/engine"
)

func sampleSummary(runID string, status engine.RunStatus) *engine.RunSummary {
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	return &engine.RunSummary{
		RunID:       runID,
		StartedAt:   start,
		CompletedAt: start.Add(3 * time.Second),
		DurationMS:  3000,
		Status:      status,
		Counts:      map[engine.RecordState]int{engine.StateSucceeded: 2},
		Resources: []engine.ResourceOutcome{
			{ID: "W", Kind: engine.KindWorkspace, DisplayName: "Controller", State: engine.StateSucceeded, ResolvedID: "ws-1"},
		},
		Forest: engine.Forest{Roots: []string{"W"}},
	}
}

func TestFileWriterLatestAndHistory(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, sampleSummary("run-1", engine.RunStatusFailed)))
	require.NoError(t, w.Write(ctx, sampleSummary("run-2", engine.RunStatusSucceeded)))

	latest, err := Read(dir)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, engine.RunStatusSucceeded, latest.Status)
	assert.Equal(t, "ws-1", latest.Resources[0].ResolvedID)

	for _, id := range []string{"run-1", "run-2"} {
		_, err := os.Stat(filepath.Join(dir, HistoryDir, id+".json"))
		assert.NoError(t, err, "history for %s", id)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{LatestFile, HistoryDir}, names)
}

func TestReadMissingSummary(t *testing.T) {
	s, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestReadCorruptSummary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LatestFile), []byte("{"), 0o644))
	_, err := Read(dir)
	assert.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3WriterKeys(t *testing.T) {
	client := &fakeS3{}
	w := NewS3WriterWithClient(client, "bucket", "/fabprov/summaries/")

	require.NoError(t, w.Write(context.Background(), sampleSummary("run-9", engine.RunStatusPartial)))

	assert.Contains(t, client.objects, "bucket/fabprov/summaries/run-9.json")
	assert.Contains(t, client.objects, "bucket/fabprov/summaries/latest.json")
	assert.JSONEq(t,
		string(client.objects["bucket/fabprov/summaries/run-9.json"]),
		string(client.objects["bucket/fabprov/summaries/latest.json"]))
}

func TestS3WriterWithoutPrefix(t *testing.T) {
	client := &fakeS3{}
	w := NewS3WriterWithClient(client, "bucket", "")

	require.NoError(t, w.Write(context.Background(), sampleSummary("run-1", engine.RunStatusSucceeded)))
	assert.Contains(t, client.objects, "bucket/run-1.json")
	assert.Contains(t, client.objects, "bucket/latest.json")
}

func TestMultiWriterAttemptsAll(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(dir)
	require.NoError(t, err)

	broken := NewS3WriterWithClient(&fakeS3{fail: errors.New("access denied")}, "bucket", "")
	m := MultiWriter{broken, nil, fw}

	err = m.Write(context.Background(), sampleSummary("run-3", engine.RunStatusSucceeded))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	latest, err := Read(dir)
	require.NoError(t, err)
	require.NotNil(t, latest, "file writer still ran after the mirror failed")
	assert.Equal(t, "run-3", latest.RunID)
}
