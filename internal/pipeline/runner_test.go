package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panosearch/internal/artifact"
	"panosearch/internal/config"
	"panosearch/internal/logging"
	"panosearch/internal/oracle"
	"panosearch/internal/oracle/oracletest"
	"panosearch/internal/search"
	"panosearch/internal/storage"
)

var stamp = time.Date(2025, 5, 4, 10, 20, 30, 0, time.Local)

func photoDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
	return dir
}

func testRunner(t *testing.T, engine oracle.Oracle, selectErr error) (*runner, *storage.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Input.Order = "mtime"
	cfg.Oracle.WorkDir = t.TempDir()
	cfg.Search.Seed = 3

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := &runner{
		cfg:   cfg,
		log:   logging.New("error", "text"),
		store: store,
		engines: func(*config.Oracle, *oracle.Workspace, *slog.Logger) (oracle.Oracle, error) {
			if selectErr != nil {
				return nil, selectErr
			}
			return engine, nil
		},
		inspect: func(path string) (artifact.Info, error) {
			return artifact.Info{Path: path, Width: 8000, Height: 2000, Format: "JPEG", Size: 4}, nil
		},
		now: func() time.Time { return stamp },
	}
	return r, store
}

func TestHandleSearchPublishesCompositeAndReport(t *testing.T) {
	composite := filepath.Join(t.TempDir(), "best.jpg")
	require.NoError(t, os.WriteFile(composite, []byte("pano"), 0o644))
	stub := &oracletest.Scripted{Decide: func([]string) oracle.Outcome { return oracle.Succeeded(composite, time.Second) }}

	r, store := testRunner(t, stub, nil)
	in := photoDir(t, "a.jpg", "b.jpg", "c.jpg", "d.jpg")
	out := t.TempDir()

	var (
		mu     sync.Mutex
		events []Progress
	)
	res := r.Process(context.Background(), Job{ID: "job-1", Type: JobSearch, InputPath: in, Output: out}, func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})
	require.NoError(t, res.Error)
	require.NotNil(t, res.Search)
	require.NotNil(t, res.Report)
	assert.Equal(t, 4, res.Search.BestSize())
	assert.Equal(t, "scripted", res.Meta["engine"])

	published := filepath.Join(out, "panorama_20250504_102030.jpg")
	assert.Equal(t, published, res.Search.Artifact)

	mu.Lock()
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, "job-1", e.JobID)
		assert.Equal(t, 1, e.Attempt)
		assert.Equal(t, 4, e.Total)
		assert.True(t, e.Outcome.Accepted)
	}
	mu.Unlock()
	assert.FileExists(t, published)

	text, err := os.ReadFile(filepath.Join(out, "panorama_20250504_102030.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(text), "Best result: 4/4 images (100.0%)")
	assert.Contains(t, string(text), "8000x2000 JPEG")

	runs, err := store.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.Search.RunID, runs[0].ID)
	assert.Equal(t, published, runs[0].Artifact)
	assert.Equal(t, "job-1", runs[0].JobID)
}

func TestHandleSearchEmptyDirectory(t *testing.T) {
	stub := &oracletest.Scripted{}
	r, _ := testRunner(t, stub, errors.New("must not select an engine"))

	res := r.Process(context.Background(), Job{ID: "job-2", Type: JobSearch, InputPath: t.TempDir()}, nil)
	assert.ErrorIs(t, res.Error, search.ErrEmptyInput)
	require.NotNil(t, res.Report)
	assert.Contains(t, res.Report.String(), "No images could be stitched together!")
	assert.Equal(t, 0, stub.Calls())
}

func TestHandleSearchWithoutEngine(t *testing.T) {
	r, _ := testRunner(t, nil, errors.New("no available stitching engine"))
	res := r.Process(context.Background(), Job{Type: JobSearch, InputPath: photoDir(t, "a.jpg", "b.jpg")}, nil)
	assert.Error(t, res.Error)
	assert.Nil(t, res.Search)
}

func TestHandleSearchNoAcceptableSubsetStillReports(t *testing.T) {
	stub := &oracletest.Scripted{Decide: oracletest.MaxSize(1)}
	r, _ := testRunner(t, stub, nil)
	out := t.TempDir()

	res := r.Process(context.Background(), Job{Type: JobSearch, InputPath: photoDir(t, "a.jpg", "b.jpg", "c.jpg"), Output: out,
		Options: map[string]any{"maxAttempts": 2, "noPublish": true}}, nil)
	assert.ErrorIs(t, res.Error, search.ErrNoAcceptableSubset)
	require.NotNil(t, res.Search)
	assert.Len(t, res.Search.Attempts, 2)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHandleScanOrdersImages(t *testing.T) {
	r, _ := testRunner(t, nil, nil)
	res := r.Process(context.Background(), Job{Type: JobScan, InputPath: photoDir(t, "z.jpg", "a.jpg", "m.JPG", "notes.txt")}, nil)
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"z.jpg", "a.jpg", "m.JPG"}, res.Meta["images"])
	assert.Equal(t, "mtime", res.Meta["order"])
}

func TestUnknownJobType(t *testing.T) {
	r, _ := testRunner(t, nil, nil)
	res := r.Process(context.Background(), Job{Type: "timelapse"}, nil)
	assert.Error(t, res.Error)
}

func TestSearchOptionsOverrides(t *testing.T) {
	r, _ := testRunner(t, nil, nil)
	opts := r.searchOptions(Job{Options: map[string]any{
		"maxAttempts":     3,
		"targetFraction":  0.5,
		"failureFraction": 0.4,
		"parallelism":     2,
		"deadline":        time.Minute,
	}})
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 0.5, opts.TargetFraction)
	assert.Equal(t, 0.4, opts.FailureFraction)
	assert.Equal(t, 2, opts.Parallelism)
	assert.Equal(t, time.Minute, opts.Deadline)
	assert.NotNil(t, opts.Rand)
}
