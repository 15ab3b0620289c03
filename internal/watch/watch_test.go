package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panosearch/internal/config"
	"panosearch/internal/logging"
)

func startWatcher(t *testing.T, dir string, minImages int) <-chan string {
	t.Helper()
	fired := make(chan string, 4)
	w, err := New([]string{dir}, config.Watch{
		Debounce:  config.Duration{Duration: 100 * time.Millisecond},
		MinImages: minImages,
	}, []string{".jpg"}, func(d string) error {
		fired <- d
		return nil
	}, logging.New("error", "text"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// let Run register the directory
	time.Sleep(50 * time.Millisecond)
	return fired
}

func TestWatcherFiresOnceDirectorySettles(t *testing.T) {
	dir := t.TempDir()
	fired := startWatcher(t, dir, 2)

	for _, n := range []string{"a.jpg", "b.JPG", "c.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case d := <-fired:
		assert.Equal(t, dir, d)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not fire")
	}
	select {
	case <-fired:
		t.Fatal("watcher fired twice for one burst")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresSmallAndForeignChanges(t *testing.T) {
	dir := t.TempDir()
	fired := startWatcher(t, dir, 3)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-fired:
		t.Fatal("watcher fired below the image minimum")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	trigger := func(string) error { return nil }
	log := logging.New("error", "text")

	_, err := New(nil, config.Watch{}, nil, trigger, log)
	assert.Error(t, err)

	_, err = New([]string{filepath.Join(t.TempDir(), "missing")}, config.Watch{}, nil, trigger, log)
	assert.Error(t, err)

	_, err = New([]string{t.TempDir()}, config.Watch{}, nil, nil, log)
	assert.Error(t, err)
}
