package sandbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/workercore/internal/workercore/sandbox"
)

func TestWatcher_NoopWhenPathEmpty(t *testing.T) {
	w := sandbox.NewWatcher("", time.Millisecond)
	ch := w.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	w.Start(ctx)

	select {
	case <-ch:
		t.Fatal("watcher with empty path must never broadcast")
	default:
	}
}

func TestWatcher_BroadcastsOnModTimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "python_run.config.proto")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	w := sandbox.NewWatcher(path, 5*time.Millisecond)
	ch := w.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	time.Sleep(15 * time.Millisecond)
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification after mtime changed")
	}
}

func TestWatcher_OverridePathMatchesLoaderNaming(t *testing.T) {
	dir := t.TempDir()
	loader := sandbox.NewLoader(dir)

	for _, name := range sandbox.Names() {
		path := loader.OverridePath(name)
		assert.Equal(t, filepath.Join(dir, string(name)+".config.proto"), path)
	}
}
