package sandbox

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/windmill-labs/workercore/internal/log"
)

var watchLogger = log.New("sandbox")

// DefaultPollInterval is how often Watcher checks a template's mtime.
const DefaultPollInterval = 2 * time.Second

// Watcher polls an override template file's modification time and
// notifies registered listeners when it changes. Loader.Load already
// rereads an override file on every call, so an edited
// *_run.config.proto/*_download.config.proto takes effect on the next
// job with no restart required; Watcher's job is purely to give
// operators visibility into when that happened, by logging (and
// broadcasting to any future subscriber) each detected change. Adapted
// from the same poll-then-broadcast shape the jobworker codebase uses
// to watch per-job output files; here it watches a config file
// instead.
type Watcher struct {
	path     string
	interval time.Duration

	mu        sync.Mutex
	listeners []chan struct{}
}

// NewWatcher creates a Watcher for path. If path is empty (no override
// configured), Start is a no-op.
func NewWatcher(path string, interval time.Duration) *Watcher {
	if interval == 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{path: path, interval: interval}
}

// Subscribe registers a channel that receives an empty struct whenever
// the watched file's mtime changes. The returned channel has a buffer
// of one; a listener that falls behind only misses coalesced
// notifications, never blocks the watcher.
func (w *Watcher) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.listeners = append(w.listeners, ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Start polls path's mtime every interval until ctx is canceled. It is
// a no-op if path is empty.
func (w *Watcher) Start(ctx context.Context) {
	if w.path == "" {
		return
	}

	lastMod, err := modTime(w.path)
	if err != nil {
		watchLogger.Warnf("stat sandbox template override %s: %v", w.path, err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mod, err := modTime(w.path)
			if err != nil {
				continue
			}
			if !mod.Equal(lastMod) {
				lastMod = mod
				watchLogger.Infof("sandbox template override changed; path: %s", w.path)
				w.broadcast()
			}
		}
	}
}

func modTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
