package batch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// eventChannelBuffer is the size of the watch event channel.
const eventChannelBuffer = 100

// defaultDebounce is how long to wait for more writes before emitting.
const defaultDebounce = 500 * time.Millisecond

// Watcher watches a drop directory for batch files and emits their paths
// once writes have settled. Only .json files are considered.
type Watcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]time.Time

	events chan string
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the settle delay before a changed file is emitted.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for the given drop directory.
func NewWatcher(dir string, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		debounce: defaultDebounce,
		watcher:  fsw,
		logger:   slog.Default(),
		pending:  make(map[string]time.Time),
		events:   make(chan string, eventChannelBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Events returns the channel of settled batch file paths.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Start begins watching. The events channel is closed when ctx is done or
// the watcher is stopped.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	go w.processEvents(ctx)

	w.logger.Info("batch watcher started",
		"dir", w.dir,
		"debounce", w.debounce)
	return nil
}

// Stop stops the watcher. The events channel is closed by processEvents.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("batch watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent records a create or write to a batch file.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.ToLower(filepath.Ext(event.Name)) != ".json" {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()

	w.logger.Debug("batch file change detected",
		"path", event.Name,
		"op", event.Op.String())
}

// flushPending emits paths whose last write settled past the debounce delay.
func (w *Watcher) flushPending() {
	now := time.Now()

	w.pendingMu.Lock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		select {
		case w.events <- path:
		default:
			w.logger.Warn("batch event channel full, dropping", "path", path)
		}
	}
}
