package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
// The honeypot rewrites a snapshot on every connection, so a burst of
// connections collapses into one notification.
const DebounceDelay = 100 * time.Millisecond

// ChangeFunc receives the reloaded snapshot after the watched file changed.
// err is set when the file exists but could not be read.
type ChangeFunc func(s *Snapshot, err error)

// Watcher follows one snapshot file and reloads it when it changes.
//
// Snapshots are replaced by rename, which drops any watch on the file itself,
// so the parent directory is watched and events are filtered by name.
type Watcher struct {
	watcher  *fsnotify.Watcher
	name     string
	path     string
	onChange ChangeFunc
	logger   *slog.Logger

	debounceDelay time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	closed        bool

	// fireMu is held while onChange runs so Close can wait for it.
	fireMu sync.Mutex

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewWatcher creates a watcher for the snapshot of list name at path.
// Call Start to begin watching and Close when done.
func NewWatcher(name, path string, onChange ChangeFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		watcher:       fw,
		name:          name,
		path:          absPath,
		onChange:      onChange,
		logger:        logger.With("list", name, "path", absPath),
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. After Close returns, onChange is not called again.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	w.fireMu.Lock()
	w.fireMu.Unlock()
	return err
}

// Reload reads the snapshot now and reports it to onChange.
func (w *Watcher) Reload() {
	s, err := LoadSnapshot(w.name, w.path)
	w.onChange(s, err)
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch_error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.logger.Debug("snapshot_changed", "op", event.Op.String())

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.closed {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.fire)
}

func (w *Watcher) fire() {
	w.fireMu.Lock()
	defer w.fireMu.Unlock()

	w.debounceMu.Lock()
	closed := w.closed
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	if closed {
		return
	}
	w.Reload()
}
