// Package watcher turns filesystem activity in blackhole folders into early
// reconciliation requests. Polling stays the source of truth; the watcher
// only shortens the delay before a pass notices a change.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileEvent represents a file system event.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"` // "create", "write", "remove", "rename"
	Timestamp time.Time `json:"timestamp"`
}

// FileEventHandler is called when file events are ready to be processed.
type FileEventHandler func(events []FileEvent)

// Config holds watcher configuration.
type Config struct {
	// DebounceDelay is how long to wait after the last event before processing.
	DebounceDelay time.Duration

	// MaxBatchSize is the maximum number of events to batch before forcing processing.
	MaxBatchSize int

	// MaxDepth limits how many directory levels below a root are watched.
	// Zero watches only the root; negative watches everything.
	MaxDepth int
}

// DefaultConfig returns default watcher configuration. One level of
// subdirectories covers per-category folders.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 2 * time.Second,
		MaxBatchSize:  100,
		MaxDepth:      1,
	}
}

// Watcher monitors directories for file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	config    Config
	logger    zerolog.Logger
	handler   FileEventHandler

	// watched path -> root it was added under
	watchedPaths map[string]string
	pathsMu      sync.RWMutex

	pendingEvents map[string]FileEvent
	eventsMu      sync.Mutex
	debounceTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new file watcher.
func New(config Config, logger zerolog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if config.MaxBatchSize < 1 {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		fsWatcher:     fsWatcher,
		config:        config,
		logger:        logger.With().Str("component", "watcher").Logger(),
		watchedPaths:  make(map[string]string),
		pendingEvents: make(map[string]FileEvent),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// SetHandler sets the event handler function.
func (w *Watcher) SetHandler(handler FileEventHandler) {
	w.handler = handler
}

// Start begins watching for file events.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.eventLoop()
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.fsWatcher.Close()
}

// AddPath adds a root path and its subdirectories down to MaxDepth.
func (w *Watcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.pathsMu.Lock()
	defer w.pathsMu.Unlock()

	if _, ok := w.watchedPaths[absPath]; ok {
		return nil
	}

	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}
	w.watchedPaths[absPath] = absPath
	w.logger.Info().Str("path", absPath).Msg("Added watch path")

	if w.config.MaxDepth == 0 {
		return nil
	}

	err = filepath.WalkDir(absPath, func(subPath string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || subPath == absPath {
			return nil
		}
		depth := depthBelow(absPath, subPath)
		if w.config.MaxDepth > 0 && depth > w.config.MaxDepth {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(subPath); err != nil {
			w.logger.Warn().Err(err).Str("path", subPath).Msg("Failed to add subdirectory watch")
			return nil
		}
		w.watchedPaths[subPath] = absPath
		return nil
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("path", absPath).Msg("Error walking subdirectories")
	}
	return nil
}

// RemovePath removes a root path and everything watched beneath it.
func (w *Watcher) RemovePath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.pathsMu.Lock()
	defer w.pathsMu.Unlock()

	for watchedPath, root := range w.watchedPaths {
		if root == absPath {
			_ = w.fsWatcher.Remove(watchedPath)
			delete(w.watchedPaths, watchedPath)
		}
	}

	w.logger.Info().Str("path", absPath).Msg("Removed watch path")
	return nil
}

// WatchedPaths returns the list of currently watched paths.
func (w *Watcher) WatchedPaths() []string {
	w.pathsMu.RLock()
	defer w.pathsMu.RUnlock()

	paths := make([]string, 0, len(w.watchedPaths))
	for path := range w.watchedPaths {
		paths = append(paths, path)
	}
	return paths
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.flushPendingEvents()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleFsEvent processes a single fsnotify event. Hidden names are the
// adapters' own temp files and are ignored.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Has(fsnotify.Create) {
		w.watchNewDir(event.Name)
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forgetDir(event.Name)
	}

	var op string
	switch {
	case event.Has(fsnotify.Create):
		op = "create"
	case event.Has(fsnotify.Write):
		op = "write"
	case event.Has(fsnotify.Remove):
		op = "remove"
	case event.Has(fsnotify.Rename):
		op = "rename"
	default:
		return
	}

	w.addPendingEvent(FileEvent{
		Path:      event.Name,
		Op:        op,
		Timestamp: time.Now(),
	})
}

// watchNewDir extends the watch to a directory created under a root, if it
// is within MaxDepth.
func (w *Watcher) watchNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	w.pathsMu.Lock()
	defer w.pathsMu.Unlock()

	root, ok := w.watchedPaths[filepath.Dir(path)]
	if !ok {
		return
	}
	if w.config.MaxDepth >= 0 && depthBelow(root, path) > w.config.MaxDepth {
		return
	}
	if err := w.fsWatcher.Add(path); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to add subdirectory watch")
		return
	}
	w.watchedPaths[path] = root
	w.logger.Debug().Str("path", path).Msg("Added new subdirectory to watch")
}

// forgetDir drops bookkeeping for a vanished subdirectory. fsnotify removes
// the kernel watch itself. Roots stay until RemovePath.
func (w *Watcher) forgetDir(path string) {
	w.pathsMu.Lock()
	defer w.pathsMu.Unlock()

	if root, ok := w.watchedPaths[path]; ok && root != path {
		delete(w.watchedPaths, path)
	}
}

// addPendingEvent adds an event to the pending batch and resets debounce timer.
func (w *Watcher) addPendingEvent(event FileEvent) {
	w.eventsMu.Lock()
	defer w.eventsMu.Unlock()

	w.pendingEvents[event.Path] = event

	if len(w.pendingEvents) >= w.config.MaxBatchSize {
		w.flushPendingEventsLocked()
		return
	}

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.DebounceDelay, func() {
		w.eventsMu.Lock()
		defer w.eventsMu.Unlock()
		w.flushPendingEventsLocked()
	})
}

func (w *Watcher) flushPendingEvents() {
	w.eventsMu.Lock()
	defer w.eventsMu.Unlock()
	w.flushPendingEventsLocked()
}

// flushPendingEventsLocked flushes pending events (caller must hold lock).
func (w *Watcher) flushPendingEventsLocked() {
	if len(w.pendingEvents) == 0 {
		return
	}

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}

	events := make([]FileEvent, 0, len(w.pendingEvents))
	for _, event := range w.pendingEvents {
		events = append(events, event)
	}
	w.pendingEvents = make(map[string]FileEvent)

	if w.handler != nil {
		go w.handler(events)
	}

	w.logger.Debug().Int("count", len(events)).Msg("Flushed file events")
}

// depthBelow returns how many levels child sits below root.
func depthBelow(root, child string) int {
	rel, err := filepath.Rel(root, child)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}
