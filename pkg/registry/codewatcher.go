package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// codeWatcher monitors the plugin implementation directory for changed
// executables. It is a coarser watch than the descriptor monitor: any write
// or create in the directory is reported after a short stability window.
type codeWatcher struct {
	watcher        *fsnotify.Watcher
	dir            string
	threshold      time.Duration
	onChanged      func(path string)
	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
	logger         zerolog.Logger
}

func newCodeWatcher(dir string, logger zerolog.Logger, onChanged func(path string)) (*codeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &codeWatcher{
		watcher:        watcher,
		dir:            dir,
		threshold:      500 * time.Millisecond,
		onChanged:      onChanged,
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
		logger:         logger.With().Str("component", "code-watcher").Logger(),
	}, nil
}

// Start starts watching the plugin directory.
func (w *codeWatcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch plugin directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.dir).Msg("Plugin code watcher started")
	return nil
}

// Stop stops the watcher.
func (w *codeWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	// Cancel all pending debounce timers
	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *codeWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.debounceEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// debounceEvent coalesces rapid writes to the same executable; binaries are
// often written in several chunks during a rebuild.
func (w *codeWatcher) debounceEvent(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}

	w.debounceTimers[path] = time.AfterFunc(w.threshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.logger.Info().Str("path", path).Msg("Plugin implementation changed")
			w.onChanged(path)
		}
	})
}
