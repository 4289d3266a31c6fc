package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sjadev/toolvault/internal/observability"
)

// StartMonitoring starts the background descriptor monitor and, when a
// plugin directory is configured, the implementation-code watcher.
func (r *Registry) StartMonitoring() error {
	r.mu.Lock()
	if r.monitoring {
		r.mu.Unlock()
		return nil
	}
	r.monitoring = true
	r.monitorStop = make(chan struct{})
	stop := r.monitorStop
	r.mu.Unlock()

	r.monitorWG.Add(1)
	go r.monitorLoop(stop)

	if r.pluginDir != "" {
		watcher, err := newCodeWatcher(r.pluginDir, r.logger, r.onImplementationChanged)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		r.mu.Lock()
		r.codeWatcher = watcher
		r.mu.Unlock()
	}

	r.logger.Info().
		Dur("interval", r.interval).
		Str("dir", r.dir).
		Msg("Descriptor monitoring started")
	return nil
}

// StopMonitoring stops the monitor loop and the code watcher.
func (r *Registry) StopMonitoring() {
	r.mu.Lock()
	if !r.monitoring {
		r.mu.Unlock()
		return
	}
	r.monitoring = false
	close(r.monitorStop)
	watcher := r.codeWatcher
	r.codeWatcher = nil
	r.mu.Unlock()

	r.monitorWG.Wait()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to stop code watcher")
		}
	}

	r.logger.Info().Msg("Descriptor monitoring stopped")
}

func (r *Registry) monitorLoop(stop <-chan struct{}) {
	defer r.monitorWG.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pollOnce()
		case <-stop:
			return
		}
	}
}

// pollOnce computes the three-way diff between tracked descriptor files and
// the directory snapshot: new files are loaded, files whose mtime advanced
// are reloaded, tracked files that disappeared are unregistered.
func (r *Registry) pollOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.logger.Error().Err(err).Str("dir", r.dir).Msg("Failed to read descriptor directory")
		return
	}

	snapshot := make(map[string]time.Time)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshot[filepath.Join(r.dir, entry.Name())] = info.ModTime()
	}

	for path, modTime := range snapshot {
		tracked, known := r.tracked[path]
		switch {
		case !known:
			r.recordEvent("new", path)
			_, _ = r.loadOneLocked(path)

		case modTime.After(tracked.modTime):
			r.recordEvent("changed", path)
			if tracked.loaded {
				_ = r.unregisterLocked(tracked.name)
			}
			_, _ = r.loadOneLocked(path)
		}
	}

	for path, tracked := range r.tracked {
		if _, present := snapshot[path]; present {
			continue
		}
		r.recordEvent("deleted", path)
		if tracked.loaded {
			_ = r.unregisterLocked(tracked.name)
		}
		r.loadErrors[tracked.name] = "configuration file deleted"
		delete(r.tracked, path)
	}

	r.publishGauges()
}

func (r *Registry) recordEvent(kind, path string) {
	r.logger.Info().Str("kind", kind).Str("path", path).Msg("Descriptor change detected")
	observability.RecordDescriptorEvent(kind)
}

// onImplementationChanged reloads every descriptor whose implementation
// pointer references the changed plugin executable, enabling code hot-swap
// independent of descriptor edits.
func (r *Registry) onImplementationChanged(path string) {
	changed := filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	var sources []string
	for _, desc := range r.descriptors {
		if desc.Implementation != "" && filepath.Clean(desc.Implementation) == changed {
			sources = append(sources, desc.SourcePath)
			_ = r.unregisterLocked(desc.Name)
		}
	}

	for _, source := range sources {
		_, _ = r.loadOneLocked(source)
	}

	if len(sources) > 0 {
		r.logger.Info().
			Str("path", changed).
			Int("tools", len(sources)).
			Msg("Implementation changed, tools reloaded")
	}
	r.publishGauges()
}
