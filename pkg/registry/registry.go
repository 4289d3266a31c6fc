package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sjadev/toolvault/internal/observability"
	"github.com/sjadev/toolvault/pkg/tool"
)

// PluginLoader loads a tool implementation from a plugin executable path.
type PluginLoader interface {
	LoadTool(path string) (tool.Tool, error)
}

// Options configures a Registry.
type Options struct {
	DescriptorDir string
	PluginDir     string
	PollInterval  time.Duration
	Builtins      *tool.BuiltinRegistry
	Plugins       PluginLoader
	Logger        zerolog.Logger
}

// trackedFile is the registry's view of one descriptor file.
type trackedFile struct {
	name    string
	modTime time.Time
	loaded  bool
}

// Registry owns the live set of loaded tools. It loads tools from a
// descriptor directory and watches both the descriptors and the plugin
// implementation directory for changes while the server keeps running.
//
// A single mutex guards all registry state, so lookups never observe a
// half-unregistered tool. Registration is last-writer-wins: the most
// recently completed load for a name is the only visible instance.
type Registry struct {
	mu          sync.Mutex
	dir         string
	pluginDir   string
	interval    time.Duration
	builtins    *tool.BuiltinRegistry
	plugins     PluginLoader
	descriptors map[string]*tool.Descriptor
	tracked     map[string]*trackedFile
	loadErrors  map[string]string

	schemaLoader gojsonschema.JSONLoader
	logger       zerolog.Logger

	monitorStop chan struct{}
	monitorWG   sync.WaitGroup
	codeWatcher *codeWatcher
	monitoring  bool
}

// DefaultPollInterval is the descriptor monitor polling interval.
const DefaultPollInterval = 5 * time.Second

// New creates a tool registry over a descriptor directory.
func New(opts Options) *Registry {
	observability.EnsureRegistered()

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Builtins == nil {
		opts.Builtins = tool.NewBuiltinRegistry()
	}

	return &Registry{
		dir:          opts.DescriptorDir,
		pluginDir:    opts.PluginDir,
		interval:     opts.PollInterval,
		builtins:     opts.Builtins,
		plugins:      opts.Plugins,
		descriptors:  make(map[string]*tool.Descriptor),
		tracked:      make(map[string]*trackedFile),
		loadErrors:   make(map[string]string),
		schemaLoader: gojsonschema.NewStringLoader(tool.DescriptorSchema),
		logger:       opts.Logger.With().Str("component", "tool-registry").Logger(),
	}
}

// LoadResult contains the results of loading descriptors.
type LoadResult struct {
	Loaded []string
	Failed []string
	Errors map[string]error
}

// LoadAll loads every descriptor file in the descriptor directory. A load
// failure for one descriptor never aborts the remaining descriptors; it is
// recorded in the error map instead.
func (r *Registry) LoadAll() (LoadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadAllLocked()
}

func (r *Registry) loadAllLocked() (LoadResult, error) {
	result := LoadResult{Errors: make(map[string]error)}

	paths, err := r.descriptorPaths()
	if err != nil {
		return result, err
	}

	for _, path := range paths {
		name, loadErr := r.loadOneLocked(path)
		if loadErr != nil {
			result.Failed = append(result.Failed, name)
			result.Errors[name] = loadErr
			continue
		}
		result.Loaded = append(result.Loaded, name)
	}

	r.publishGauges()
	r.logger.Info().
		Int("loaded", len(result.Loaded)).
		Int("failed", len(result.Failed)).
		Str("dir", r.dir).
		Msg("Descriptor load completed")

	return result, nil
}

func (r *Registry) descriptorPaths() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor directory %s: %w", r.dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadOne loads a single descriptor file.
func (r *Registry) LoadOne(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.loadOneLocked(path)
	r.publishGauges()
	return err
}

// loadOneLocked loads one descriptor and registers its tool, replacing any
// existing registration for the same name (last writer wins). Returns the
// tool name; on failure the error is also recorded in the error map.
func (r *Registry) loadOneLocked(path string) (string, error) {
	name := descriptorName(path)

	fail := func(err error) (string, error) {
		r.loadErrors[name] = err.Error()
		if tf, ok := r.tracked[path]; ok {
			tf.loaded = false
		}
		observability.RecordToolReload(false)
		r.logger.Error().Err(err).Str("tool", name).Str("path", path).Msg("Descriptor load failed")
		return name, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Errorf("failed to stat descriptor: %w", err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("failed to read descriptor: %w", err))
	}

	// Track the file whether or not the load below succeeds, so the monitor
	// retries on the next mtime advance rather than every poll.
	tracked := &trackedFile{name: name, modTime: info.ModTime()}
	r.tracked[path] = tracked

	record, err := r.parseRecord(data)
	if err != nil {
		return fail(err)
	}

	if record.Name != "" {
		name = record.Name
		tracked.name = name
	}

	built, impl, err := r.buildTool(record)
	if err != nil {
		return fail(err)
	}

	r.registerLocked(&tool.Descriptor{
		Name:           name,
		Tool:           built,
		Enabled:        record.Enabled,
		SourcePath:     path,
		Implementation: impl,
		LoadedAt:       time.Now(),
	})
	tracked.loaded = true
	delete(r.loadErrors, name)
	observability.RecordToolReload(true)

	r.logger.Debug().Str("tool", name).Str("path", path).Msg("Descriptor loaded")
	return name, nil
}

// parseRecord validates descriptor bytes against the schema, then unmarshals.
func (r *Registry) parseRecord(data []byte) (tool.ConfigRecord, error) {
	var record tool.ConfigRecord

	result, err := gojsonschema.Validate(r.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return record, fmt.Errorf("descriptor is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return record, fmt.Errorf("descriptor schema validation failed: %s", strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if record.Name == "" {
		return record, fmt.Errorf("descriptor has no name")
	}
	return record, nil
}

// buildTool constructs the tool implementation a record points at. Returns
// the resolved implementation path for plugin-backed tools.
func (r *Registry) buildTool(record tool.ConfigRecord) (tool.Tool, string, error) {
	if record.Implementation != "" {
		if r.plugins == nil {
			return nil, "", fmt.Errorf("descriptor references implementation %s but no plugin loader is configured", record.Implementation)
		}
		impl := record.Implementation
		if !filepath.IsAbs(impl) && r.pluginDir != "" {
			impl = filepath.Join(r.pluginDir, impl)
		}
		built, err := r.plugins.LoadTool(impl)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load plugin implementation: %w", err)
		}
		return built, impl, nil
	}

	if record.Type != "" {
		built, err := r.builtins.Build(record)
		if err != nil {
			return nil, "", err
		}
		return built, "", nil
	}

	return nil, "", fmt.Errorf("descriptor has no implementation pointer and no recognized built-in type")
}

// Register registers a tool directly, bypassing descriptor files. An
// existing registration with the same name is replaced.
func (r *Registry) Register(t tool.Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registerLocked(&tool.Descriptor{
		Name:     t.Name(),
		Tool:     t,
		Enabled:  true,
		LoadedAt: time.Now(),
	})
	r.publishGauges()
	return nil
}

func (r *Registry) registerLocked(desc *tool.Descriptor) {
	if existing, ok := r.descriptors[desc.Name]; ok {
		r.closeTool(existing)
	}
	r.descriptors[desc.Name] = desc
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.unregisterLocked(name); err != nil {
		return err
	}
	r.publishGauges()
	return nil
}

func (r *Registry) unregisterLocked(name string) error {
	desc, ok := r.descriptors[name]
	if !ok {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.descriptors, name)
	r.closeTool(desc)
	r.logger.Debug().Str("tool", name).Msg("Tool unregistered")
	return nil
}

// closeTool stops a plugin-backed tool's process. The provider drains
// in-flight executions in its Shutdown handler before the process exits,
// so calls already dispatched against this instance complete.
func (r *Registry) closeTool(desc *tool.Descriptor) {
	closer, ok := desc.Tool.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		r.logger.Warn().Err(err).Str("tool", desc.Name).Msg("Failed to close tool")
	}
}

// Get returns the live tool instance for a name, enabled or not.
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return nil, false
	}
	return desc.Tool, true
}

// Describe returns a snapshot of a tool's descriptor.
func (r *Registry) Describe(name string) (tool.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return tool.Descriptor{}, false
	}
	return *desc, true
}

// GetAllEnabled returns descriptor snapshots for every enabled tool,
// sorted by name.
func (r *Registry) GetAllEnabled() []tool.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []tool.Descriptor
	for _, desc := range r.descriptors {
		if desc.Enabled {
			out = append(out, *desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enable enables a tool and persists the flag to its descriptor file.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable disables a tool and persists the flag to its descriptor file.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.descriptors[name]
	if !ok {
		return fmt.Errorf("tool %s not found", name)
	}

	desc.Enabled = enabled

	if desc.SourcePath != "" {
		if err := r.persistEnabled(desc.SourcePath, enabled); err != nil {
			return fmt.Errorf("failed to persist enabled flag: %w", err)
		}
	}

	r.logger.Info().Str("tool", name).Bool("enabled", enabled).Msg("Tool state changed")
	return nil
}

// persistEnabled rewrites the descriptor file with the new enabled flag and
// refreshes the tracked mtime so the monitor does not treat our own write
// as an external change. The file is edited as a generic document so fields
// the record struct does not model survive the rewrite.
func (r *Registry) persistEnabled(path string, enabled bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	doc["enabled"] = enabled

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		if tf, ok := r.tracked[path]; ok {
			tf.modTime = info.ModTime()
		}
	}
	return nil
}

// Invoke executes a tool by name. The tool instance is captured under the
// lock and executed outside it, so a concurrent reload never cancels this
// call; only subsequent lookups see the new instance.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.Lock()
	desc, ok := r.descriptors[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("tool %s not found", name)
	}
	if !desc.Enabled {
		r.mu.Unlock()
		return nil, fmt.Errorf("tool %s is disabled", name)
	}
	captured := desc.Tool
	desc.Invocations++
	now := time.Now()
	desc.LastInvoked = &now
	r.mu.Unlock()

	start := time.Now()
	result, err := captured.Execute(ctx, args)
	observability.RecordToolInvocation(name, time.Since(start), err == nil)
	return result, err
}

// ReloadAll drops every registered tool and reloads the descriptor
// directory from scratch.
func (r *Registry) ReloadAll() (LoadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropAllLocked()
	return r.loadAllLocked()
}

// Reconfigure points the registry at a new descriptor directory, dropping
// and reloading all state.
func (r *Registry) Reconfigure(newDir string) (LoadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dir = newDir
	r.dropAllLocked()
	return r.loadAllLocked()
}

// Reset drops all registry state. Intended for test isolation.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dropAllLocked()
	r.publishGauges()
}

func (r *Registry) dropAllLocked() {
	for name := range r.descriptors {
		_ = r.unregisterLocked(name)
	}
	r.tracked = make(map[string]*trackedFile)
	r.loadErrors = make(map[string]string)
}

// Errors returns a copy of the per-descriptor error map, keyed by tool name.
func (r *Registry) Errors() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.loadErrors))
	for name, msg := range r.loadErrors {
		out[name] = msg
	}
	return out
}

func (r *Registry) publishGauges() {
	observability.SetToolsLoaded(len(r.descriptors), len(r.loadErrors))
}

// descriptorName derives the tool name from a descriptor path; descriptor
// files are named <tool>.json.
func descriptorName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
