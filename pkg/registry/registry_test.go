package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjadev/toolvault/pkg/tool"
)

// staticTool is a minimal in-process tool for registry tests.
type staticTool struct {
	name        string
	description string
	closed      bool
	mu          sync.Mutex
}

func (s *staticTool) Name() string                 { return s.name }
func (s *staticTool) Description() string          { return s.description }
func (s *staticTool) InputSchema() map[string]any  { return map[string]any{"type": "object"} }
func (s *staticTool) OutputSchema() map[string]any { return map[string]any{"type": "object"} }

func (s *staticTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args["msg"]}, nil
}

func (s *staticTool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakePluginLoader stands in for the plugin host.
type fakePluginLoader struct {
	mu    sync.Mutex
	loads map[string]int
	fail  bool
}

func newFakePluginLoader() *fakePluginLoader {
	return &fakePluginLoader{loads: make(map[string]int)}
}

func (f *fakePluginLoader) LoadTool(path string) (tool.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("plugin refused to start")
	}
	f.loads[path]++
	return &staticTool{
		name:        filepath.Base(path),
		description: fmt.Sprintf("load %d", f.loads[path]),
	}, nil
}

func (f *fakePluginLoader) loadCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[path]
}

func testBuiltins(t *testing.T) *tool.BuiltinRegistry {
	t.Helper()
	builtins := tool.NewBuiltinRegistry()
	err := builtins.RegisterType("static", func(record tool.ConfigRecord) (tool.Tool, error) {
		return &staticTool{name: record.Name, description: record.Description}, nil
	})
	require.NoError(t, err)
	return builtins
}

func writeDescriptor(t *testing.T, dir string, record tool.ConfigRecord) string {
	t.Helper()
	data, err := json.MarshalIndent(record, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, record.Name+".json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestRegistry(t *testing.T, dir string, plugins PluginLoader) *Registry {
	t.Helper()
	return New(Options{
		DescriptorDir: dir,
		Builtins:      testBuiltins(t),
		Plugins:       plugins,
		Logger:        zerolog.Nop(),
	})
}

func TestRegistry_LoadAll(t *testing.T) {
	t.Run("should load all valid descriptors", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "alpha", Type: "static", Enabled: true})
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "beta", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		result, err := r.LoadAll()
		require.NoError(t, err)

		assert.ElementsMatch(t, []string{"alpha", "beta"}, result.Loaded)
		assert.Empty(t, result.Failed)
		assert.Len(t, r.GetAllEnabled(), 2)
	})

	t.Run("should isolate a broken descriptor from the rest", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "good", Type: "static", Enabled: true})
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644))

		r := newTestRegistry(t, dir, nil)
		result, err := r.LoadAll()
		require.NoError(t, err)

		assert.Equal(t, []string{"good"}, result.Loaded)
		assert.Contains(t, result.Failed, "bad")

		_, ok := r.Get("good")
		assert.True(t, ok)
		_, ok = r.Get("bad")
		assert.False(t, ok)

		errs := r.Errors()
		assert.Contains(t, errs, "bad")
	})

	t.Run("should reject a descriptor with no implementation and no known type", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "mystery", Type: "unheard_of", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		result, err := r.LoadAll()
		require.NoError(t, err)

		assert.Contains(t, result.Failed, "mystery")
		_, ok := r.Get("mystery")
		assert.False(t, ok)
	})

	t.Run("should keep exactly one tool when an unchanged file is loaded twice", func(t *testing.T) {
		dir := t.TempDir()
		path := writeDescriptor(t, dir, tool.ConfigRecord{Name: "alpha", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)
		require.NoError(t, r.LoadOne(path))

		assert.Len(t, r.GetAllEnabled(), 1)
	})
}

func TestRegistry_LastWriterWins(t *testing.T) {
	t.Run("should keep the tool from the file processed last", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRegistry(t, dir, nil)

		first := writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "x", Type: "static", Description: "first", Enabled: true,
		})
		require.NoError(t, r.LoadOne(first))

		// Second file declares the same tool name.
		data, err := json.Marshal(tool.ConfigRecord{
			Name: "x", Type: "static", Description: "second", Enabled: true,
		})
		require.NoError(t, err)
		second := filepath.Join(dir, "x_override.json")
		require.NoError(t, os.WriteFile(second, data, 0644))
		require.NoError(t, r.LoadOne(second))

		got, ok := r.Get("x")
		require.True(t, ok)
		assert.Equal(t, "second", got.Description())
		assert.Len(t, r.GetAllEnabled(), 1)
	})
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), nil)

	t.Run("should register and look up a tool", func(t *testing.T) {
		require.NoError(t, r.Register(&staticTool{name: "manual"}))

		got, ok := r.Get("manual")
		require.True(t, ok)
		assert.Equal(t, "manual", got.Name())
	})

	t.Run("should close the replaced instance on re-register", func(t *testing.T) {
		old := &staticTool{name: "swap"}
		require.NoError(t, r.Register(old))
		require.NoError(t, r.Register(&staticTool{name: "swap", description: "new"}))

		old.mu.Lock()
		closed := old.closed
		old.mu.Unlock()
		assert.True(t, closed)

		got, _ := r.Get("swap")
		assert.Equal(t, "new", got.Description())
	})

	t.Run("should remove a tool on unregister", func(t *testing.T) {
		require.NoError(t, r.Register(&staticTool{name: "gone"}))
		require.NoError(t, r.Unregister("gone"))

		_, ok := r.Get("gone")
		assert.False(t, ok)
	})

	t.Run("should error when unregistering an unknown tool", func(t *testing.T) {
		assert.Error(t, r.Unregister("never-registered"))
	})
}

func TestRegistry_EnableDisable(t *testing.T) {
	dir := t.TempDir()
	path := writeDescriptor(t, dir, tool.ConfigRecord{Name: "flip", Type: "static", Enabled: true})

	r := newTestRegistry(t, dir, nil)
	_, err := r.LoadAll()
	require.NoError(t, err)

	t.Run("should persist the disabled flag to the descriptor file", func(t *testing.T) {
		require.NoError(t, r.Disable("flip"))

		assert.Empty(t, r.GetAllEnabled())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var record tool.ConfigRecord
		require.NoError(t, json.Unmarshal(data, &record))
		assert.False(t, record.Enabled)
	})

	t.Run("should not reload on its own persist write", func(t *testing.T) {
		before, _ := r.Describe("flip")
		r.pollOnce()
		after, ok := r.Describe("flip")
		require.True(t, ok)
		assert.Equal(t, before.LoadedAt, after.LoadedAt)
	})

	t.Run("should re-enable", func(t *testing.T) {
		require.NoError(t, r.Enable("flip"))
		assert.Len(t, r.GetAllEnabled(), 1)
	})

	t.Run("should preserve fields it does not model when persisting", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "annotated.json")
		raw := `{"name": "annotated", "type": "static", "enabled": true, "author": "ops-team", "tags": ["a", "b"]}`
		require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		require.NoError(t, r.Disable("annotated"))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, false, doc["enabled"])
		assert.Equal(t, "ops-team", doc["author"])
		assert.Equal(t, []any{"a", "b"}, doc["tags"])
	})
}

func TestRegistry_Invoke(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, tool.ConfigRecord{Name: "echo", Type: "static", Enabled: true})

	r := newTestRegistry(t, dir, nil)
	_, err := r.LoadAll()
	require.NoError(t, err)

	t.Run("should execute an enabled tool", func(t *testing.T) {
		result, err := r.Invoke(context.Background(), "echo", map[string]any{"msg": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", result["echo"])

		desc, ok := r.Describe("echo")
		require.True(t, ok)
		assert.Equal(t, int64(1), desc.Invocations)
		assert.NotNil(t, desc.LastInvoked)
	})

	t.Run("should reject a disabled tool", func(t *testing.T) {
		require.NoError(t, r.Disable("echo"))
		_, err := r.Invoke(context.Background(), "echo", nil)
		assert.Error(t, err)
	})

	t.Run("should reject an unknown tool", func(t *testing.T) {
		_, err := r.Invoke(context.Background(), "missing", nil)
		assert.Error(t, err)
	})
}

func TestRegistry_PluginBacked(t *testing.T) {
	t.Run("should load a tool through the plugin loader", func(t *testing.T) {
		dir := t.TempDir()
		loader := newFakePluginLoader()
		writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "remote", Implementation: "/plugins/remote-bin", Enabled: true,
		})

		r := newTestRegistry(t, dir, loader)
		result, err := r.LoadAll()
		require.NoError(t, err)

		assert.Contains(t, result.Loaded, "remote")
		assert.Equal(t, 1, loader.loadCount("/plugins/remote-bin"))
	})

	t.Run("should record a plugin load failure without aborting", func(t *testing.T) {
		dir := t.TempDir()
		loader := newFakePluginLoader()
		loader.fail = true
		writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "remote", Implementation: "/plugins/remote-bin", Enabled: true,
		})
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "local", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, loader)
		result, err := r.LoadAll()
		require.NoError(t, err)

		assert.Contains(t, result.Loaded, "local")
		assert.Contains(t, result.Failed, "remote")
	})

	t.Run("should fail a plugin descriptor when no loader is configured", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "remote", Implementation: "/plugins/remote-bin", Enabled: true,
		})

		r := newTestRegistry(t, dir, nil)
		result, err := r.LoadAll()
		require.NoError(t, err)
		assert.Contains(t, result.Failed, "remote")
	})
}

func TestRegistry_ReloadAndReconfigure(t *testing.T) {
	t.Run("should drop and reload everything on reloadAll", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "alpha", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		// A stale manual registration disappears on full reload.
		require.NoError(t, r.Register(&staticTool{name: "manual"}))

		result, err := r.ReloadAll()
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, result.Loaded)
		_, ok := r.Get("manual")
		assert.False(t, ok)
	})

	t.Run("should switch directories on reconfigure", func(t *testing.T) {
		oldDir := t.TempDir()
		newDir := t.TempDir()
		writeDescriptor(t, oldDir, tool.ConfigRecord{Name: "old_tool", Type: "static", Enabled: true})
		writeDescriptor(t, newDir, tool.ConfigRecord{Name: "new_tool", Type: "static", Enabled: true})

		r := newTestRegistry(t, oldDir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		result, err := r.Reconfigure(newDir)
		require.NoError(t, err)
		assert.Equal(t, []string{"new_tool"}, result.Loaded)
		_, ok := r.Get("old_tool")
		assert.False(t, ok)
	})

	t.Run("should clear all state on reset", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "alpha", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		r.Reset()
		assert.Empty(t, r.GetAllEnabled())
		assert.Empty(t, r.Errors())
	})
}

func TestRegistry_InFlightExecution(t *testing.T) {
	t.Run("should let a dispatched call finish against its captured instance", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRegistry(t, dir, nil)

		started := make(chan struct{})
		release := make(chan struct{})
		slow := &blockingTool{name: "slow", started: started, release: release}
		require.NoError(t, r.Register(slow))

		done := make(chan error, 1)
		go func() {
			_, err := r.Invoke(context.Background(), "slow", nil)
			done <- err
		}()

		<-started
		// Swap in a replacement while the first call is still running.
		require.NoError(t, r.Register(&staticTool{name: "slow", description: "replacement"}))
		close(release)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("in-flight invocation did not complete")
		}

		got, ok := r.Get("slow")
		require.True(t, ok)
		assert.Equal(t, "replacement", got.Description())
	})
}

type blockingTool struct {
	name    string
	started chan struct{}
	release chan struct{}
}

func (b *blockingTool) Name() string                 { return b.name }
func (b *blockingTool) Description() string          { return "blocking" }
func (b *blockingTool) InputSchema() map[string]any  { return nil }
func (b *blockingTool) OutputSchema() map[string]any { return nil }

func (b *blockingTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	close(b.started)
	<-b.release
	return map[string]any{}, nil
}
