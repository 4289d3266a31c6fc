package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjadev/toolvault/pkg/tool"
)

func TestRegistry_PollDiff(t *testing.T) {
	t.Run("should register a newly appeared descriptor", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		writeDescriptor(t, dir, tool.ConfigRecord{Name: "late", Type: "static", Enabled: true})
		r.pollOnce()

		_, ok := r.Get("late")
		assert.True(t, ok)
	})

	t.Run("should reload a descriptor whose mtime advanced", func(t *testing.T) {
		dir := t.TempDir()
		path := writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "mut", Type: "static", Description: "v1", Enabled: true,
		})

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		data, err := json.Marshal(tool.ConfigRecord{
			Name: "mut", Type: "static", Description: "v2", Enabled: true,
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
		future := time.Now().Add(2 * time.Second)
		require.NoError(t, os.Chtimes(path, future, future))

		r.pollOnce()

		got, ok := r.Get("mut")
		require.True(t, ok)
		assert.Equal(t, "v2", got.Description())
		assert.Len(t, r.GetAllEnabled(), 1)
	})

	t.Run("should not reload an unchanged descriptor", func(t *testing.T) {
		dir := t.TempDir()
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "same", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		before, _ := r.Describe("same")
		r.pollOnce()
		after, ok := r.Describe("same")
		require.True(t, ok)
		assert.Equal(t, before.LoadedAt, after.LoadedAt)
	})

	t.Run("should unregister and record an error when a tracked file disappears", func(t *testing.T) {
		dir := t.TempDir()
		path := writeDescriptor(t, dir, tool.ConfigRecord{Name: "doomed", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)

		require.NoError(t, os.Remove(path))
		r.pollOnce()

		_, ok := r.Get("doomed")
		assert.False(t, ok)
		assert.Equal(t, "configuration file deleted", r.Errors()["doomed"])
	})

	t.Run("should retry a failed descriptor only after its mtime advances", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "fixme.json")
		require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

		r := newTestRegistry(t, dir, nil)
		_, err := r.LoadAll()
		require.NoError(t, err)
		assert.Contains(t, r.Errors(), "fixme")

		// Fix the file and advance its mtime.
		data, err := json.Marshal(tool.ConfigRecord{Name: "fixme", Type: "static", Enabled: true})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
		future := time.Now().Add(2 * time.Second)
		require.NoError(t, os.Chtimes(path, future, future))

		r.pollOnce()

		_, ok := r.Get("fixme")
		assert.True(t, ok)
		assert.NotContains(t, r.Errors(), "fixme")
	})
}

func TestRegistry_ImplementationChange(t *testing.T) {
	t.Run("should reload descriptors referencing a changed implementation", func(t *testing.T) {
		dir := t.TempDir()
		loader := newFakePluginLoader()
		writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "remote", Implementation: "/plugins/remote-bin", Enabled: true,
		})
		writeDescriptor(t, dir, tool.ConfigRecord{Name: "local", Type: "static", Enabled: true})

		r := newTestRegistry(t, dir, loader)
		_, err := r.LoadAll()
		require.NoError(t, err)
		require.Equal(t, 1, loader.loadCount("/plugins/remote-bin"))

		localBefore, _ := r.Describe("local")

		r.onImplementationChanged("/plugins/remote-bin")

		assert.Equal(t, 2, loader.loadCount("/plugins/remote-bin"))
		_, ok := r.Get("remote")
		assert.True(t, ok)

		// Unrelated tools are untouched.
		localAfter, ok := r.Describe("local")
		require.True(t, ok)
		assert.Equal(t, localBefore.LoadedAt, localAfter.LoadedAt)
	})

	t.Run("should ignore changes to unreferenced binaries", func(t *testing.T) {
		dir := t.TempDir()
		loader := newFakePluginLoader()
		writeDescriptor(t, dir, tool.ConfigRecord{
			Name: "remote", Implementation: "/plugins/remote-bin", Enabled: true,
		})

		r := newTestRegistry(t, dir, loader)
		_, err := r.LoadAll()
		require.NoError(t, err)

		r.onImplementationChanged("/plugins/other-bin")
		assert.Equal(t, 1, loader.loadCount("/plugins/remote-bin"))
	})
}

func TestRegistry_Monitoring(t *testing.T) {
	t.Run("should pick up new descriptors while running", func(t *testing.T) {
		dir := t.TempDir()
		r := New(Options{
			DescriptorDir: dir,
			PollInterval:  20 * time.Millisecond,
			Builtins:      testBuiltins(t),
			Logger:        zerolog.Nop(),
		})
		_, err := r.LoadAll()
		require.NoError(t, err)

		require.NoError(t, r.StartMonitoring())
		defer r.StopMonitoring()

		writeDescriptor(t, dir, tool.ConfigRecord{Name: "fresh", Type: "static", Enabled: true})

		require.Eventually(t, func() bool {
			_, ok := r.Get("fresh")
			return ok
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should be idempotent to start and stop", func(t *testing.T) {
		r := New(Options{
			DescriptorDir: t.TempDir(),
			PollInterval:  time.Hour,
			Builtins:      testBuiltins(t),
			Logger:        zerolog.Nop(),
		})

		require.NoError(t, r.StartMonitoring())
		require.NoError(t, r.StartMonitoring())
		r.StopMonitoring()
		r.StopMonitoring()
	})
}
