package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/ruleproxy/internal/diskcache"
)

func TestFileLoader_LoadsJSONByExtension(t *testing.T) {
	dir := t.TempDir()
	content := `{"identifier":"root","managed_rules":{"block":["ads.example.com"]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.json"), []byte(content), 0o644))

	l := NewFileLoader(dir)
	m, err := l.Load(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, "root", m.Identifier)
	assert.Equal(t, []string{"ads.example.com"}, m.ManagedRules.Block)
}

func TestFileLoader_LoadsYAMLByExtension(t *testing.T) {
	dir := t.TempDir()
	content := "identifier: root\nmanaged_rules:\n  allow:\n    - safe.example.com\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.yaml"), []byte(content), 0o644))

	l := NewFileLoader(dir)
	m, err := l.Load(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"safe.example.com"}, m.ManagedRules.Allow)
}

func TestFileLoader_NotFound(t *testing.T) {
	l := NewFileLoader(t.TempDir())
	_, err := l.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestCachingLoader_ServesStaleOnFetchFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identifier":"root"}`), 0o644))

	inner := NewFileLoader(dir)
	cl := NewCachingLoader(inner, 0, true) // ttl 0 forces a re-fetch attempt every call

	_, err := cl.Load(context.Background(), "root")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	m, stale, err := cl.LoadStale(context.Background(), "root")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "root", m.Identifier)
}

// TestCachingLoader_ServesFromDiskAfterRestart simulates a process restart:
// the in-memory cache of a fresh CachingLoader is empty, but the disk cache
// populated by an earlier loader survives and is consulted as a fallback.
func TestCachingLoader_ServesFromDiskAfterRestart(t *testing.T) {
	zonesDir := t.TempDir()
	path := filepath.Join(zonesDir, "root.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identifier":"root"}`), 0o644))

	diskDir := t.TempDir()
	store, err := diskcache.Open(diskDir, 0)
	require.NoError(t, err)

	inner := NewFileLoader(zonesDir)
	first := NewCachingLoader(inner, time.Hour, true).WithDisk(store)
	_, err = first.Load(context.Background(), "root")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	second := NewCachingLoader(inner, time.Hour, true).WithDisk(store)
	m, stale, err := second.LoadStale(context.Background(), "root")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "root", m.Identifier)
}
