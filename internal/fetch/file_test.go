package fetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFetcher_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("0.0.0.0 ads.example.com\n"), 0o644))

	f := NewFileFetcher(FileFetcherConfig{Path: path})
	data, err := f.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ads.example.com")
}

func TestFileFetcher_MissingFileReturnsFileMissing(t *testing.T) {
	f := NewFileFetcher(FileFetcherConfig{Path: filepath.Join(t.TempDir(), "nope.txt")})
	_, err := f.Fetch(context.Background(), nil)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, KindFileMissing, fetchErr.Kind)
}

func TestFileFetcher_OversizeReturnsDataCorrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f := NewFileFetcher(FileFetcherConfig{Path: path, MaxSize: 4})
	_, err := f.Fetch(context.Background(), nil)
	require.Error(t, err)
	var fetchErr *Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, KindDataCorrupted, fetchErr.Kind)
}

func TestFileFetcher_WatchNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("0.0.0.0 a.example.com\n"), 0o644))

	f := NewFileFetcher(FileFetcherConfig{Path: path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	go f.Watch(ctx, changed)

	time.Sleep(100 * time.Millisecond) // let the watcher register before we write
	require.NoError(t, os.WriteFile(path, []byte("0.0.0.0 b.example.com\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}
