package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// FileFetcherConfig configures a FileFetcher.
type FileFetcherConfig struct {
	Path    string
	MaxSize int64 // 0 means unbounded
}

// FileFetcher reads a local rule-source path, optionally watching it with
// fsnotify and re-emitting on Changes when Watch is started.
type FileFetcher struct {
	cfg FileFetcherConfig

	mu        sync.Mutex
	cancelled atomic.Bool
	watcher   *fsnotify.Watcher
}

// NewFileFetcher builds a FileFetcher for the given path.
func NewFileFetcher(cfg FileFetcherConfig) *FileFetcher {
	return &FileFetcher{cfg: cfg}
}

func (f *FileFetcher) SupportsResume() bool { return false }

func (f *FileFetcher) Cancel() {
	f.cancelled.Store(true)
	f.mu.Lock()
	w := f.watcher
	f.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

func (f *FileFetcher) Fetch(ctx context.Context, progress chan<- Progress) ([]byte, error) {
	if f.cancelled.Load() {
		return nil, ErrCancelled
	}

	info, err := os.Stat(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(f.cfg.Path, KindFileMissing, 0, err)
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, newError(f.cfg.Path, KindPermissionDenied, 0, err)
		}
		return nil, newError(f.cfg.Path, KindUnknown, 0, err)
	}
	if f.cfg.MaxSize > 0 && info.Size() > f.cfg.MaxSize {
		return nil, newError(f.cfg.Path, KindDataCorrupted, 0, fmt.Errorf("file size %d exceeds max %d", info.Size(), f.cfg.MaxSize))
	}

	file, err := os.Open(f.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, newError(f.cfg.Path, KindPermissionDenied, 0, err)
		}
		return nil, newError(f.cfg.Path, KindFileMissing, 0, err)
	}
	defer file.Close()

	reader := &progressReader{r: file, progress: progress, total: info.Size()}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, newError(f.cfg.Path, KindDataCorrupted, 0, err)
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	return data, nil
}

// Watch starts an fsnotify watch on the file's containing directory,
// sending on changed whenever the file is written, created (e.g. after an
// atomic rename-into-place) or removed. Watch blocks until ctx is
// cancelled or Cancel is called, and must run in its own goroutine.
func (f *FileFetcher) Watch(ctx context.Context, changed chan<- struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return newError(f.cfg.Path, KindUnknown, 0, err)
	}
	f.mu.Lock()
	f.watcher = w
	f.mu.Unlock()
	defer w.Close()

	dir := filepath.Dir(f.cfg.Path)
	if err := w.Add(dir); err != nil {
		return newError(f.cfg.Path, KindFileMissing, 0, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Name != f.cfg.Path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case changed <- struct{}{}:
			case <-ctx.Done():
				return nil
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if f.cancelled.Load() {
				return nil
			}
			return newError(f.cfg.Path, KindUnknown, 0, err)
		}
	}
}
