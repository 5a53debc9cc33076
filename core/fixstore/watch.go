package fixstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long writes must settle before a notification.
const DefaultDebounce = 100 * time.Millisecond

// Watch reports writes to the database file (and its WAL) on the returned
// channel. Bursts of writes are debounced into one notification and a
// notification is dropped when one is already pending. The channel is
// closed when ctx is done.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) (<-chan struct{}, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	path := s.Path()
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	fw := &fileWatcher{
		watcher:  w,
		base:     filepath.Base(path),
		debounce: debounce,
		out:      make(chan struct{}, 1),
		logger:   s.logger,
	}
	go fw.run(ctx)
	return fw.out, nil
}

type fileWatcher struct {
	watcher  *fsnotify.Watcher
	base     string
	debounce time.Duration
	out      chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func (fw *fileWatcher) run(ctx context.Context) {
	defer fw.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.relevant(ev) {
				fw.schedule()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("fix watcher error", slog.String("error", err.Error()))
		}
	}
}

// relevant matches the database file and its -wal/-journal siblings.
func (fw *fileWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(ev.Name), fw.base)
}

func (fw *fileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return
	}
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.emit)
}

func (fw *fileWatcher) emit() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return
	}
	select {
	case fw.out <- struct{}{}:
	default:
	}
}

func (fw *fileWatcher) stop() {
	fw.mu.Lock()
	fw.stopped = true
	if fw.timer != nil {
		fw.timer.Stop()
	}
	close(fw.out)
	fw.mu.Unlock()
	fw.watcher.Close()
}
