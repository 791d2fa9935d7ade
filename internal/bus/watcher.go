package bus

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"loom/internal/logging"
)

// Watcher reports directories that may hold new messages.
type Watcher interface {
	// Events yields a watched directory each time it may have changed.
	Events() <-chan string
	Close() error
}

type pollWatcher struct {
	events chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPollWatcher(dirs []string, interval time.Duration) *pollWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &pollWatcher{events: make(chan string, len(dirs)), cancel: cancel}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, dir := range dirs {
					select {
					case w.events <- dir:
					default:
					}
				}
			}
		}
	}()
	return w
}

func (w *pollWatcher) Events() <-chan string { return w.events }

func (w *pollWatcher) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

type fsnotifyWatcher struct {
	inner  *fsnotify.Watcher
	events chan string
	poll   *pollWatcher
	done   chan struct{}
	wg     sync.WaitGroup
}

// The poll behind fsnotify covers events lost to queue overflow and filesystems
// that do not emit them.
func newFsnotifyWatcher(dirs []string, interval time.Duration, logger *slog.Logger) (*fsnotifyWatcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := inner.Add(dir); err != nil {
			_ = inner.Close()
			return nil, err
		}
	}
	w := &fsnotifyWatcher{
		inner:  inner,
		events: make(chan string, 4*len(dirs)),
		poll:   newPollWatcher(dirs, interval),
		done:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop(logger)
	return w, nil
}

func (w *fsnotifyWatcher) loop(logger *slog.Logger) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.inner.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
				continue
			}
			w.notify(filepath.Dir(ev.Name))
		case dir := <-w.poll.Events():
			w.notify(dir)
		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			logger.Warn("message watcher error", logging.Error(err))
		}
	}
}

func (w *fsnotifyWatcher) notify(dir string) {
	select {
	case w.events <- dir:
	default:
	}
}

func (w *fsnotifyWatcher) Events() <-chan string { return w.events }

func (w *fsnotifyWatcher) Close() error {
	close(w.done)
	err := w.inner.Close()
	_ = w.poll.Close()
	w.wg.Wait()
	return err
}

// newWatcher prefers fsnotify and falls back to polling when it is disabled or
// cannot be set up.
func newWatcher(dirs []string, useFsnotify bool, interval time.Duration, logger *slog.Logger) Watcher {
	if useFsnotify {
		w, err := newFsnotifyWatcher(dirs, interval, logger)
		if err == nil {
			return w
		}
		logger.Info("fsnotify unavailable; polling message directories",
			logging.Error(err),
			logging.Duration("interval", interval),
		)
	}
	return newPollWatcher(dirs, interval)
}
