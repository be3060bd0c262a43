// Package watch reports changes to the fixture files so a long-running
// suite can re-run against regenerated certificates.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of file change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "Create"
	case OpModify:
		return "Modify"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Event is one observed change.
type Event struct {
	Path string
	Op   Op
}

// ErrorCallback receives errors from the underlying notifier.
type ErrorCallback func(err error)

var (
	// ErrDirNotExist is returned when the watched directory is missing.
	ErrDirNotExist = errors.New("watch: directory does not exist")
	// ErrNotDirectory is returned when the watched path is a file.
	ErrNotDirectory = errors.New("watch: not a directory")
)

// Watcher monitors one directory, non-recursively. When names is
// non-empty only those base names are reported.
type Watcher struct {
	dir    string
	events chan<- Event
	fsw    *fsnotify.Watcher

	mu    sync.RWMutex // protects names
	names map[string]struct{}

	onError      ErrorCallback
	droppedCount atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher watches dir and sends events to events without blocking.
func NewWatcher(dir string, events chan<- Event, names ...string) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDirNotExist, dir)
		}
		return nil, fmt.Errorf("watch: cannot access %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: add %s: %w", dir, err)
	}

	w := &Watcher{
		dir:    dir,
		events: events,
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	w.SetNames(names)
	return w, nil
}

// SetNames replaces the base-name filter. An empty list reports every file.
func (w *Watcher) SetNames(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	w.mu.Lock()
	w.names = set
	w.mu.Unlock()
}

// SetErrorCallback must be called before Start.
func (w *Watcher) SetErrorCallback(cb ErrorCallback) {
	w.onError = cb
}

// DroppedEventCount returns how many events were dropped on a full channel.
func (w *Watcher) DroppedEventCount() int64 {
	return w.droppedCount.Load()
}

func (w *Watcher) wanted(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.names) == 0 {
		return true
	}
	_, ok := w.names[filepath.Base(path)]
	return ok
}

// Start delivers events until ctx is canceled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.wanted(event.Name) {
				continue
			}

			var op Op
			switch {
			case event.Op&fsnotify.Create != 0:
				op = OpCreate
			case event.Op&fsnotify.Write != 0:
				op = OpModify
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				op = OpDelete
			default:
				continue
			}

			select {
			case w.events <- Event{Path: event.Name, Op: op}:
			default:
				w.droppedCount.Add(1)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

// Debounce calls fn once per burst of events, after quiet has passed with
// no further event. It returns when ctx is canceled or events is closed;
// a pending burst is discarded.
func Debounce(ctx context.Context, events <-chan Event, quiet time.Duration, fn func([]Event)) {
	var (
		pending []Event
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			pending = append(pending, ev)
			if timer == nil {
				timer = time.NewTimer(quiet)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(quiet)
			}
			fire = timer.C
		case <-fire:
			batch := pending
			pending = nil
			fire = nil
			fn(batch)
		}
	}
}
