// Package watch re-renders images when they or their sidecars change on disk.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"imgecho/internal/fsutil"
	"imgecho/internal/session"
)

// Operation names a file change.
type Operation string

const (
	OpCreated  Operation = "created"
	OpModified Operation = "modified"
	OpDeleted  Operation = "deleted"
	OpRenamed  Operation = "renamed"
)

// Event is a change to an image or to the sidecar of one. Image is always the
// image path.
type Event struct {
	Path      string    `json:"path"`
	Image     string    `json:"image"`
	Sidecar   bool      `json:"sidecar"`
	Operation Operation `json:"operation"`
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for image and sidecar changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan Event
	dirs    []string
	log     *slog.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a watcher for dirs. Call Start to begin delivering events.
func New(dirs []string, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher: w,
		Events:  make(chan Event, 100),
		dirs:    dirs,
		log:     logger,
		done:    make(chan struct{}),
	}, nil
}

// Start adds the directories and begins processing.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.Events)
	})
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ev, ok := Translate(event)
			if !ok {
				continue
			}
			select {
			case w.Events <- ev:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Translate maps an fsnotify event onto an Event. Changes to files that are
// neither decodable images nor sidecars, and permission changes, are dropped.
func Translate(event fsnotify.Event) (Event, bool) {
	var op Operation
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreated
	case event.Has(fsnotify.Write):
		op = OpModified
	case event.Has(fsnotify.Remove):
		op = OpDeleted
	case event.Has(fsnotify.Rename):
		op = OpRenamed
	default:
		return Event{}, false
	}

	ev := Event{Path: event.Name, Image: event.Name, Operation: op, Time: time.Now()}
	switch {
	case session.IsSidecar(event.Name):
		ev.Image = session.ImageForSidecar(event.Name)
		ev.Sidecar = true
		if !fsutil.IsImageFile(ev.Image) {
			return Event{}, false
		}
	case fsutil.IsImageFile(event.Name):
	default:
		return Event{}, false
	}
	if base := filepath.Base(ev.Image); len(base) > 0 && base[0] == '.' {
		return Event{}, false
	}
	return ev, true
}

// Debouncer collapses bursts of events per image into one call of fn, using
// one scheduler per path.
type Debouncer struct {
	clock session.Clock
	delay time.Duration
	fn    func(path string)

	mu     sync.Mutex
	scheds map[string]*session.Scheduler
}

// NewDebouncer returns a Debouncer calling fn delay after the last trigger
// for a path. A nil clock selects the wall clock.
func NewDebouncer(clock session.Clock, delay time.Duration, fn func(path string)) *Debouncer {
	return &Debouncer{clock: clock, delay: delay, fn: fn, scheds: make(map[string]*session.Scheduler)}
}

// Trigger (re)arms the call for path.
func (d *Debouncer) Trigger(path string) {
	d.mu.Lock()
	s, ok := d.scheds[path]
	if !ok {
		s = session.NewScheduler(d.clock)
		d.scheds[path] = s
	}
	d.mu.Unlock()
	s.Schedule(d.delay, func() { d.fn(path) })
}

// Forget cancels any pending call for path.
func (d *Debouncer) Forget(path string) {
	d.mu.Lock()
	s, ok := d.scheds[path]
	delete(d.scheds, path)
	d.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Stop cancels every pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for path, s := range d.scheds {
		s.Cancel()
		delete(d.scheds, path)
	}
}

// Run feeds events into d until ctx is done or events closes. Deleted images
// are forgotten; everything else triggers a re-render. Pending calls survive
// Run returning; call d.Stop to drop them.
func Run(ctx context.Context, events <-chan Event, d *Debouncer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Sidecar && (ev.Operation == OpDeleted || ev.Operation == OpRenamed) {
				d.Forget(ev.Image)
				continue
			}
			d.Trigger(ev.Image)
		}
	}
}
