// Package session holds the editing state for one image: the decoded frame,
// the record shown over it, the overlay style and the debounced render.
package session

import (
	"log/slog"
	"sync"
	"time"

	"imgecho/internal/imageio"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

// DefaultDebounce is the delay between the last edit and the render it
// triggers.
const DefaultDebounce = 50 * time.Millisecond

// Snapshot is an immutable copy of the session state handed to renderers.
type Snapshot struct {
	Image   *imageio.Source
	Record  metadata.Record
	Style   overlay.Style
	Labels  metadata.Labels
	Version uint64
}

// HasImage reports whether the snapshot carries a decoded frame.
func (s Snapshot) HasImage() bool { return s.Image != nil && s.Image.Image != nil }

// RenderFunc receives the state present when a debounced render fires.
type RenderFunc func(Snapshot)

// Options configures a Session. Zero values select defaults.
type Options struct {
	Clock    Clock
	Debounce time.Duration
	Record   metadata.Record
	Style    overlay.Style
	Labels   metadata.Labels
	Render   RenderFunc
	Logger   *slog.Logger
}

// Session is safe for concurrent use. Every mutation bumps the version and
// schedules a render; bursts of edits collapse into one render of the latest
// state.
type Session struct {
	mu       sync.Mutex
	image    *imageio.Source
	record   metadata.Record
	style    overlay.Style
	labels   metadata.Labels
	version  uint64
	rendered uint64

	debounce time.Duration
	sched    *Scheduler
	render   RenderFunc
	log      *slog.Logger
}

// New returns a session without an image.
func New(opts Options) *Session {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Style == (overlay.Style{}) {
		opts.Style = overlay.DefaultStyle()
	}
	if opts.Labels.Lang == "" {
		opts.Labels = metadata.LabelsFor(metadata.LangEnglish)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		record:   opts.Record,
		style:    opts.Style,
		labels:   opts.Labels,
		debounce: opts.Debounce,
		sched:    NewScheduler(opts.Clock),
		render:   opts.Render,
		log:      opts.Logger,
	}
}

// SetImage installs src and replaces the record with rec.
func (s *Session) SetImage(src *imageio.Source, rec metadata.Record) {
	s.mutate(func() {
		s.image = src
		s.record = rec
	})
}

// SetRecord replaces the whole record.
func (s *Session) SetRecord(rec metadata.Record) {
	s.mutate(func() { s.record = rec })
}

// SetField updates one field of the record.
func (s *Session) SetField(f metadata.Field, value string) {
	s.mutate(func() { s.record.Set(f, value) })
}

// SetStyle replaces the overlay style.
func (s *Session) SetStyle(style overlay.Style) {
	s.mutate(func() { s.style = style })
}

// UpdateStyle applies the fields set in over to the current style.
func (s *Session) UpdateStyle(over overlay.StyleOverride) {
	s.mutate(func() { s.style = s.style.Apply(over) })
}

// SetLabels switches the label language.
func (s *Session) SetLabels(labels metadata.Labels) {
	s.mutate(func() { s.labels = labels })
}

func (s *Session) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.version++
	s.mu.Unlock()
	s.sched.Schedule(s.debounce, func() { s.fire() })
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Image:   s.image,
		Record:  s.record,
		Style:   s.style,
		Labels:  s.labels,
		Version: s.version,
	}
}

// HasImage reports whether an image has been loaded.
func (s *Session) HasImage() bool {
	return s.Snapshot().HasImage()
}

// Pending reports whether a debounced render is waiting.
func (s *Session) Pending() bool { return s.sched.Pending() }

// Flush runs a pending render immediately and returns the settled state.
// Exports call it so the artifact matches what the preview shows.
func (s *Session) Flush() Snapshot {
	s.sched.Flush()
	return s.Snapshot()
}

// RenderNow renders the current state synchronously, cancelling any pending
// render. It reports false when no image is loaded.
func (s *Session) RenderNow() bool {
	s.sched.Cancel()
	return s.fire()
}

// Rendered returns the version of the state last handed to the renderer.
func (s *Session) Rendered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// Close cancels any pending render.
func (s *Session) Close() {
	s.sched.Cancel()
}

func (s *Session) fire() bool {
	snap := s.Snapshot()
	if !snap.HasImage() {
		s.log.Debug("render skipped, no image loaded", "version", snap.Version)
		return false
	}
	if s.render != nil {
		s.render(snap)
	}
	s.mu.Lock()
	if snap.Version > s.rendered {
		s.rendered = snap.Version
	}
	s.mu.Unlock()
	return true
}
