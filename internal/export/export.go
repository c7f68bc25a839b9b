package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"imgecho/internal/fonts"
	"imgecho/internal/logging"
	"imgecho/internal/overlay"
	"imgecho/internal/raster"
	"imgecho/internal/raster/magick"
	"imgecho/internal/session"
)

var (
	// ErrNoImage aborts an export started before an image was loaded.
	ErrNoImage = errors.New("no image loaded")
	// ErrEmptyEncoding is returned when a producer wrote zero bytes.
	ErrEmptyEncoding = errors.New("encoder produced no data")
	// ErrUnknownFormat is returned by ProducerFor.
	ErrUnknownFormat = errors.New("unknown export format")
)

// Rendering backends.
const (
	BackendRaster = "raster"
	BackendMagick = "magick"
)

// Filename names an artifact after the export time.
func Filename(ext string, now time.Time) string {
	return fmt.Sprintf("photo_%d.%s", now.UnixMilli(), ext)
}

// Result describes a stored artifact.
type Result struct {
	Name        string
	Location    string
	Format      string
	ContentType string
	Bytes       int
	Placement   overlay.Placement
	Data        []byte `json:"-"`
}

// Exporter renders offscreen, encodes and stores artifacts.
type Exporter struct {
	Fonts   *fonts.Registry
	Sink    Sink
	Backend string
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewExporter returns an exporter using the pure Go backend.
func NewExporter(reg *fonts.Registry, sink Sink, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{Fonts: reg, Sink: sink, Backend: BackendRaster, Now: time.Now, Logger: logger}
}

// RenderFrame draws snap at the image's natural size.
func (e *Exporter) RenderFrame(snap session.Snapshot) (image.Image, overlay.Placement, error) {
	if !snap.HasImage() {
		return nil, overlay.Placement{}, ErrNoImage
	}
	if e.Backend == BackendMagick {
		img, p, err := magick.RenderFrame(snap.Image.Image, snap.Record, snap.Style, snap.Labels)
		if err == nil {
			return img, p, nil
		}
		e.Logger.Warn("imagick render failed, using raster backend", "error", err)
	}
	c := raster.NewCanvas(e.Fonts, e.Logger)
	defer c.Close()
	p := overlay.Render(c, snap.Image.Image, snap.Record, snap.Style, snap.Labels)
	return c.Image(), p, nil
}

// Encode renders snap and serializes it with p without storing it.
func (e *Exporter) Encode(snap session.Snapshot, p Producer) (Result, error) {
	frame, placement, err := e.RenderFrame(snap)
	if err != nil {
		return Result{}, err
	}
	now := e.now()
	var buf bytes.Buffer
	err = p.Produce(&buf, Artifact{Frame: frame, Record: snap.Record, Labels: snap.Labels, Time: now})
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", p.Format(), err)
	}
	if buf.Len() == 0 {
		return Result{}, fmt.Errorf("%s: %w", p.Format(), ErrEmptyEncoding)
	}
	return Result{
		Name:        Filename(p.Ext(), now),
		Format:      p.Format(),
		ContentType: p.ContentType(),
		Bytes:       buf.Len(),
		Placement:   placement,
		Data:        buf.Bytes(),
	}, nil
}

// Export settles the session, encodes the current state and stores it. Nothing
// is written when no image is loaded.
func (e *Exporter) Export(ctx context.Context, s *session.Session, p Producer) (Result, error) {
	return e.ExportSnapshot(ctx, s.Flush(), p)
}

// ExportSnapshot encodes and stores snap.
func (e *Exporter) ExportSnapshot(ctx context.Context, snap session.Snapshot, p Producer) (Result, error) {
	start := time.Now()
	res, err := e.Encode(snap, p)
	if err != nil {
		logging.LogExportError(e.Logger, p.Format(), err)
		return Result{}, err
	}
	if e.Sink == nil {
		return Result{}, errors.New("export sink not configured")
	}
	loc, err := e.Sink.Put(ctx, res.Name, res.ContentType, res.Data)
	if err != nil {
		logging.LogExportError(e.Logger, p.Format(), err)
		return Result{}, fmt.Errorf("store %s: %w", res.Name, err)
	}
	res.Location = loc
	logging.LogExportComplete(e.Logger, loc, p.Format(), res.Bytes, time.Since(start))
	return res, nil
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
