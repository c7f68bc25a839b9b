package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"imgecho/internal/export"
	"imgecho/internal/geo"
	"imgecho/internal/imageio"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
	"imgecho/internal/session"
	"imgecho/internal/storage"
)

// Option keys understood by annotate jobs.
const (
	OptFormat = "format"
	OptRecord = "record"
	OptStyle  = "style"
)

// Loaded is an image prepared for rendering: decoded, oriented, with its
// extracted record and any sidecar edits applied.
type Loaded struct {
	Source *imageio.Source
	Tags   metadata.Tags
	Record metadata.Record
	Style  overlay.Style
}

// Snapshot returns the loaded state as a render snapshot.
func (l Loaded) Snapshot(labels metadata.Labels) session.Snapshot {
	return session.Snapshot{Image: l.Source, Record: l.Record, Style: l.Style, Labels: labels}
}

// Loader decodes images and extracts their records.
type Loader struct {
	Extractor *metadata.Extractor
	Style     overlay.Style
	Log       *slog.Logger
}

// Load reads path. Missing metadata is not an error: the record stays blank
// and a warning is logged.
func (l Loader) Load(path string) (Loaded, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	src, err := imageio.Load(path)
	if err != nil {
		return Loaded{}, err
	}

	tags, err := l.Extractor.ExtractData(path, src.Data)
	if err != nil {
		log.Warn("metadata unavailable, fields left blank", "path", path, "error", err)
		if tags == nil {
			tags = metadata.Tags{}
		}
	}
	src.Image = imageio.Orient(src.Image, metadata.Orientation(tags))

	style := l.Style
	if style == (overlay.Style{}) {
		style = overlay.DefaultStyle()
	}
	rec := metadata.FromTags(tags)
	sc, err := session.LoadSidecar(path)
	if err != nil {
		log.Warn("ignoring unreadable sidecar", "path", path, "error", err)
	}
	rec, style = sc.Apply(rec, style)

	return Loaded{Source: src, Tags: tags, Record: rec, Style: style}, nil
}

// Annotator implements Processor for annotate and extract jobs.
type Annotator struct {
	Loader   Loader
	Exporter *export.Exporter
	Store    *storage.Store
	Labels   metadata.Labels
	Format   string
	Quality  int
	Log      *slog.Logger
}

func (a *Annotator) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAnnotate:
		return a.handleAnnotate(ctx, job)
	case JobExtract:
		return a.handleExtract(job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unsupported job type: %s", job.Type)}
	}
}

func (a *Annotator) handleExtract(job Job) Result {
	loaded, err := a.Loader.Load(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	a.cacheMetadata(job.InputPath, loaded)
	return Result{Job: job, Meta: map[string]any{
		"record": loaded.Record,
		"width":  loaded.Source.Width(),
		"height": loaded.Source.Height(),
	}}
}

func (a *Annotator) handleAnnotate(ctx context.Context, job Job) Result {
	format := a.Format
	if f, ok := job.Options[OptFormat].(string); ok && f != "" {
		format = f
	}
	producer, err := export.ProducerFor(format, a.Quality)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	loaded, err := a.Loader.Load(job.InputPath)
	if err != nil {
		a.recordExport(job.InputPath, export.Result{Format: producer.Format()}, err)
		return Result{Job: job, Error: err}
	}
	a.cacheMetadata(job.InputPath, loaded)

	if rec, ok := job.Options[OptRecord].(metadata.Record); ok {
		loaded.Record = loaded.Record.Merge(rec)
	}
	if st, ok := job.Options[OptStyle].(overlay.StyleOverride); ok {
		loaded.Style = loaded.Style.Apply(st)
	}

	exporter := a.exporterFor(job.Output)
	res, err := exporter.ExportSnapshot(ctx, loaded.Snapshot(a.Labels), producer)
	if err != nil {
		a.recordExport(job.InputPath, export.Result{Format: producer.Format()}, err)
		return Result{Job: job, Error: err}
	}
	a.recordExport(job.InputPath, res, nil)
	return Result{Job: job, Meta: map[string]any{
		"artifact": res.Location,
		"format":   res.Format,
		"bytes":    res.Bytes,
		"lines":    len(res.Placement.Block.Lines),
		"anchor":   string(res.Placement.Anchor),
	}}
}

// exporterFor redirects local output into dir when the job names one.
func (a *Annotator) exporterFor(dir string) *export.Exporter {
	if dir == "" {
		return a.Exporter
	}
	if _, local := a.Exporter.Sink.(export.LocalSink); !local && a.Exporter.Sink != nil {
		return a.Exporter
	}
	clone := *a.Exporter
	clone.Sink = export.LocalSink{Dir: dir}
	return &clone
}

func (a *Annotator) recordExport(source string, res export.Result, err error) {
	rec := storage.ExportRecord{
		SourcePath:   source,
		ArtifactPath: res.Location,
		Format:       res.Format,
		Bytes:        res.Bytes,
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ArtifactPath, rec.Bytes = "", 0
	}
	if _, dbErr := a.Store.RecordExport(rec); dbErr != nil {
		a.log().Warn("failed to record export", "source", source, "error", dbErr)
	}
}

func (a *Annotator) cacheMetadata(path string, loaded Loaded) {
	meta := storage.ImageMetadata{
		FilePath: path,
		Camera:   loaded.Record.Camera,
		Lens:     loaded.Record.Lens,
		ISO:      loaded.Record.ISO,
		Aperture: loaded.Record.Aperture,
		Shutter:  loaded.Record.Shutter,
		Location: loaded.Record.Location,
	}
	if lat, lon, ok := geo.Position(loaded.Tags); ok {
		meta.GPSLat, meta.GPSLon = &lat, &lon
	}
	if err := a.Store.RecordImageMetadata(meta); err != nil {
		a.log().Warn("failed to cache metadata", "path", path, "error", err)
	}
}

func (a *Annotator) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}
