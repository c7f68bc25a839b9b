package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"imgecho/internal/config"
	"imgecho/internal/export"
	"imgecho/internal/fonts"
	"imgecho/internal/fsutil"
	"imgecho/internal/logging"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
	"imgecho/internal/pipeline"
	"imgecho/internal/raster/magick"
	"imgecho/internal/rpc"
	"imgecho/internal/server"
	"imgecho/internal/storage"
	"imgecho/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, srv *server.Server) error

func defaultServe(ctx context.Context, srv *server.Server) error {
	return srv.Start(ctx)
}

type rpcServeFunc func(ctx context.Context, addr string, svc rpc.AnnotatorServer, log *slog.Logger) error

// Root holds the components shared by every command.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	out       io.Writer
	fonts     *fonts.Registry
	extractor *metadata.Extractor
	darktable *metadata.DarktableSource
	exporter  *export.Exporter
	annotator *pipeline.Annotator
	pipeline  pipelineClient
	stop      func()

	serveFn    serverFunc
	rpcServeFn rpcServeFunc
}

// NewRoot builds the rendering stack and the batch pipeline from cfg. Call
// Close when done.
func NewRoot(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) (*Root, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Root{
		cfg:        cfg,
		log:        logger,
		store:      store,
		out:        os.Stdout,
		fonts:      fonts.NewRegistry(cfg.Fonts.Dirs, logger),
		serveFn:    defaultServe,
		rpcServeFn: rpc.Serve,
	}

	r.extractor = metadata.NewExtractor(nil)
	if cfg.Darktable.Enabled {
		dt, err := metadata.NewDarktableSource(cfg.Darktable.ConfigDir)
		logging.LogBackendStatus(logger, "darktable", err == nil, cfg.Darktable.ConfigDir, err)
		if err != nil {
			logger.Warn("darktable fallback disabled", "error", err)
		} else {
			r.darktable = dt
			r.extractor.Fallback = dt
		}
	}

	sink, err := newSink(cfg.Export.Sink, cfg)
	if err != nil {
		return nil, err
	}
	r.exporter = export.NewExporter(r.fonts, sink, logger)
	if cfg.Export.Backend == export.BackendMagick {
		logging.LogBackendStatus(logger, "imagick", magick.Available, "", magick.ErrUnavailable)
		if magick.Available {
			r.exporter.Backend = export.BackendMagick
		} else {
			logger.Warn("imagick backend requested but not compiled in, using raster backend")
		}
	}

	r.annotator = &pipeline.Annotator{
		Loader:   pipeline.Loader{Extractor: r.extractor, Style: cfg.OverlayStyle(), Log: logger},
		Exporter: r.exporter,
		Store:    store,
		Labels:   metadata.LabelsFor(cfg.Language),
		Format:   cfg.Export.Format,
		Quality:  cfg.Export.Quality,
		Log:      logger,
	}
	pipe := pipeline.New(ctx, cfg.Processing.WorkerCount, cfg.Processing.QueueSize, logger, store, r.annotator)
	r.pipeline = pipe
	r.stop = pipe.Stop
	return r, nil
}

// Close stops the pipeline and releases the darktable handle.
func (r *Root) Close() error {
	if r.stop != nil {
		r.stop()
	}
	if r.darktable != nil {
		return r.darktable.Close()
	}
	return nil
}

func newSink(kind string, cfg *config.Config) (export.Sink, error) {
	switch kind {
	case "", "local":
		return export.LocalSink{Dir: cfg.Paths.OutputDir}, nil
	case "s3":
		return export.NewS3Sink(cfg.Export.S3Region, cfg.Export.S3Bucket, cfg.Export.S3Prefix)
	default:
		return nil, fmt.Errorf("unknown sink %q", kind)
	}
}

// annotateOptions carries per-invocation overrides.
type annotateOptions struct {
	record metadata.Record
	style  overlay.StyleOverride
	format string
	out    string
	lang   string
	sink   string
}

func (r *Root) cmdAnnotate(ctx context.Context, path string, opts annotateOptions) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	ann := *r.annotator
	if opts.lang != "" {
		ann.Labels = metadata.LabelsFor(opts.lang)
	}
	if opts.sink != "" {
		sink, err := newSink(opts.sink, r.cfg)
		if err != nil {
			return err
		}
		exp := *r.exporter
		exp.Sink = sink
		ann.Exporter = &exp
	}

	job := pipeline.Job{
		ID:        newID("annotate"),
		Type:      pipeline.JobAnnotate,
		InputPath: path,
		Output:    opts.out,
		Options: map[string]any{
			pipeline.OptFormat: opts.format,
			pipeline.OptRecord: opts.record,
			pipeline.OptStyle:  opts.style,
		},
	}
	res := ann.Process(ctx, job)
	if res.Error != nil {
		return res.Error
	}
	fmt.Fprintln(r.out, res.Meta["artifact"])
	return nil
}

type infoOutput struct {
	Path   string          `json:"path"`
	Width  any             `json:"width"`
	Height any             `json:"height"`
	Record metadata.Record `json:"record"`
}

func (r *Root) cmdInfo(ctx context.Context, path string, asJSON bool) error {
	res := r.annotator.Process(ctx, pipeline.Job{ID: newID("info"), Type: pipeline.JobExtract, InputPath: path})
	if res.Error != nil {
		return res.Error
	}
	rec, _ := res.Meta["record"].(metadata.Record)
	if asJSON {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(infoOutput{Path: path, Width: res.Meta["width"], Height: res.Meta["height"], Record: rec})
	}

	fmt.Fprintf(r.out, "%s (%vx%v)\n", path, res.Meta["width"], res.Meta["height"])
	rows := metadata.Rows(rec, r.annotator.Labels)
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "  no metadata")
		return nil
	}
	for _, row := range rows {
		fmt.Fprintf(r.out, "  %-12s %s\n", row.Label+":", strings.ReplaceAll(row.Value, "\n", "\n               "))
	}
	return nil
}

// cmdBatch submits one annotate job per image in dir and waits for all of
// them.
func (r *Root) cmdBatch(ctx context.Context, dir, out, format string, recursive bool) error {
	files, err := fsutil.ListImages(dir, recursive)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	if n := fsutil.CountRAW(dir); n > 0 {
		r.log.Info("skipping RAW files, they cannot be decoded", "dir", dir, "count", n)
	}
	if len(files) == 0 {
		fmt.Fprintf(r.out, "no images in %s\n", dir)
		return nil
	}

	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	queue := files
	pending := make(map[string]string, len(files))
	var failed []string
	done := 0
	for done < len(files) {
		for len(queue) > 0 {
			job := pipeline.Job{
				ID:        newID("batch"),
				Type:      pipeline.JobAnnotate,
				InputPath: queue[0],
				Output:    out,
				Options:   map[string]any{pipeline.OptFormat: format},
			}
			err := r.enqueue(ctx, job)
			if errors.Is(err, pipeline.ErrQueueFull) {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				r.log.Error("failed to queue image", "path", queue[0], "error", err)
				failed = append(failed, queue[0])
				done++
			} else {
				pending[job.ID] = queue[0]
			}
			queue = queue[1:]
		}
		if done == len(files) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return errors.New("pipeline stopped before completion")
			}
			path, mine := pending[res.Job.ID]
			if !mine {
				continue
			}
			delete(pending, res.Job.ID)
			done++
			if res.Error != nil {
				failed = append(failed, path)
				fmt.Fprintf(r.out, "FAIL %s: %v\n", path, res.Error)
				continue
			}
			fmt.Fprintf(r.out, "ok   %s -> %v\n", path, res.Meta["artifact"])
		}
	}

	fmt.Fprintf(r.out, "%d annotated, %d failed\n", len(files)-len(failed), len(failed))
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d images failed", len(failed), len(files))
	}
	return nil
}

// cmdWatch re-annotates images in dir whenever they or their sidecars change.
func (r *Root) cmdWatch(ctx context.Context, dir, out string, delay time.Duration) error {
	if out == "" {
		out = r.cfg.Paths.OutputDir
	}
	absDir, _ := filepath.Abs(dir)
	absOut, _ := filepath.Abs(out)
	if absDir == absOut {
		return errors.New("output directory must differ from the watched directory")
	}

	w, err := watch.New([]string{dir}, r.log)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Stop()

	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	go func() {
		for res := range resCh {
			if res.Job.Type != pipeline.JobAnnotate {
				continue
			}
			if res.Error != nil {
				fmt.Fprintf(r.out, "FAIL %s: %v\n", res.Job.InputPath, res.Error)
				continue
			}
			fmt.Fprintf(r.out, "ok   %s -> %v\n", res.Job.InputPath, res.Meta["artifact"])
		}
	}()

	d := watch.NewDebouncer(nil, delay, func(path string) {
		job := pipeline.Job{ID: newID("watch"), Type: pipeline.JobAnnotate, InputPath: path, Output: out}
		if err := r.enqueue(ctx, job); err != nil {
			r.log.Warn("failed to queue re-render", "path", path, "error", err)
		}
	})
	defer d.Stop()

	r.log.Info("watching for changes", "dir", dir, "output", out, "debounce", delay)
	watch.Run(ctx, w.Events, d)
	return nil
}

func (r *Root) cmdExports(limit int) error {
	recs, err := r.store.RecentExports(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(r.out, "no exports recorded")
		return nil
	}
	for _, rec := range recs {
		status := rec.ArtifactPath
		if rec.Error != "" {
			status = "error: " + rec.Error
		}
		fmt.Fprintf(r.out, "%4d  %s  %-4s  %8d  %s  <- %s\n",
			rec.ID, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), rec.Format, rec.Bytes, status, rec.SourcePath)
	}
	return nil
}

func (r *Root) cmdFonts(family, weight string) error {
	sf, err := r.fonts.Resolve(family, weight)
	if err != nil && !errors.Is(err, fonts.ErrFontNotFound) {
		return err
	}
	if sf.Fallback {
		fmt.Fprintf(r.out, "%s: not found, using built-in %s\n", family, sf.Name)
		return nil
	}
	fmt.Fprintf(r.out, "%s: %s (%s)\n", family, sf.Name, sf.Path)
	return nil
}

func (r *Root) newServer(addr string) *server.Server {
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	return server.New(server.Options{
		Addr:        addr,
		Record:      metadata.Sample(r.annotator.Labels),
		Exporter:    r.exporter,
		Extractor:   r.extractor,
		Fonts:       r.fonts,
		Store:       r.store,
		Style:       r.cfg.OverlayStyle(),
		Labels:      r.annotator.Labels,
		Format:      r.cfg.Export.Format,
		Quality:     r.cfg.Export.Quality,
		MaxUpload:   int64(r.cfg.Server.MaxUploadMB) << 20,
		Debounce:    time.Duration(r.cfg.Server.DebounceMS) * time.Millisecond,
		CORSOrigins: r.cfg.Server.CORSOrigins,
		Logger:      r.log,
	})
}

func (r *Root) rpcService() *rpc.Service {
	return &rpc.Service{
		Exporter:  r.exporter,
		Extractor: r.extractor,
		Style:     r.cfg.OverlayStyle(),
		Labels:    r.annotator.Labels,
		Format:    r.cfg.Export.Format,
		Quality:   r.cfg.Export.Quality,
		Log:       r.log,
	}
}

func (r *Root) cmdRPCAnnotate(ctx context.Context, addr, path, out string, opts annotateOptions) error {
	if opts.format == "" {
		opts.format = r.cfg.Export.Format
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	req, err := rpc.NewRequest(data, opts.format, opts.record, opts.style)
	if err != nil {
		return err
	}
	client, err := rpc.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	artifact, err := client.Annotate(ctx, req)
	if err != nil {
		return err
	}

	if out == "" {
		p, err := export.ProducerFor(opts.format, r.cfg.Export.Quality)
		if err != nil {
			return err
		}
		out = export.Filename(p.Ext(), time.Now())
	}
	if err := os.WriteFile(out, artifact, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintln(r.out, out)
	return nil
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

var jobSeq atomic.Uint64

func newID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().Unix(), jobSeq.Add(1))
}
