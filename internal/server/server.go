// Package server exposes an editing session over HTTP: upload an image, edit
// its record and style, fetch the debounced preview and export artifacts.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imgecho/internal/export"
	"imgecho/internal/fonts"
	"imgecho/internal/imageio"
	"imgecho/internal/logging"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
	"imgecho/internal/raster"
	"imgecho/internal/session"
	"imgecho/internal/storage"
)

// DefaultMaxUpload bounds uploads when Options.MaxUpload is unset.
const DefaultMaxUpload = 50 << 20

// Options configures a Server. Exporter is required.
type Options struct {
	Addr        string
	Exporter    *export.Exporter
	Extractor   *metadata.Extractor
	Fonts       *fonts.Registry
	Store       *storage.Store
	Record      metadata.Record
	Style       overlay.Style
	Labels      metadata.Labels
	Format      string
	Quality     int
	MaxUpload   int64
	Debounce    time.Duration
	Clock       session.Clock
	CORSOrigins []string
	Logger      *slog.Logger
}

// Server owns one editing session and the websocket hub announcing its
// renders.
type Server struct {
	addr      string
	exporter  *export.Exporter
	extractor *metadata.Extractor
	fonts     *fonts.Registry
	store     *storage.Store
	format    string
	quality   int
	maxUpload int64
	origins   []string
	log       *slog.Logger

	session *session.Session
	hub     *Hub

	mu             sync.RWMutex
	preview        []byte
	previewVersion uint64

	server *http.Server
}

// New creates a server. The session starts without an image, holding
// opts.Record.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = DefaultMaxUpload
	}
	if opts.Extractor == nil {
		opts.Extractor = metadata.NewExtractor(nil)
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{
		addr:      opts.Addr,
		exporter:  opts.Exporter,
		extractor: opts.Extractor,
		fonts:     opts.Fonts,
		store:     opts.Store,
		format:    opts.Format,
		quality:   opts.Quality,
		maxUpload: opts.MaxUpload,
		origins:   opts.CORSOrigins,
		log:       opts.Logger,
		hub:       NewHub(opts.Logger),
	}
	s.session = session.New(session.Options{
		Clock:    opts.Clock,
		Debounce: opts.Debounce,
		Record:   opts.Record,
		Style:    opts.Style,
		Labels:   opts.Labels,
		Render:   s.renderPreview,
		Logger:   opts.Logger,
	})
	return s
}

// Session returns the session edited through the API.
func (s *Server) Session() *session.Session { return s.session }

// Hub returns the notification hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed handler wrapped with metrics and CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(prometheusMiddleware)
	s.setupRoutes(r)
	return handlers.CORS(
		handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedOrigins(s.origins),
	)(r)
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/image", s.handleUpload).Methods("POST")
	api.HandleFunc("/metadata", s.handleGetMetadata).Methods("GET")
	api.HandleFunc("/metadata", s.handlePutMetadata).Methods("PUT")
	api.HandleFunc("/style", s.handleGetStyle).Methods("GET")
	api.HandleFunc("/style", s.handlePutStyle).Methods("PUT")
	api.HandleFunc("/layout", s.handleLayout).Methods("GET")
	api.HandleFunc("/preview.png", s.handlePreview).Methods("GET")
	api.HandleFunc("/export", s.handleExport).Methods("POST")
	api.HandleFunc("/exports", s.handleExports).Methods("GET")
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.session.Close()

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// renderPreview is the session's debounced render callback.
func (s *Server) renderPreview(snap session.Snapshot) {
	start := time.Now()
	logging.LogRenderStart(s.log, snap.Image.Path, snap.Image.Width(), snap.Image.Height(), snap.Version)

	c := raster.NewCanvas(s.fonts, s.log)
	defer c.Close()
	c.UseFastScaling()
	p := overlay.Render(c, snap.Image.Image, snap.Record, snap.Style, snap.Labels)

	var buf bytes.Buffer
	if err := png.Encode(&buf, c.Image()); err != nil {
		s.log.Error("failed to encode preview", "version", snap.Version, "error", err)
		return
	}

	s.mu.Lock()
	if snap.Version >= s.previewVersion {
		s.preview = buf.Bytes()
		s.previewVersion = snap.Version
	}
	s.mu.Unlock()

	elapsed := time.Since(start)
	previewRenders.Inc()
	previewDuration.Observe(elapsed.Seconds())
	logging.LogRenderComplete(s.log, snap.Image.Path, len(p.Block.Lines), string(p.Anchor), elapsed)
	s.hub.Publish(Notification{
		Type:    NoteRendered,
		Version: snap.Version,
		Lines:   len(p.Block.Lines),
		Anchor:  string(p.Anchor),
	})
}

func (s *Server) currentPreview() ([]byte, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preview, s.previewVersion
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type imageResponse struct {
	Name   string          `json:"name,omitempty"`
	Format string          `json:"format"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
	Record metadata.Record `json:"record"`
}

// handleUpload accepts either a multipart form with an "image" file or the
// raw image as the request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	var body io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
		file, hdr, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing image file: "+err.Error())
			return
		}
		defer file.Close()
		body = file
		if name == "" {
			name = hdr.Filename
		}
	}

	data, err := imageio.ReadAllLimited(body, s.maxUpload)
	switch {
	case errors.Is(err, imageio.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case len(data) == 0:
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	src, err := imageio.Decode(data)
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "cannot decode image: "+err.Error())
		return
	}
	src.Path = name

	tags, err := s.extractor.Extract(data)
	if err != nil {
		s.log.Warn("metadata unavailable, fields left blank", "name", name, "error", err)
	}
	src.Image = imageio.Orient(src.Image, metadata.Orientation(tags))
	rec := metadata.FromTags(tags)

	s.session.SetImage(src, rec)
	s.hub.Publish(Notification{Type: NoteImage, Name: name})
	writeJSON(w, http.StatusOK, imageResponse{
		Name:   name,
		Format: src.Format,
		Width:  src.Width(),
		Height: src.Height(),
		Record: rec,
	})
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot().Record)
}

// handlePutMetadata decodes the body over the current record, so omitted
// fields keep their values and explicit empty strings clear them.
func (s *Server) handlePutMetadata(w http.ResponseWriter, r *http.Request) {
	rec := s.session.Snapshot().Record
	if err := decodeStrict(r.Body, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata: "+err.Error())
		return
	}
	s.session.SetRecord(rec)
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetStyle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot().Style)
}

func (s *Server) handlePutStyle(w http.ResponseWriter, r *http.Request) {
	style := s.session.Snapshot().Style
	if err := decodeStrict(r.Body, &style); err != nil {
		writeError(w, http.StatusBadRequest, "invalid style: "+err.Error())
		return
	}
	if style.Anchor != "" && !style.Anchor.Valid() {
		s.log.Warn("unknown anchor, rendering top-left", "anchor", style.Anchor)
	}
	s.session.SetStyle(style)
	writeJSON(w, http.StatusAccepted, style)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	if !snap.HasImage() {
		writeError(w, http.StatusConflict, export.ErrNoImage.Error())
		return
	}
	c := raster.NewCanvas(s.fonts, s.log)
	defer c.Close()
	p := overlay.Layout(snap.Image.Width(), snap.Image.Height(), snap.Record, snap.Style, snap.Labels, c)
	writeJSON(w, http.StatusOK, p)
}

// handlePreview settles any pending render before answering so the image
// reflects every accepted edit.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !s.session.HasImage() {
		writeError(w, http.StatusConflict, export.ErrNoImage.Error())
		return
	}
	snap := s.session.Flush()
	data, version := s.currentPreview()
	if data == nil || version < snap.Version {
		s.session.RenderNow()
		data, version = s.currentPreview()
	}
	if data == nil {
		writeError(w, http.StatusInternalServerError, "preview unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Render-Version", strconv.FormatUint(version, 10))
	w.Write(data)
}

type exportResponse struct {
	ID          int64             `json:"id,omitempty"`
	Name        string            `json:"name"`
	Location    string            `json:"location"`
	Format      string            `json:"format"`
	ContentType string            `json:"content_type"`
	Bytes       int               `json:"bytes"`
	Placement   overlay.Placement `json:"placement"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = s.format
	}
	p, err := export.ProducerFor(format, s.quality)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.exporter.Export(r.Context(), s.session, p)
	if errors.Is(err, export.ErrNoImage) {
		exportsTotal.WithLabelValues(p.Format(), "no_image").Inc()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	rec := storage.ExportRecord{
		SourcePath:   s.session.Snapshot().Image.Path,
		ArtifactPath: res.Location,
		Format:       p.Format(),
		Bytes:        res.Bytes,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	id, storeErr := s.store.RecordExport(rec)
	if storeErr != nil {
		s.log.Error("failed to record export", "error", storeErr)
	}

	if err != nil {
		exportsTotal.WithLabelValues(p.Format(), "error").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	exportsTotal.WithLabelValues(p.Format(), "ok").Inc()
	s.hub.Publish(Notification{Type: NoteExported, Name: res.Location})
	writeJSON(w, http.StatusCreated, exportResponse{
		ID:          id,
		Name:        res.Name,
		Location:    res.Location,
		Format:      res.Format,
		ContentType: res.ContentType,
		Bytes:       res.Bytes,
		Placement:   res.Placement,
	})
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.ExportRecord{})
		return
	}
	recs, err := s.store.RecentExports(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.ExportRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
