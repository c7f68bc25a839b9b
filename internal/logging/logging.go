package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"imgecho/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter is New writing to w.
func NewWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(NewTraditionalHandler(w, lvl))
}

// Setup configures global logging with optional daily file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("imgecho-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "imgecho-current.log")
		os.Remove(currentLogPath)
		// A missing symlink only costs convenience.
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	logger := NewWriter(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Debug("imgecho logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// "[LEVEL] message [k=v ...]".
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes to w with standard log timestamps.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.format(a))
	}
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRenderStart logs a render pass about to draw.
func LogRenderStart(logger *slog.Logger, source string, width, height int, version uint64) {
	logger.Debug("render started",
		"source", source,
		"width", width,
		"height", height,
		"version", version,
	)
}

// LogRenderComplete logs a finished render pass.
func LogRenderComplete(logger *slog.Logger, source string, lines int, anchor string, duration time.Duration) {
	logger.Debug("render completed",
		"source", source,
		"lines", lines,
		"anchor", anchor,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogExportComplete logs a stored artifact.
func LogExportComplete(logger *slog.Logger, location, format string, size int, duration time.Duration) {
	logger.Info("export completed",
		"location", location,
		"format", format,
		"bytes", size,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogExportError logs an aborted export.
func LogExportError(logger *slog.Logger, format string, err error) {
	logger.Error("export failed",
		"format", format,
		"error", err.Error(),
	)
}

// LogJobStart logs the beginning of a processing job
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete logs successful job completion
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogBackendStatus logs whether an optional backend (imagick, darktable) can be used.
func LogBackendStatus(logger *slog.Logger, backend string, available bool, detail string, err error) {
	if available {
		logger.Debug("backend available", "backend", backend, "detail", detail)
		return
	}
	logger.Debug("backend not available", "backend", backend, "error", err)
}
