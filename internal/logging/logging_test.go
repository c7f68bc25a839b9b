package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgecho/internal/config"
)

func TestTraditionalFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "text").With("session", "s1")
	logger.WithGroup("export").Info("done", "bytes", 12)

	out := buf.String()
	assert.Contains(t, out, "[INFO] done [session=s1 export.bytes=12]")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[WARN] shown")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "json")
	LogExportComplete(logger, "/tmp/photo_1.jpg", "jpeg", 10, time.Second)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "export completed", entry["msg"])
	assert.Equal(t, "jpeg", entry["format"])
	assert.Equal(t, float64(1000), entry["duration_ms"])
}

func TestHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "text")
	LogRenderStart(logger, "a.jpg", 10, 20, 3)
	LogRenderComplete(logger, "a.jpg", 2, "top-left", time.Millisecond)
	LogExportError(logger, "webp", errors.New("boom"))
	LogJobError(logger, "annotate", "j1", time.Second, errors.New("bad"), nil)
	LogBackendStatus(logger, "imagick", false, "", errors.New("missing"))

	out := buf.String()
	for _, want := range []string{"render started", "render completed", "export failed", "error=boom", "job failed", "backend not available"} {
		assert.Contains(t, out, want)
	}
}

func TestSetupWritesDailyFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = t.TempDir()

	logger, err := Setup(cfg)
	require.NoError(t, err)
	logger.Info("hello file")

	name := filepath.Join(cfg.Logging.LogDir, "imgecho-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")

	target, err := os.Readlink(filepath.Join(cfg.Logging.LogDir, "imgecho-current.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(name), target)
}
