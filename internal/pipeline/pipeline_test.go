package pipeline

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgecho/internal/export"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
	"imgecho/internal/session"
	"imgecho/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitResults(t *testing.T, ch <-chan Result, n int) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case r := <-ch:
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func TestPipelineRunsJobsAndBroadcasts(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		if job.InputPath == "bad" {
			return Result{Error: errors.New("boom")}
		}
		return Result{Meta: map[string]any{"ok": true}}
	})

	p := New(context.Background(), 2, 10, quietLogger(), nil, proc)
	defer p.Stop()
	ch, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "a", Type: JobAnnotate, InputPath: "good"}))
	require.NoError(t, p.Submit(Job{ID: "b", Type: JobAnnotate, InputPath: "bad"}))

	results := waitResults(t, ch, 2)
	byID := map[string]Result{}
	for _, r := range results {
		byID[r.Job.ID] = r
	}
	assert.NoError(t, byID["a"].Error)
	assert.EqualError(t, byID["b"].Error, "boom")
	assert.Equal(t, "bad", byID["b"].Job.InputPath, "result carries its job")
}

func TestPipelineQueueFull(t *testing.T) {
	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, job Job) Result {
		<-release
		return Result{}
	})
	p := New(context.Background(), 1, 1, quietLogger(), nil, proc)
	defer func() {
		close(release)
		p.Stop()
	}()

	var full error
	for i := 0; i < 5 && full == nil; i++ {
		full = p.Submit(Job{ID: "j", Type: JobAnnotate})
	}
	assert.ErrorIs(t, full, ErrQueueFull)
}

func TestPipelineStopRejectsSubmit(t *testing.T) {
	p := New(context.Background(), 1, 1, quietLogger(), nil, ProcessorFunc(func(context.Context, Job) Result { return Result{} }))
	p.Stop()
	p.Stop()
	assert.Error(t, p.Submit(Job{ID: "late"}))
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func newAnnotator(t *testing.T, out string) (*Annotator, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exp := export.NewExporter(nil, export.LocalSink{Dir: out}, quietLogger())
	return &Annotator{
		Loader:   Loader{Extractor: metadata.NewExtractor(nil), Log: quietLogger()},
		Exporter: exp,
		Store:    store,
		Labels:   metadata.LabelsFor(metadata.LangEnglish),
		Format:   export.FormatJPEG,
		Log:      quietLogger(),
	}, store
}

func TestAnnotateJobExportsAndRecords(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	img := filepath.Join(dir, "shot.png")
	writePNG(t, img, 200, 100)
	center := overlay.Center
	require.NoError(t, session.SaveSidecar(img, session.Sidecar{
		Record: metadata.Record{Camera: "Sidecar Cam"},
		Style:  overlay.StyleOverride{Anchor: &center},
	}))

	a, store := newAnnotator(t, t.TempDir())
	res := a.Process(context.Background(), Job{
		ID: "annotate-1", Type: JobAnnotate, InputPath: img, Output: out,
		Options: map[string]any{
			OptFormat: "webp",
			OptRecord: metadata.Record{Notes: "from job"},
		},
	})
	require.NoError(t, res.Error)
	assert.Equal(t, "webp", res.Meta["format"])
	assert.Equal(t, string(overlay.Center), res.Meta["anchor"])
	assert.Equal(t, 3, res.Meta["lines"], "camera, separator and notes")

	artifact := res.Meta["artifact"].(string)
	assert.Equal(t, out, filepath.Dir(artifact))
	_, err := os.Stat(artifact)
	require.NoError(t, err)

	recs, err := store.RecentExports(5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, img, recs[0].SourcePath)
	assert.Equal(t, artifact, recs[0].ArtifactPath)

	meta, err := store.ImageMetadata(img)
	require.NoError(t, err)
	assert.Equal(t, "Sidecar Cam", meta.Camera)
}

func TestAnnotateJobStyleOverrideBeatsSidecar(t *testing.T) {
	img := filepath.Join(t.TempDir(), "shot.png")
	writePNG(t, img, 200, 100)
	center := overlay.Center
	require.NoError(t, session.SaveSidecar(img, session.Sidecar{
		Record: metadata.Record{Camera: "Cam"},
		Style:  overlay.StyleOverride{Anchor: &center},
	}))

	a, _ := newAnnotator(t, t.TempDir())
	topRight := overlay.TopRight
	res := a.Process(context.Background(), Job{
		ID: "annotate-2", Type: JobAnnotate, InputPath: img, Output: t.TempDir(),
		Options: map[string]any{OptStyle: overlay.StyleOverride{Anchor: &topRight}},
	})
	require.NoError(t, res.Error)
	assert.Equal(t, string(overlay.TopRight), res.Meta["anchor"])
}

func TestAnnotateJobMissingFile(t *testing.T) {
	a, store := newAnnotator(t, t.TempDir())
	res := a.Process(context.Background(), Job{ID: "x", Type: JobAnnotate, InputPath: filepath.Join(t.TempDir(), "nope.jpg")})
	require.Error(t, res.Error)

	recs, err := store.RecentExports(5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].Error)
	assert.Empty(t, recs[0].ArtifactPath)
}

func TestAnnotateRejectsUnknownFormat(t *testing.T) {
	a, _ := newAnnotator(t, t.TempDir())
	res := a.Process(context.Background(), Job{ID: "x", Type: JobAnnotate, InputPath: "a.png", Options: map[string]any{OptFormat: "gif"}})
	assert.ErrorIs(t, res.Error, export.ErrUnknownFormat)
}

func TestExtractJob(t *testing.T) {
	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 30, 20)
	a, _ := newAnnotator(t, t.TempDir())

	res := a.Process(context.Background(), Job{ID: "e", Type: JobExtract, InputPath: img})
	require.NoError(t, res.Error)
	assert.Equal(t, 30, res.Meta["width"])
	assert.Equal(t, metadata.Record{}, res.Meta["record"])

	res = a.Process(context.Background(), Job{ID: "u", Type: "unknown"})
	assert.Error(t, res.Error)
}

func TestAnnotateThroughPipeline(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writePNG(t, filepath.Join(dir, name), 40, 30)
	}
	a, store := newAnnotator(t, out)
	p := New(context.Background(), 2, 10, quietLogger(), store, a)
	defer p.Stop()
	ch, unsub := p.Subscribe()
	defer unsub()

	for i, name := range []string{"a.png", "b.png", "c.png"} {
		require.NoError(t, p.Submit(Job{
			ID: "annotate-" + string(rune('0'+i)), Type: JobAnnotate, InputPath: filepath.Join(dir, name),
			Options: map[string]any{OptRecord: metadata.Record{Camera: "Batch"}},
		}))
	}
	for _, r := range waitResults(t, ch, 3) {
		assert.NoError(t, r.Error)
	}

	jobs, err := store.RecentJobs(10)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
