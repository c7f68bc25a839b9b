package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"imgecho/internal/config"
	"imgecho/internal/overlay"
	"imgecho/internal/rpc"
	"imgecho/internal/server"
	"imgecho/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoot(t *testing.T, mutate func(*config.Config)) (*Root, *bytes.Buffer, *storage.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.Paths.DatabasePath = filepath.Join(t.TempDir(), "imgecho.db")
	cfg.Processing.WorkerCount = 2
	cfg.Processing.QueueSize = 4
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root, err := NewRoot(context.Background(), cfg, quietLogger(), store)
	if err != nil {
		t.Fatalf("new root: %v", err)
	}
	t.Cleanup(func() { root.Close() })

	var out bytes.Buffer
	root.out = &out
	return root, &out, store
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{0x20, 0x40, 0x60, 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func TestAnnotateWritesArtifactAndRecord(t *testing.T) {
	root, out, store := newTestRoot(t, nil)
	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 120, 80)
	outDir := filepath.Join(t.TempDir(), "artifacts")

	args := []string{"annotate", img, "--notes", "first light", "--anchor", "top-right", "--format", "webp", "--out", outDir}
	if err := root.Execute(context.Background(), args); err != nil {
		t.Fatalf("annotate failed: %v", err)
	}

	artifact := strings.TrimSpace(out.String())
	if filepath.Dir(artifact) != outDir || !strings.HasSuffix(artifact, ".webp") {
		t.Fatalf("unexpected artifact path %q", artifact)
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}

	recs, err := store.RecentExports(5)
	if err != nil {
		t.Fatalf("recent exports: %v", err)
	}
	if len(recs) != 1 || recs[0].SourcePath != img || recs[0].ArtifactPath != artifact {
		t.Fatalf("unexpected export records: %+v", recs)
	}
}

func TestAnnotateValidatesInput(t *testing.T) {
	root, _, _ := newTestRoot(t, nil)
	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 16, 16)

	if err := root.Execute(context.Background(), []string{"annotate"}); err == nil {
		t.Fatalf("expected error for missing image argument")
	}
	if err := root.Execute(context.Background(), []string{"annotate", filepath.Join(t.TempDir(), "missing.jpg")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if err := root.Execute(context.Background(), []string{"annotate", img, "--sink", "ftp"}); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
	if err := root.Execute(context.Background(), []string{"annotate", img, "--format", "bmp"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestInfoJSON(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 40, 30)

	if err := root.Execute(context.Background(), []string{"info", img, "--json"}); err != nil {
		t.Fatalf("info failed: %v", err)
	}
	var got struct {
		Path  string `json:"path"`
		Width int    `json:"width"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("info output is not JSON: %v\n%s", err, out.String())
	}
	if got.Path != img || got.Width != 40 {
		t.Fatalf("unexpected info: %+v", got)
	}
}

func TestInfoText(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 40, 30)

	if err := root.Execute(context.Background(), []string{"info", img}); err != nil {
		t.Fatalf("info failed: %v", err)
	}
	if !strings.Contains(out.String(), "(40x30)") || !strings.Contains(out.String(), "no metadata") {
		t.Fatalf("unexpected info output:\n%s", out.String())
	}
}

func TestBatchAnnotatesEveryImage(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png"} {
		writePNG(t, filepath.Join(dir, name), 24, 24)
	}
	touch(t, filepath.Join(dir, "raw.nef"))
	touch(t, filepath.Join(dir, "notes.txt"))
	outDir := filepath.Join(t.TempDir(), "batch")

	if err := root.Execute(context.Background(), []string{"batch", dir, "--out", outDir}); err != nil {
		t.Fatalf("batch failed: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "6 annotated, 0 failed") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 artifacts, got %d", len(entries))
	}
}

func TestBatchEmptyDirectory(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	dir := t.TempDir()
	if err := root.Execute(context.Background(), []string{"batch", dir}); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if !strings.Contains(out.String(), "no images") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestExportsListsRecords(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	if err := root.Execute(context.Background(), []string{"exports"}); err != nil {
		t.Fatalf("exports failed: %v", err)
	}
	if !strings.Contains(out.String(), "no exports recorded") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 16, 16)
	if err := root.Execute(context.Background(), []string{"annotate", img}); err != nil {
		t.Fatalf("annotate failed: %v", err)
	}
	out.Reset()
	if err := root.Execute(context.Background(), []string{"exports", "--limit", "1"}); err != nil {
		t.Fatalf("exports failed: %v", err)
	}
	if !strings.Contains(out.String(), img) || !strings.Contains(out.String(), ".jpg") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestConfigValidate(t *testing.T) {
	root, out, _ := newTestRoot(t, func(cfg *config.Config) { cfg.Style.Anchor = "middle" })
	if err := root.Execute(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(out.String(), "style.anchor") {
		t.Fatalf("expected anchor problem in output:\n%s", out.String())
	}

	good, goodOut, _ := newTestRoot(t, nil)
	if err := good.Execute(context.Background(), []string{"config", "validate"}); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if !strings.Contains(goodOut.String(), "configuration ok") {
		t.Fatalf("unexpected output: %s", goodOut.String())
	}
}

func TestConfigShowAndVersion(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	if err := root.Execute(context.Background(), []string{"config", "show"}); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), `"rpc_addr"`) {
		t.Fatalf("config show missing server section:\n%s", out.String())
	}

	out.Reset()
	if err := root.Execute(context.Background(), []string{"version"}); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	for _, want := range []string{"imgecho " + Version, "jpeg, webp, html", "imagick:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("version output missing %q:\n%s", want, out.String())
		}
	}
}

func TestFontsReportsFallback(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	if err := root.Execute(context.Background(), []string{"fonts", "NoSuchFamilyAnywhere"}); err != nil {
		t.Fatalf("fonts failed: %v", err)
	}
	if !strings.Contains(out.String(), "not found") {
		t.Fatalf("expected fallback notice: %s", out.String())
	}
}

func TestServeUsesConfiguredServer(t *testing.T) {
	root, _, _ := newTestRoot(t, nil)
	var called bool
	root.serveFn = func(ctx context.Context, srv *server.Server) error {
		called = srv != nil && srv.Session() != nil
		return nil
	}
	if err := root.Execute(context.Background(), []string{"serve", "--addr", "127.0.0.1:0"}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function not invoked")
	}
}

func TestRPCServeDefaultsToConfigAddr(t *testing.T) {
	root, _, _ := newTestRoot(t, func(cfg *config.Config) { cfg.Server.RPCAddr = "127.0.0.1:19999" })
	var gotAddr string
	root.rpcServeFn = func(ctx context.Context, addr string, svc rpc.AnnotatorServer, log *slog.Logger) error {
		gotAddr = addr
		return nil
	}
	if err := root.Execute(context.Background(), []string{"rpc", "serve"}); err != nil {
		t.Fatalf("rpc serve failed: %v", err)
	}
	if gotAddr != "127.0.0.1:19999" {
		t.Fatalf("expected config addr, got %q", gotAddr)
	}
}

func TestRPCAnnotateRoundTrip(t *testing.T) {
	root, out, _ := newTestRoot(t, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := rpc.NewGRPCServer(root.rpcService(), quietLogger())
	go gs.Serve(lis)
	defer gs.Stop()

	img := filepath.Join(t.TempDir(), "a.png")
	writePNG(t, img, 64, 48)
	dest := filepath.Join(t.TempDir(), "remote.jpg")

	args := []string{"rpc", "annotate", img, "--addr", lis.Addr().String(), "--out", dest, "--camera", "Remote"}
	if err := root.Execute(context.Background(), args); err != nil {
		t.Fatalf("rpc annotate failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != dest {
		t.Fatalf("unexpected output: %s", out.String())
	}
	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()
	decoded, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("artifact is not a JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 64 {
		t.Fatalf("unexpected width %d", decoded.Bounds().Dx())
	}
}

func TestWatchRejectsOutputInsideWatchedDir(t *testing.T) {
	root, _, _ := newTestRoot(t, nil)
	dir := t.TempDir()
	if err := root.Execute(context.Background(), []string{"watch", dir, "--out", dir}); err == nil {
		t.Fatalf("expected error when output equals watched directory")
	}
}

func TestStyleFlagsOnlyOverrideWhatWasGiven(t *testing.T) {
	var over overrideFlags
	var got overlay.StyleOverride
	cmd := &cobra.Command{
		Use: "x",
		RunE: func(cmd *cobra.Command, args []string) error {
			got = over.styleOverride(cmd)
			return nil
		},
	}
	over.bind(cmd)
	cmd.SetArgs([]string{"--blur", "0", "--anchor", "center"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got.Blur == nil || *got.Blur != 0 {
		t.Fatalf("explicit --blur 0 should be an override, got %v", got.Blur)
	}
	if got.Anchor == nil || *got.Anchor != overlay.Center {
		t.Fatalf("anchor override missing: %v", got.Anchor)
	}
	if got.Mode != nil || got.FontSizePercent != nil || got.FontFamily != nil {
		t.Fatalf("unset flags must not override: %+v", got)
	}

	base := overlay.DefaultStyle()
	base.Blur = 6
	if style := base.Apply(got); style.Blur != 0 || style.FontSizePercent != base.FontSizePercent {
		t.Fatalf("unexpected merged style: %+v", style)
	}
}
