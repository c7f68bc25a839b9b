package rpc

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"imgecho/internal/export"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func startServer(t *testing.T) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	svc := &Service{
		Exporter: export.NewExporter(nil, nil, quietLogger()),
		Labels:   metadata.LabelsFor(metadata.LangEnglish),
		Quality:  export.DefaultQuality,
		Log:      quietLogger(),
	}
	gs := NewGRPCServer(svc, quietLogger())
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAnnotateReturnsJPEG(t *testing.T) {
	client := startServer(t)
	req, err := NewRequest(pngBytes(t, 200, 120), "", metadata.Record{Camera: "Z 6"}, overlay.Style{Anchor: overlay.Center}.Override())
	require.NoError(t, err)

	data, err := client.Annotate(context.Background(), req)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 120), img.Bounds())
}

func TestAnnotateWebP(t *testing.T) {
	client := startServer(t)
	req, err := NewRequest(pngBytes(t, 64, 64), export.FormatWebP, metadata.Record{}, overlay.StyleOverride{})
	require.NoError(t, err)

	data, err := client.Annotate(context.Background(), req)
	require.NoError(t, err)
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
}

func TestAnnotateInvalidArguments(t *testing.T) {
	client := startServer(t)

	cases := map[string]*structpb.Struct{
		"missing image": {Fields: map[string]*structpb.Value{}},
		"bad base64":    {Fields: map[string]*structpb.Value{KeyImage: structpb.NewStringValue("%%%")}},
		"not an image":  {Fields: map[string]*structpb.Value{KeyImage: structpb.NewStringValue("aGVsbG8=")}},
	}
	bad, err := NewRequest(pngBytes(t, 8, 8), "tiff", metadata.Record{}, overlay.StyleOverride{})
	require.NoError(t, err)
	cases["unknown format"] = bad

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := client.Annotate(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestNewRequestDropsBlankRecordValues(t *testing.T) {
	blur := 2.0
	req, err := NewRequest([]byte("x"), "html", metadata.Record{Camera: "A"}, overlay.StyleOverride{Blur: &blur})
	require.NoError(t, err)

	rec := req.Fields[KeyRecord].GetStructValue().AsMap()
	assert.Equal(t, map[string]any{"camera": "A"}, rec)
	style := req.Fields[KeyStyle].GetStructValue().AsMap()
	assert.Equal(t, map[string]any{"blur": 2.0}, style)

	var back overlay.StyleOverride
	require.NoError(t, fromStruct(req.Fields[KeyStyle].GetStructValue(), &back))
	require.NotNil(t, back.Blur)
	assert.Equal(t, 2.0, *back.Blur)
}

func TestNewRequestKeepsExplicitZeroStyle(t *testing.T) {
	zero, values := 0.0, overlay.ModeValues
	req, err := NewRequest([]byte("x"), "", metadata.Record{}, overlay.StyleOverride{Blur: &zero, Mode: &values})
	require.NoError(t, err)

	style := req.Fields[KeyStyle].GetStructValue().AsMap()
	assert.Equal(t, map[string]any{"blur": 0.0, "mode": "values"}, style)

	var back overlay.StyleOverride
	require.NoError(t, fromStruct(req.Fields[KeyStyle].GetStructValue(), &back))
	base := overlay.DefaultStyle()
	base.Blur = 5
	got := base.Apply(back)
	assert.Equal(t, 0.0, got.Blur)
	assert.Equal(t, overlay.ModeValues, got.Mode)
}
