// Package rpc serves annotation over gRPC. The service is described by hand
// with well-known protobuf types, so no generated stubs are needed.
package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"imgecho/internal/export"
	"imgecho/internal/imageio"
	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
	"imgecho/internal/session"
)

const (
	ServiceName        = "imgecho.Annotator"
	FullMethodAnnotate = "/" + ServiceName + "/Annotate"

	// MaxMessageSize bounds requests and responses.
	MaxMessageSize = 100 << 20
)

// Request keys.
const (
	KeyImage  = "image"
	KeyFormat = "format"
	KeyRecord = "record"
	KeyStyle  = "style"
	KeyLang   = "lang"
)

// AnnotatorServer is implemented by Service.
type AnnotatorServer interface {
	Annotate(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// ServiceDesc registers AnnotatorServer with a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnnotatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Annotate", Handler: annotateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "imgecho/annotator.proto",
}

func annotateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnnotatorServer).Annotate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethodAnnotate}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnnotatorServer).Annotate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service renders one image per call and returns the artifact bytes. Nothing
// is stored.
type Service struct {
	Exporter  *export.Exporter
	Extractor *metadata.Extractor
	Style     overlay.Style
	Labels    metadata.Labels
	Format    string
	Quality   int
	Log       *slog.Logger
}

// Annotate implements AnnotatorServer.
func (s *Service) Annotate(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := req.GetFields()

	raw, err := base64.StdEncoding.DecodeString(fields[KeyImage].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image is not valid base64: %v", err)
	}
	if len(raw) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is required")
	}

	format := s.Format
	if f := fields[KeyFormat].GetStringValue(); f != "" {
		format = f
	}
	producer, err := export.ProducerFor(format, s.Quality)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	src, err := imageio.Decode(raw)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "cannot decode image: %v", err)
	}
	extractor := s.Extractor
	if extractor == nil {
		extractor = metadata.NewExtractor(nil)
	}
	tags, err := extractor.Extract(raw)
	if err != nil {
		s.log().Debug("no embedded metadata", "error", err)
	}
	src.Image = imageio.Orient(src.Image, metadata.Orientation(tags))

	var recOver metadata.Record
	if err := fromStruct(fields[KeyRecord].GetStructValue(), &recOver); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid record: %v", err)
	}
	var styleOver overlay.StyleOverride
	if err := fromStruct(fields[KeyStyle].GetStructValue(), &styleOver); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid style: %v", err)
	}

	style := s.Style
	if style == (overlay.Style{}) {
		style = overlay.DefaultStyle()
	}
	labels := s.Labels
	if lang := fields[KeyLang].GetStringValue(); lang != "" {
		labels = metadata.LabelsFor(lang)
	}
	if labels.Lang == "" {
		labels = metadata.LabelsFor(metadata.LangEnglish)
	}

	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	snap := session.Snapshot{
		Image:  src,
		Record: metadata.FromTags(tags).Merge(recOver),
		Style:  style.Apply(styleOver),
		Labels: labels,
	}
	res, err := s.Exporter.Encode(snap, producer)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	s.log().Info("annotated over rpc", "format", res.Format, "bytes", res.Bytes, "lines", len(res.Placement.Block.Lines))
	return wrapperspb.Bytes(res.Data), nil
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// fromStruct round-trips st through JSON into v. A nil st leaves v untouched.
func fromStruct(st *structpb.Struct, v any) error {
	if st == nil {
		return nil
	}
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// toStruct converts v to a Struct. With dropBlank set, empty strings and zero
// numbers are removed so they do not override server values.
func toStruct(v any, dropBlank bool) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if dropBlank {
		for k, val := range m {
			switch x := val.(type) {
			case string:
				if x == "" {
					delete(m, k)
				}
			case float64:
				if x == 0 {
					delete(m, k)
				}
			}
		}
	}
	return structpb.NewStruct(m)
}

// NewRequest builds an Annotate request. Blank record fields are left out;
// every style field set in style is sent, zero values included.
func NewRequest(image []byte, format string, rec metadata.Record, style overlay.StyleOverride) (*structpb.Struct, error) {
	recStruct, err := toStruct(rec, true)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	styleStruct, err := toStruct(style, false)
	if err != nil {
		return nil, fmt.Errorf("style: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		KeyImage:  structpb.NewStringValue(base64.StdEncoding.EncodeToString(image)),
		KeyFormat: structpb.NewStringValue(format),
		KeyRecord: structpb.NewStructValue(recStruct),
		KeyStyle:  structpb.NewStructValue(styleStruct),
	}}, nil
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		return resp, err
	}
}

// NewGRPCServer returns a grpc.Server with svc registered.
func NewGRPCServer(svc AnnotatorServer, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
		grpc.UnaryInterceptor(loggingInterceptor(logger)),
	)
	gs.RegisterService(&ServiceDesc, svc)
	return gs
}

// Serve listens on addr until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, addr string, svc AnnotatorServer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := NewGRPCServer(svc, logger)
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down rpc server...")
		gs.GracefulStop()
	}()
	logger.Info("rpc server starting", "addr", lis.Addr().String(), "service", ServiceName)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Client calls a remote Annotator.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize), grpc.MaxCallSendMsgSize(MaxMessageSize)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Annotate sends req and returns the artifact bytes.
func (c *Client) Annotate(ctx context.Context, req *structpb.Struct) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, FullMethodAnnotate, req, out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
