package perception

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region wire

const (
	serviceName  = "cato.perception.v1.PerceptionService"
	detectMethod = "/" + serviceName + "/Detect"
)

// The RPC carries google.protobuf.Struct messages:
//
//	request:  {"text": string}
//	response: {"phi_detected": bool, "pii_detected": bool, "confidence": number}
func encodeResult(r Result) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"phi_detected": r.PHIDetected,
		"pii_detected": r.PIIDetected,
		"confidence":   r.Confidence,
	})
}

func decodeResult(s *structpb.Struct) Result {
	f := s.GetFields()
	return Result{
		PHIDetected: f["phi_detected"].GetBoolValue(),
		PIIDetected: f["pii_detected"].GetBoolValue(),
		Confidence:  f["confidence"].GetNumberValue(),
	}
}

// #endregion wire

// #region client

// GRPCDetector calls a remote perception service.
type GRPCDetector struct {
	conn   *grpc.ClientConn
	client grpc.ClientConnInterface
}

// NewGRPCDetector connects to the perception service at addr.
func NewGRPCDetector(addr string, opts ...grpc.DialOption) (*GRPCDetector, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCDetector{conn: conn, client: conn}, nil
}

// NewGRPCDetectorWithConn wraps an existing connection. Close is a no-op.
func NewGRPCDetectorWithConn(cc grpc.ClientConnInterface) *GRPCDetector {
	return &GRPCDetector{client: cc}
}

// Close shuts down an owned connection.
func (g *GRPCDetector) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Detect implements Detector.
func (g *GRPCDetector) Detect(ctx context.Context, text string) (Result, error) {
	req, err := structpb.NewStruct(map[string]any{"text": text})
	if err != nil {
		return Result{}, fmt.Errorf("encode detect request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := g.client.Invoke(ctx, detectMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("detect rpc: %w", err)
	}
	return decodeResult(resp), nil
}

// #endregion client

// #region server

type perceptionServer interface {
	detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type detectorServer struct {
	d Detector
}

func (s detectorServer) detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text := req.GetFields()["text"].GetStringValue()
	r, err := s.d.Detect(ctx, text)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "detect: %v", err)
	}
	return encodeResult(r)
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(perceptionServer)
	if interceptor == nil {
		return s.detect(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return s.detect(ctx, req.(*structpb.Struct))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*perceptionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Metadata: "cato/perception/v1/perception.proto",
}

// RegisterServer exposes d as the perception service on s.
func RegisterServer(s grpc.ServiceRegistrar, d Detector) {
	s.RegisterService(&serviceDesc, detectorServer{d: d})
}

// #endregion server
