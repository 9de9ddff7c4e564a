package proto

import (
	iface "AdaptiveDet/interface"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type SamplingReader interface {
	State() iface.SamplingState
}

// Server answers ReportService calls and is a Sink for the newest report.
type Server struct {
	Sampling SamplingReader
	Cancel   func()
	Requests prometheus.Counter
	Log      *zap.Logger

	mu     sync.RWMutex
	latest *iface.Report

	closeOnce    sync.Once
	CloseChannel chan struct{}
}

func NewServer(sampling SamplingReader, cancel func(), requests prometheus.Counter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Sampling:     sampling,
		Cancel:       cancel,
		Requests:     requests,
		Log:          log,
		CloseChannel: make(chan struct{}),
	}
}

func (s *Server) Present(r iface.Report) error {
	s.mu.Lock()
	s.latest = &r
	s.mu.Unlock()
	return nil
}

func (s *Server) Latest(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.mu.RLock()
	r := s.latest
	s.mu.RUnlock()
	if r == nil {
		return nil, status.Error(codes.NotFound, "no report yet")
	}
	out, err := structpb.NewStruct(r.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	return out, nil
}

func (s *Server) State(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(s.Sampling.State().AsMap())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode sampling state: %v", err)
	}
	return out, nil
}

// Shutdown cancels the pipeline and then signals CloseChannel so the
// process can stop its servers.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.Log.Warn("shutdown requested over gRPC")
	if s.Cancel != nil {
		s.Cancel()
	}
	s.closeOnce.Do(func() { close(s.CloseChannel) })
	return &emptypb.Empty{}, nil
}

func (s *Server) countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.Requests != nil {
		s.Requests.Inc()
	}
	return handler(ctx, req)
}

// NewGRPCServer builds a grpc.Server with the ReportService registered.
func NewGRPCServer(s *Server) *grpc.Server {
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.countRequests))
	RegisterReportServiceServer(gs, s)
	return gs
}

func StartGRPCServer(port int, s *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	gs := NewGRPCServer(s)
	go func() {
		s.Log.Info("gRPC server listening", zap.Int("port", port))
		if err := gs.Serve(lis); err != nil {
			s.Log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return gs, nil
}
