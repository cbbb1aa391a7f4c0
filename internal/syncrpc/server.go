package syncrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/monitoring"
	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/provider"
	"github.com/banshee-data/spatialsync/internal/wire"
)

var logf = monitoring.Prefixed("gRPC")

// Config holds configuration for the gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061").
	ListenAddr string
	// MaxMsgSize bounds a single message in either direction.
	MaxMsgSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50061",
		MaxMsgSize: wire.MaxSnapshotBytes,
	}
}

// Ensure Server implements the gRPC interface.
var _ ContextSyncServer = (*Server)(nil)

// Server serves the ContextSync API for one service and provider.
type Server struct {
	cfg      Config
	svc      *contextsvc.Service
	provider *provider.Provider

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a server. Start must be called to accept connections.
func NewServer(svc *contextsvc.Service, prov *provider.Provider, cfg Config) *Server {
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = DefaultConfig().MaxMsgSize
	}
	return &Server{cfg: cfg, svc: svc, provider: prov}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.cfg.MaxMsgSize),
		grpc.MaxSendMsgSize(s.cfg.MaxMsgSize),
	)
	s.health = health.NewServer()
	RegisterContextSyncServer(s.grpcServer, s)
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("listening on %s", lis.Addr())
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) && s.running.Load() {
			logf("serve error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop marks the server not serving and stops it gracefully, waiting at most
// timeout before closing remaining streams.
func (s *Server) Stop(timeout time.Duration) {
	if !s.running.Swap(false) {
		return
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
		<-done
	}
	s.wg.Wait()
	logf("server stopped")
}

// streamTransport adapts a Connect stream to provider.Transport. Sends are
// refused once the handler is about to return.
type streamTransport struct {
	mu     sync.Mutex
	closed bool
	stream grpc.ServerStreamingServer[wrapperspb.BytesValue]
}

func (t *streamTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return provider.ErrSessionClosed
	}
	return t.stream.Send(wrapperspb.Bytes(frame))
}

func (t *streamTransport) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Connect implements the session stream.
func (s *Server) Connect(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	ctx := stream.Context()
	t := &streamTransport{stream: stream}

	// Frames wait on t.mu until the session header has gone out.
	t.mu.Lock()
	id, err := s.provider.Register(t, provider.SessionOptions{Label: req.GetValue()})
	if err != nil {
		t.mu.Unlock()
		return toStatus(err)
	}
	defer func() {
		t.close()
		if err := s.provider.Unregister(id); err != nil {
			logf("unregister %s: %v", id, err)
		}
	}()

	err = stream.SendHeader(metadata.Pairs(SessionIDHeader, string(id)))
	t.mu.Unlock()
	if err != nil {
		return err
	}
	logf("session %s connected (label=%q)", id, req.GetValue())

	<-ctx.Done()
	logf("session %s disconnected: %v", id, ctx.Err())
	return nil
}

// SubmitFrame implements upstream frame submission.
func (s *Server) SubmitFrame(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	snap, err := wire.DecodeFrameSnapshot(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.svc.SubmitFrameState(snap, contextsvc.FrameOverrides{}); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Subscribe implements the include control call.
func (s *Server) Subscribe(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return s.entityControl(req, s.provider.Subscribe)
}

// Unsubscribe implements the include removal control call.
func (s *Server) Unsubscribe(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return s.entityControl(req, s.provider.Unsubscribe)
}

// Exclude implements the exclusion control call.
func (s *Server) Exclude(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	return s.entityControl(req, s.provider.Exclude)
}

// SetGeolocationOptions implements the geolocation request control call.
// A request with "withdraw": true clears the session's request.
func (s *Server) SetGeolocationOptions(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := sessionField(req)
	if err != nil {
		return nil, err
	}
	var opts *contextsvc.GeolocationOptions
	if !boolField(req, "withdraw") {
		opts = &contextsvc.GeolocationOptions{
			DesiredAccuracy: numberField(req, "desiredAccuracy"),
			HighAccuracy:    boolField(req, "highAccuracy"),
			UpdateInterval:  time.Duration(numberField(req, "updateIntervalMs") * float64(time.Millisecond)),
		}
		if opts.DesiredAccuracy < 0 || opts.UpdateInterval < 0 {
			return nil, status.Error(codes.InvalidArgument, "geolocation options must not be negative")
		}
	}
	if err := s.provider.SetGeolocationOptions(id, opts); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) entityControl(req *structpb.Struct, op func(provider.SessionID, string) error) (*emptypb.Empty, error) {
	id, err := sessionField(req)
	if err != nil {
		return nil, err
	}
	entity := req.GetFields()["entity"].GetStringValue()
	if entity == "" {
		return nil, status.Error(codes.InvalidArgument, "missing entity")
	}
	if err := op(id, entity); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func sessionField(req *structpb.Struct) (provider.SessionID, error) {
	id := req.GetFields()["session"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "missing session")
	}
	return provider.SessionID(id), nil
}

func numberField(req *structpb.Struct, name string) float64 {
	return req.GetFields()[name].GetNumberValue()
}

func boolField(req *structpb.Struct, name string) bool {
	return req.GetFields()[name].GetBoolValue()
}

// toStatus maps package errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, provider.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, provider.ErrTooManySessions):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, wire.ErrMalformedSnapshot), errors.Is(err, posegraph.ErrInvalidID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, contextsvc.ErrFrameInProgress):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
