package syncrpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/provider"
	"github.com/banshee-data/spatialsync/internal/wire"
)

// Client is a typed ContextSync client.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Without options the connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WaitForHealth blocks until the server reports the ContextSync service as
// SERVING or ctx ends.
func (c *Client) WaitForHealth(ctx context.Context) error {
	hc := grpc_health_v1.NewHealthClient(c.conn)
	backoff := 50 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := hc.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		cancel()
		if err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// Session is an open Connect stream.
type Session struct {
	ID     provider.SessionID
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Connect opens a session stream. The session lives until Close or ctx ends.
func (c *Client) Connect(ctx context.Context, label string) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &contextSyncServiceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(label)); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	header, err := stream.Header()
	if err != nil {
		cancel()
		return nil, err
	}
	ids := header.Get(SessionIDHeader)
	if len(ids) == 0 {
		cancel()
		return nil, fmt.Errorf("connect: response has no %s header", SessionIDHeader)
	}
	return &Session{ID: provider.SessionID(ids[0]), stream: stream, cancel: cancel}, nil
}

// Recv blocks for the next frame of the session.
func (s *Session) Recv() (*wire.SessionFrame, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return wire.DecodeSessionFrame(m.GetValue())
}

// Close ends the session stream.
func (s *Session) Close() {
	s.cancel()
}

// SubmitFrame sends one upstream snapshot.
func (c *Client) SubmitFrame(ctx context.Context, snap *wire.FrameSnapshot) error {
	data, err := wire.EncodeFrameSnapshot(snap)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, submitFrameMethod, wrapperspb.Bytes(data), new(emptypb.Empty))
}

func (c *Client) control(ctx context.Context, method string, fields map[string]any) error {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, method, req, new(emptypb.Empty))
}

// Subscribe adds entity to the session's include set.
func (c *Client) Subscribe(ctx context.Context, session provider.SessionID, entity string) error {
	return c.control(ctx, subscribeMethod, map[string]any{"session": string(session), "entity": entity})
}

// Unsubscribe removes entity from the session's include set.
func (c *Client) Unsubscribe(ctx context.Context, session provider.SessionID, entity string) error {
	return c.control(ctx, unsubscribeMethod, map[string]any{"session": string(session), "entity": entity})
}

// Exclude hides entity from the session.
func (c *Client) Exclude(ctx context.Context, session provider.SessionID, entity string) error {
	return c.control(ctx, excludeMethod, map[string]any{"session": string(session), "entity": entity})
}

// SetGeolocationOptions sets the session's geolocation request; nil withdraws it.
func (c *Client) SetGeolocationOptions(ctx context.Context, session provider.SessionID, opts *contextsvc.GeolocationOptions) error {
	fields := map[string]any{"session": string(session)}
	if opts == nil {
		fields["withdraw"] = true
	} else {
		fields["desiredAccuracy"] = opts.DesiredAccuracy
		fields["highAccuracy"] = opts.HighAccuracy
		fields["updateIntervalMs"] = float64(opts.UpdateInterval) / float64(time.Millisecond)
	}
	return c.control(ctx, setGeolocationOptionsMethod, fields)
}
