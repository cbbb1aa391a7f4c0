// Package syncrpc exposes the context service over gRPC: a server stream per
// downstream session, unary control calls and upstream frame submission.
//
// Messages are protobuf well-known types carrying the JSON wire encoding, so
// the service needs no generated code.
package syncrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "spatialsync.v1.ContextSync"

	// SessionIDHeader carries the session handle in the Connect response header.
	SessionIDHeader = "x-session-id"
)

const (
	connectMethod               = "/" + ServiceName + "/Connect"
	submitFrameMethod           = "/" + ServiceName + "/SubmitFrame"
	subscribeMethod             = "/" + ServiceName + "/Subscribe"
	unsubscribeMethod           = "/" + ServiceName + "/Unsubscribe"
	excludeMethod               = "/" + ServiceName + "/Exclude"
	setGeolocationOptionsMethod = "/" + ServiceName + "/SetGeolocationOptions"
)

// ContextSyncServer is the server API for the ContextSync service.
type ContextSyncServer interface {
	// Connect registers a session labelled by the request and streams its
	// frames until the client goes away.
	Connect(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	// SubmitFrame ingests one JSON encoded upstream frame snapshot.
	SubmitFrame(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Subscribe(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Unsubscribe(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Exclude(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetGeolocationOptions(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterContextSyncServer registers srv on s.
func RegisterContextSyncServer(s grpc.ServiceRegistrar, srv ContextSyncServer) {
	s.RegisterService(&contextSyncServiceDesc, srv)
}

var contextSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ContextSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitFrame", Handler: submitFrameHandler},
		{MethodName: "Subscribe", Handler: controlHandler(subscribeMethod, ContextSyncServer.Subscribe)},
		{MethodName: "Unsubscribe", Handler: controlHandler(unsubscribeMethod, ContextSyncServer.Unsubscribe)},
		{MethodName: "Exclude", Handler: controlHandler(excludeMethod, ContextSyncServer.Exclude)},
		{MethodName: "SetGeolocationOptions", Handler: controlHandler(setGeolocationOptionsMethod, ContextSyncServer.SetGeolocationOptions)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Connect", Handler: connectHandler, ServerStreams: true},
	},
	Metadata: "spatialsync/v1/context_sync.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ContextSyncServer).Connect(m, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

func submitFrameHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ContextSyncServer).SubmitFrame(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitFrameMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ContextSyncServer).SubmitFrame(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

type controlCall func(ContextSyncServer, context.Context, *structpb.Struct) (*emptypb.Empty, error)

// controlHandler builds the unary handler shared by the Struct -> Empty control calls.
func controlHandler(method string, call controlCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ContextSyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ContextSyncServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
