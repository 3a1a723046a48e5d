package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
)

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata (actor headers, trace ids) to outgoing
// service-to-service calls.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// dial opens a lazily-connected client conn. Extra options are appended
// after the defaults so tests can swap the transport.
func dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return conn, nil
}

// invoke performs a unary call whose request and reply are structpb
// messages. The collaborators expose JSON-shaped contracts, so no generated
// stubs are needed.
func invoke(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// mapGRPCError converts a collaborator's status into a coded error.
func mapGRPCError(err error, resource, id string) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Downstream(err, resource)
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.NotFound(resource, id)
	case codes.InvalidArgument:
		return errors.InvalidInput(resource, st.Message())
	}
	return errors.Downstream(err, resource)
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}
