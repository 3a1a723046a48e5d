package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

func newGRPCConn(t *testing.T, s *testServer) *grpc.ClientConn {
	t.Helper()

	log := logger.Nop()
	admin := service.NewWorkflowAdminService(s.store, s.engine, []string{"admin"}, log)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryLoggingInterceptor(log)))
	RegisterWorkflowServiceServer(srv, NewGRPCHandler(s.engine, admin, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+WorkflowServiceName+"/"+method, req, out)
	return out, err
}

func withActor(id string, roles string) context.Context {
	md := metadata.Pairs("x-actor-id", id)
	if roles != "" {
		md.Append("x-actor-roles", roles)
	}
	return metadata.NewOutgoingContext(context.Background(), md)
}

func TestGRPC_SubmitActHistory(t *testing.T) {
	s := newTestServer(t)
	s.createRequest(t, "req-1")
	conn := newGRPCConn(t, s)

	out, err := call(t, conn, context.Background(), "SubmitRequest", map[string]interface{}{"request_id": "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "staff_review", out.Fields["status"].GetStringValue())
	list := out.Fields["assignments"].GetListValue().GetValues()
	require.Len(t, list, 1)
	assignmentID := list[0].GetStructValue().Fields["id"].GetStringValue()

	_, err = call(t, conn, withActor("B", ""), "Act", map[string]interface{}{
		"assignment_id": assignmentID,
		"action":        "approve",
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err = call(t, conn, withActor("A", ""), "Act", map[string]interface{}{
		"assignment_id": assignmentID,
		"action":        "return",
		"comment":       "missing ID",
		"signature":     map[string]interface{}{"image": "data:image/png;base64,AA"},
	})
	require.NoError(t, err)
	assert.Equal(t, "returned", out.Fields["new_status"].GetStringValue())

	_, err = call(t, conn, withActor("A", ""), "Act", map[string]interface{}{
		"assignment_id": assignmentID,
		"action":        "approve",
	})
	assert.Equal(t, codes.Aborted, status.Code(err))

	_, err = call(t, conn, withActor("A", ""), "AddNote", map[string]interface{}{"request_id": "req-1", "comment": "asked for ID"})
	require.NoError(t, err)

	out, err = call(t, conn, context.Background(), "GetHistory", map[string]interface{}{"request_id": "req-1"})
	require.NoError(t, err)
	events := out.Fields["events"].GetListValue().GetValues()
	require.Len(t, events, 3)
	assert.Equal(t, "return", events[1].GetStructValue().Fields["action"].GetStringValue())
	assert.NotEmpty(t, events[1].GetStructValue().Fields["signature"].GetStringValue())
}

func TestGRPC_ErrorCodes(t *testing.T) {
	s := newTestServer(t)
	conn := newGRPCConn(t, s)

	_, err := call(t, conn, context.Background(), "SubmitRequest", map[string]interface{}{"request_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = call(t, conn, withActor("A", ""), "Act", map[string]interface{}{"assignment_id": "x", "action": "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call(t, conn, context.Background(), "Act", map[string]interface{}{"assignment_id": "x", "action": "approve"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(t, conn, withActor("A", ""), "AddNote", map[string]interface{}{"request_id": "missing", "comment": ""})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call(t, conn, withActor("A", ""), "Resync", map[string]interface{}{"category": "clearance"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err := call(t, conn, withActor("root", "admin"), "Resync", map[string]interface{}{"category": "clearance"})
	require.NoError(t, err)
	assert.Equal(t, "clearance", out.Fields["category"].GetStringValue())
}
