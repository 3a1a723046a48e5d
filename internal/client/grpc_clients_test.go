package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-records-workflow/internal/platform/errors"
)

type structHandler func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// fakeServer serves structpb unary methods keyed by full method name.
func fakeServer(t *testing.T, handlers map[string]structHandler) grpc.DialOption {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		h, ok := handlers[method]
		if !ok {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := h(stream.Context(), in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestCertificateGRPCClient_Render(t *testing.T) {
	var forwarded []string
	dialer := fakeServer(t, map[string]structHandler{
		certificateRenderMethod: func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			md, _ := metadata.FromIncomingContext(ctx)
			forwarded = md.Get("x-actor-id")
			if stringField(in, "request_id") == "missing" {
				return nil, status.Error(codes.NotFound, "no such request")
			}
			return mustStruct(t, map[string]any{
				"artifact_ref": "certificates/" + stringField(in, "category") + "/" + stringField(in, "request_id") + ".pdf",
			}), nil
		},
	})

	c, err := NewCertificateGRPCClient("passthrough:///bufnet", time.Second, dialer)
	require.NoError(t, err)
	defer c.Close()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-actor-id", "clerk-7"))
	ref, err := c.Render(ctx, "req-1", "clearance")
	require.NoError(t, err)
	assert.Equal(t, "certificates/clearance/req-1.pdf", ref)
	assert.Equal(t, []string{"clerk-7"}, forwarded)

	_, err = c.Render(context.Background(), "missing", "clearance")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestPickupGRPCClient_IssueToken(t *testing.T) {
	expires := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	dialer := fakeServer(t, map[string]structHandler{
		pickupIssueMethod: func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			if stringField(in, "reference_number") == "" {
				return nil, status.Error(codes.Unavailable, "pickup store offline")
			}
			return mustStruct(t, map[string]any{
				"token":      "tok-" + stringField(in, "reference_number"),
				"expires_at": expires.Format(time.RFC3339),
			}), nil
		},
	})

	c, err := NewPickupGRPCClient("passthrough:///bufnet", time.Second, dialer)
	require.NoError(t, err)
	defer c.Close()

	tok, err := c.IssueToken(context.Background(), "req-1", "BC-2026-0001")
	require.NoError(t, err)
	assert.Equal(t, "tok-BC-2026-0001", tok.Token)
	assert.True(t, expires.Equal(tok.ExpiresAt))

	_, err = c.IssueToken(context.Background(), "req-1", "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeDownstream))
}

func TestDirectoryGRPCClient_LookupReviewer(t *testing.T) {
	dialer := fakeServer(t, map[string]structHandler{
		directoryGetReviewerMethod: func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
			if stringField(in, "user_id") != "u1" {
				return nil, status.Error(codes.NotFound, "unknown user")
			}
			return mustStruct(t, map[string]any{"id": "u1", "name": "Ana Cruz", "email": "ana@example.org"}), nil
		},
	})

	c, err := NewDirectoryGRPCClient("passthrough:///bufnet", time.Second, dialer)
	require.NoError(t, err)
	defer c.Close()

	r, err := c.LookupReviewer(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Cruz", r.Name)
	assert.Equal(t, "ana@example.org", r.Email)

	_, err = c.LookupReviewer(context.Background(), "u2")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestCertificateGRPCClient_EmptyReplyIsError(t *testing.T) {
	dialer := fakeServer(t, map[string]structHandler{
		certificateRenderMethod: func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
			return &structpb.Struct{}, nil
		},
	})

	c, err := NewCertificateGRPCClient("passthrough:///bufnet", time.Second, dialer)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Render(context.Background(), "req-1", "clearance")
	assert.Error(t, err)
}
