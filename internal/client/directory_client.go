package client

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/pesio-ai/be-records-workflow/internal/service"
)

const directoryGetReviewerMethod = "/records.identity.v1.DirectoryService/GetReviewer"

// DirectoryGRPCClient resolves reviewer identities against the platform
// identity service.
type DirectoryGRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ service.Directory = (*DirectoryGRPCClient)(nil)

// NewDirectoryGRPCClient dials the identity service and returns a client.
func NewDirectoryGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*DirectoryGRPCClient, error) {
	conn, err := dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &DirectoryGRPCClient{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *DirectoryGRPCClient) Close() error {
	return c.conn.Close()
}

// LookupReviewer returns the display identity of a reviewer.
func (c *DirectoryGRPCClient) LookupReviewer(ctx context.Context, reviewerID string) (*service.Reviewer, error) {
	resp, err := invoke(ctx, c.conn, c.timeout, directoryGetReviewerMethod, map[string]any{
		"user_id": reviewerID,
	})
	if err != nil {
		return nil, mapGRPCError(err, "reviewer", reviewerID)
	}

	r := &service.Reviewer{
		ID:    stringField(resp, "id"),
		Name:  stringField(resp, "name"),
		Email: stringField(resp, "email"),
	}
	if r.ID == "" {
		r.ID = reviewerID
	}
	return r, nil
}
