package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/pesio-ai/be-records-workflow/internal/service"
)

const pickupIssueMethod = "/records.pickup.v1.PickupService/IssueToken"

// PickupGRPCClient issues pickup tokens.
type PickupGRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ service.PickupIssuer = (*PickupGRPCClient)(nil)

// NewPickupGRPCClient dials the pickup service and returns a client.
func NewPickupGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*PickupGRPCClient, error) {
	conn, err := dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &PickupGRPCClient{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *PickupGRPCClient) Close() error {
	return c.conn.Close()
}

// IssueToken issues a single-use pickup token. expires_at is RFC 3339.
func (c *PickupGRPCClient) IssueToken(ctx context.Context, requestID, referenceNumber string) (*service.PickupToken, error) {
	resp, err := invoke(ctx, c.conn, c.timeout, pickupIssueMethod, map[string]any{
		"request_id":       requestID,
		"reference_number": referenceNumber,
	})
	if err != nil {
		return nil, mapGRPCError(err, "pickup token", requestID)
	}

	token := stringField(resp, "token")
	if token == "" {
		return nil, fmt.Errorf("pickup service returned no token for request %s", requestID)
	}
	expires, err := time.Parse(time.RFC3339, stringField(resp, "expires_at"))
	if err != nil {
		return nil, fmt.Errorf("invalid pickup token expiry: %w", err)
	}
	return &service.PickupToken{Token: token, ExpiresAt: expires.UTC()}, nil
}
