package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/pesio-ai/be-records-workflow/internal/service"
)

const certificateRenderMethod = "/records.certificates.v1.CertificateService/Render"

// CertificateGRPCClient renders certificates through the document service.
type CertificateGRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ service.CertificateRenderer = (*CertificateGRPCClient)(nil)

// NewCertificateGRPCClient dials the certificate service and returns a client.
func NewCertificateGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*CertificateGRPCClient, error) {
	conn, err := dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &CertificateGRPCClient{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *CertificateGRPCClient) Close() error {
	return c.conn.Close()
}

// Render asks the document service for the certificate of a request and
// returns the stored artifact reference.
func (c *CertificateGRPCClient) Render(ctx context.Context, requestID, category string) (string, error) {
	resp, err := invoke(ctx, c.conn, c.timeout, certificateRenderMethod, map[string]any{
		"request_id": requestID,
		"category":   category,
	})
	if err != nil {
		return "", mapGRPCError(err, "certificate", requestID)
	}

	ref := stringField(resp, "artifact_ref")
	if ref == "" {
		return "", fmt.Errorf("certificate service returned no artifact for request %s", requestID)
	}
	return ref, nil
}
