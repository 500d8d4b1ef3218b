package rpc

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a remote NERService.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to addr without transport security. Extra options are
// appended after the defaults, which is how tests pass a bufconn dialer.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NER service at %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Conn exposes the connection, e.g. for a health client.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// ExtractEntities extracts the entities of one text.
func (c *Client) ExtractEntities(ctx context.Context, text string, opts ...grpc.CallOption) (*ExtractResponse, error) {
	out := new(ExtractResponse)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/ExtractEntities", &ExtractRequest{Text: text}, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchExtractEntities extracts the entities of several texts.
func (c *Client) BatchExtractEntities(ctx context.Context, texts []string, language string, batchSize int32, opts ...grpc.CallOption) (*BatchResponse, error) {
	req := &BatchRequest{
		Requests:  make([]ExtractRequest, len(texts)),
		BatchSize: batchSize,
	}
	for i, text := range texts {
		req.Requests[i] = ExtractRequest{Text: text, Language: language}
	}

	out := new(BatchResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/BatchExtractEntities", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
