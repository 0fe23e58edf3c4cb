package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/opaque/hevec/internal/service"
)

// Client calls a VectorStore service over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Add(ctx context.Context, in *service.AddRequest, opts ...grpc.CallOption) (*service.AddResponse, error) {
	out := new(service.AddResponse)
	if err := c.conn.Invoke(ctx, methodAdd, in, out, c.callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, in *service.SearchRequest, opts ...grpc.CallOption) (*service.SearchResponse, error) {
	out := new(service.SearchResponse)
	if err := c.conn.Invoke(ctx, methodSearch, in, out, c.callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Count(ctx context.Context, opts ...grpc.CallOption) (*service.CountResponse, error) {
	out := new(service.CountResponse)
	if err := c.conn.Invoke(ctx, methodCount, &service.CountRequest{}, out, c.callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
