package grpcapi

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpc-guardian/memberdir/middleware"
	"github.com/grpc-guardian/memberdir/pkg/directory"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

// Client is a typed client for memberdir.v1.Directory
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Calls are traced and Unavailable results are
// retried with the given retry policy; a nil retry disables retries.
func Dial(ctx context.Context, target string, retry *middleware.Retry, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	if retry != nil {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(retry.UnaryClientInterceptor()))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// SearchMembers returns the members matching filter
func (c *Client) SearchMembers(ctx context.Context, filter string) (*directory.Listing, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, SearchMembersMethod, wrapperspb.String(filter), out); err != nil {
		return nil, err
	}

	var listing struct {
		Results []upstream.Member `json:"results"`
		Info    upstream.Info     `json:"info"`
	}
	if err := FromStruct(out, &listing); err != nil {
		return nil, err
	}
	return &directory.Listing{Results: listing.Results, Info: listing.Info}, nil
}

// GetMember returns the member with the given login uuid
func (c *Client) GetMember(ctx context.Context, id string) (upstream.Member, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetMemberMethod, wrapperspb.String(id), out); err != nil {
		return upstream.Member{}, err
	}

	var m upstream.Member
	if err := FromStruct(out, &m); err != nil {
		return upstream.Member{}, err
	}
	return m, nil
}
