// Package grpcapi serves the member directory over gRPC. Messages are protobuf
// well-known types, so no generated code is needed.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/directory"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "memberdir.v1.Directory"

const (
	SearchMembersMethod = "/" + ServiceName + "/SearchMembers"
	GetMemberMethod     = "/" + ServiceName + "/GetMember"
)

// DirectoryServer is the server API for memberdir.v1.Directory
type DirectoryServer interface {
	// SearchMembers takes a filter and returns {results, info, filter}
	SearchMembers(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// GetMember takes a login uuid and returns the member record
	GetMember(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// ServiceDesc describes memberdir.v1.Directory for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DirectoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SearchMembers", Handler: searchMembersHandler},
		{MethodName: "GetMember", Handler: getMemberHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "memberdir/v1/directory.proto",
}

// RegisterDirectoryServer registers srv on s
func RegisterDirectoryServer(s grpc.ServiceRegistrar, srv DirectoryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func searchMembersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServer).SearchMembers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SearchMembersMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DirectoryServer).SearchMembers(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getMemberHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DirectoryServer).GetMember(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetMemberMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DirectoryServer).GetMember(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Directory is the query surface the server needs
type Directory interface {
	Search(ctx context.Context, filter string) (*directory.Listing, error)
	GetByID(ctx context.Context, id string) (upstream.Member, bool, error)
}

// Server implements DirectoryServer on top of a Directory
type Server struct {
	dir    Directory
	logger *zap.Logger
}

// NewServer creates a Server. A nil logger discards output.
func NewServer(dir Directory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{dir: dir, logger: logger}
}

// SearchMembers implements DirectoryServer
func (s *Server) SearchMembers(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	filter := strings.TrimSpace(req.GetValue())

	listing, err := s.dir.Search(ctx, filter)
	if err != nil {
		return nil, s.toStatus(SearchMembersMethod, err)
	}

	return toStruct(map[string]any{
		"results": listing.Results,
		"info":    listing.Info,
		"filter":  filter,
	})
}

// GetMember implements DirectoryServer
func (s *Server) GetMember(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "member id is required")
	}

	member, ok, err := s.dir.GetByID(ctx, id)
	if err != nil {
		return nil, s.toStatus(GetMemberMethod, err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "member %q not found", id)
	}

	return toStruct(member)
}

func (s *Server) toStatus(method string, err error) error {
	code := CodeFor(err)
	s.logger.Warn("directory query failed",
		zap.String("method", method),
		zap.String("code", code.String()),
		zap.Error(err),
	)

	switch code {
	case codes.Canceled:
		return status.Error(code, "request cancelled or timed out")
	case codes.Unavailable:
		return status.Error(code, "member source unavailable")
	}
	return status.Error(code, "internal error")
}

// CodeFor returns the gRPC code for a directory error
func CodeFor(err error) codes.Code {
	switch {
	case errors.Is(err, cache.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return codes.Canceled
	case errors.Is(err, upstream.ErrUnreachable),
		errors.Is(err, upstream.ErrInvalidResponse),
		errors.Is(err, cache.ErrClosed):
		return codes.Unavailable
	}
	return codes.Internal
}

// toStruct converts v through its JSON form so the wire shape matches the
// HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// FromStruct decodes a response Struct into v
func FromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	return json.Unmarshal(b, v)
}
