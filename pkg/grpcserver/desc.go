package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/opaque/hevec/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hevec.v1.VectorStore"

const (
	methodAdd    = "/" + ServiceName + "/Add"
	methodSearch = "/" + ServiceName + "/Search"
	methodCount  = "/" + ServiceName + "/Count"
)

// VectorStoreServer is the server API for the VectorStore service.
type VectorStoreServer interface {
	Add(context.Context, *service.AddRequest) (*service.AddResponse, error)
	Search(context.Context, *service.SearchRequest) (*service.SearchResponse, error)
	Count(context.Context, *service.CountRequest) (*service.CountResponse, error)
}

// ServiceDesc describes the VectorStore service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VectorStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Add", Handler: addHandler},
		{MethodName: "Search", Handler: searchHandler},
		{MethodName: "Count", Handler: countHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func addHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(service.AddRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VectorStoreServer).Add(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAdd}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VectorStoreServer).Add(ctx, req.(*service.AddRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func searchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(service.SearchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VectorStoreServer).Search(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSearch}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VectorStoreServer).Search(ctx, req.(*service.SearchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func countHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(service.CountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VectorStoreServer).Count(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCount}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VectorStoreServer).Count(ctx, req.(*service.CountRequest))
	}
	return interceptor(ctx, in, info, handler)
}
