package rpcx

import (
	"context"

	"google.golang.org/grpc"
)

// Handler decodes a request of static type Req, processes it, and returns a
// response of static type Resp.
type Handler[Req any, Resp any] func(ctx context.Context, req *Req) (*Resp, error)

// Method builds a grpc.MethodDesc for one RPC, decoding into a fresh Req
// and marshaling whatever Resp the handler returns. The generic parameters
// give each call site compile-time checked request/response types without
// any protoc-generated message type to anchor them to.
func Method[Req any, Resp any](name string, handler Handler[Req, Resp]) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: name,
			}
			wrapped := func(ctx context.Context, reqArg interface{}) (interface{}, error) {
				return handler(ctx, reqArg.(*Req))
			}
			return interceptor(ctx, req, info, wrapped)
		},
	}
}

// NewServiceDesc assembles a grpc.ServiceDesc from a service name, the
// implementation value methods are dispatched against, and a set of
// Method-built MethodDescs. The management surface has no streaming RPCs,
// so Streams is always empty.
func NewServiceDesc(serviceName string, handlerType interface{}, methods ...grpc.MethodDesc) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: handlerType,
		Methods:     methods,
	}
}
