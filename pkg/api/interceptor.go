package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor builds a gRPC unary interceptor that only allows
// read-only verbs through and rejects every other verb with
// PermissionDenied. NewServer does not install it.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"write operations not allowed on the unix socket, use a TCP connection with mTLS",
			)
		}
		return handler(ctx, req)
	}
}

// isReadOnlyMethod reports whether method names a read-only management
// operation. method may be a full grpc method path or the bare method name
// that pkg/rpcx reports as FullMethod.
func isReadOnlyMethod(method string) bool {
	parts := strings.Split(method, "/")
	methodName := parts[len(parts)-1]

	readOnlyPrefixes := []string{
		"List",
		"Get",
		"Is",
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(methodName, prefix) {
			return true
		}
	}

	return false
}
