package rpcx

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// FullMethod builds the "/service/method" string grpc's wire protocol and
// ClientConn.Invoke expect.
func FullMethod(serviceName, method string) string {
	return fmt.Sprintf("/%s/%s", serviceName, method)
}

// Call invokes one RPC over an already-dialed connection using the JSON
// codec, decoding the response into a fresh Resp.
func Call[Req any, Resp any](ctx context.Context, cc *grpc.ClientConn, fullMethod string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := cc.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return resp, nil
}
