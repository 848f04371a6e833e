package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor injects trace context into outgoing calls.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(injectMetadata(ctx), method, req, reply, cc, opts...)
	}
}

func injectMetadata(ctx context.Context) context.Context {
	ctx, tc := EnsureContext(ctx)
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.New(nil)
	} else {
		md = md.Copy()
	}
	for k, v := range tc.ToMap() {
		md.Set(k, v)
	}
	return metadata.NewOutgoingContext(ctx, md)
}
