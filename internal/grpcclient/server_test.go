package grpcclient

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/trace"
)

// vadServer is the model-hosting side the client talks to.
type vadServer interface {
	Score(ctx context.Context, samples []float32, rate int) (float32, error)
	Reset(ctx context.Context) error
}

var vadServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*vadServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
		{MethodName: "Reset", Handler: resetHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voicestage/vad/v1/vad.proto",
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		rate := 0
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(SampleRateKey); len(v) > 0 {
				rate, _ = strconv.Atoi(v[0])
			}
		}
		if rate <= 0 {
			return nil, apperrors.New(apperrors.ErrCodeInvalidArgument, "missing sample rate")
		}
		p, err := srv.(vadServer).Score(ctx, decodePCM(req.(*wrapperspb.BytesValue).GetValue()), rate)
		if err != nil {
			return nil, err
		}
		return wrapperspb.Float(p), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}, call)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, _ any) (any, error) {
		if err := srv.(vadServer).Reset(ctx); err != nil {
			return nil, err
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: resetMethod}, call)
}

func decodePCM(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return out
}

// traceRecorder remembers the trace context each call arrived with.
type traceRecorder struct {
	mu  sync.Mutex
	got []trace.Context
}

func (r *traceRecorder) intercept(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	m := map[string]string{}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, k := range []string{trace.TraceIDKey, trace.SpanIDKey, trace.SessionIDKey} {
			if v := md.Get(k); len(v) > 0 {
				m[k] = v[0]
			}
		}
	}
	tc := trace.FromMap(m)
	r.mu.Lock()
	r.got = append(r.got, tc)
	r.mu.Unlock()
	return handler(trace.WithContext(ctx, tc), req)
}

func (r *traceRecorder) calls() []trace.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trace.Context(nil), r.got...)
}
