package transport

import (
	"context"
	"math"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

func serverInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	var span trace.Span
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md.Get(proto.ReqIdKey)) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, md.Get(proto.ReqIdKey)[0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}
	resp, err := handler(ctx, req)
	if err != nil {
		span.Warnf("%s failed: %s", info.FullMethod, err)
	}
	return resp, toStatus(ctx, err)
}

// ServerOptions returns the options every storage node grpc server is built with.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(math.MaxInt32),
		grpc.MaxSendMsgSize(math.MaxInt32),
		grpc.ChainUnaryInterceptor(metrics.GRPCMetrics.UnaryServerInterceptor(), serverInterceptorWithTracer),
	}
}
