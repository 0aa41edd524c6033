package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/cubefs/dsmeta/proto"
)

const serviceName = "dsmeta.StorageNode"

// NodeServer is implemented by the storage node.
type NodeServer interface {
	StatReplica(ctx context.Context, args *ReplicaArgs) (*proto.ReplicaStat, error)
	ListReplicas(ctx context.Context, args *ListReplicasArgs) (*ListReplicasRet, error)
	ReadReplica(ctx context.Context, args *ReadReplicaArgs) (*ReadReplicaRet, error)
	WriteReplica(ctx context.Context, args *WriteReplicaArgs) (*Empty, error)
	CopyReplica(ctx context.Context, args *CopyReplicaArgs) (*Empty, error)
	DeleteReplica(ctx context.Context, args *ReplicaArgs) (*Empty, error)
	StageRemove(ctx context.Context, args *StageRemoveArgs) (*Empty, error)
	UpdateReplicaMeta(ctx context.Context, args *UpdateReplicaMetaArgs) (*Empty, error)
	StatFs(ctx context.Context, args *StatFsArgs) (*proto.FsStat, error)
}

func unary[Req, Resp any](name string, call func(NodeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(NodeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(NodeServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StatReplica", NodeServer.StatReplica),
		unary("ListReplicas", NodeServer.ListReplicas),
		unary("ReadReplica", NodeServer.ReadReplica),
		unary("WriteReplica", NodeServer.WriteReplica),
		unary("CopyReplica", NodeServer.CopyReplica),
		unary("DeleteReplica", NodeServer.DeleteReplica),
		unary("StageRemove", NodeServer.StageRemove),
		unary("UpdateReplicaMeta", NodeServer.UpdateReplicaMeta),
		unary("StatFs", NodeServer.StatFs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport/service.go",
}

func RegisterNodeServer(s *grpc.Server, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}
