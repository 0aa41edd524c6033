package transport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

const (
	defaultCallTimeoutMs      = 10000
	defaultConnectTimeoutMs   = 3000
	defaultKeepaliveTimeoutS  = 5
	defaultBackoffBaseDelayMs = 100
	defaultBackoffMaxDelayMs  = 3000
)

// NodeClient calls the storage node serving addr. Every call is bounded by
// the configured call timeout.
type NodeClient interface {
	StatReplica(ctx context.Context, addr string, fid proto.FileID, fsid proto.FsID) (*proto.ReplicaStat, error)
	ListReplicas(ctx context.Context, addr string, args *ListReplicasArgs) (*ListReplicasRet, error)
	ReadReplica(ctx context.Context, addr string, args *ReadReplicaArgs) (*ReadReplicaRet, error)
	WriteReplica(ctx context.Context, addr string, args *WriteReplicaArgs) error
	CopyReplica(ctx context.Context, addr string, args *CopyReplicaArgs) error
	DeleteReplica(ctx context.Context, addr string, fid proto.FileID, fsid proto.FsID) error
	StageRemove(ctx context.Context, addr string, fid proto.FileID, fsid proto.FsID, who proto.Identity) error
	UpdateReplicaMeta(ctx context.Context, addr string, args *UpdateReplicaMetaArgs) error
	StatFs(ctx context.Context, addr string, fsid proto.FsID) (*proto.FsStat, error)
	Close() error
}

type Config struct {
	CallTimeoutMs      int `json:"call_timeout_ms"`
	ConnectTimeoutMs   int `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  int `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs int `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  int `json:"backoff_max_delay_ms"`

	// DialOptions are appended to the generated ones, tests dial in memory.
	DialOptions []grpc.DialOption `json:"-"`
}

type client struct {
	cfg      Config
	dialOpts []grpc.DialOption

	conns  map[string]*grpc.ClientConn
	dialSf singleflight.Group
	lock   sync.RWMutex
}

func NewClient(cfg Config) NodeClient {
	if cfg.CallTimeoutMs <= 0 {
		cfg.CallTimeoutMs = defaultCallTimeoutMs
	}
	if cfg.ConnectTimeoutMs <= 0 {
		cfg.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if cfg.KeepaliveTimeoutS <= 0 {
		cfg.KeepaliveTimeoutS = defaultKeepaliveTimeoutS
	}
	if cfg.BackoffBaseDelayMs <= 0 {
		cfg.BackoffBaseDelayMs = defaultBackoffBaseDelayMs
	}
	if cfg.BackoffMaxDelayMs <= 0 {
		cfg.BackoffMaxDelayMs = defaultBackoffMaxDelayMs
	}
	return &client{
		cfg:      cfg,
		dialOpts: append(generateDialOpts(&cfg), cfg.DialOptions...),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func clientInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())
	return invoker(ctx, method, req, reply, cc, opts...)
}

func generateDialOpts(cfg *Config) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(Codec{}),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		}),
		grpc.WithChainUnaryInterceptor(clientInterceptorWithTracer, metrics.GRPCClientMetrics.UnaryClientInterceptor()),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func (c *client) conn(addr string) (*grpc.ClientConn, error) {
	c.lock.RLock()
	cc, ok := c.conns[addr]
	c.lock.RUnlock()
	if ok {
		return cc, nil
	}

	v, err, _ := c.dialSf.Do(addr, func() (interface{}, error) {
		c.lock.RLock()
		cc, ok := c.conns[addr]
		c.lock.RUnlock()
		if ok {
			return cc, nil
		}
		cc, err := grpc.Dial(addr, c.dialOpts...)
		if err != nil {
			return nil, err
		}
		c.lock.Lock()
		c.conns[addr] = cc
		c.lock.Unlock()
		return cc, nil
	})
	if err != nil {
		return nil, fromStatus(err, nil)
	}
	return v.(*grpc.ClientConn), nil
}

func (c *client) invoke(ctx context.Context, addr, method string, args, reply interface{}) error {
	cc, err := c.conn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.CallTimeoutMs)*time.Millisecond)
	defer cancel()
	var trailer metadata.MD
	err = cc.Invoke(ctx, fullMethod(method), args, reply, grpc.Trailer(&trailer))
	if err != nil {
		span := trace.SpanFromContextSafe(ctx)
		span.Debugf("call %s on %s failed: %s", method, addr, err)
	}
	return fromStatus(err, trailer)
}

func (c *client) StatReplica(ctx context.Context, addr string, fid proto.FileID, fsid proto.FsID) (*proto.ReplicaStat, error) {
	ret := &proto.ReplicaStat{}
	if err := c.invoke(ctx, addr, "StatReplica", &ReplicaArgs{Fid: fid, Fsid: fsid}, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *client) ListReplicas(ctx context.Context, addr string, args *ListReplicasArgs) (*ListReplicasRet, error) {
	ret := &ListReplicasRet{}
	if err := c.invoke(ctx, addr, "ListReplicas", args, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *client) ReadReplica(ctx context.Context, addr string, args *ReadReplicaArgs) (*ReadReplicaRet, error) {
	ret := &ReadReplicaRet{}
	if err := c.invoke(ctx, addr, "ReadReplica", args, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *client) WriteReplica(ctx context.Context, addr string, args *WriteReplicaArgs) error {
	return c.invoke(ctx, addr, "WriteReplica", args, &Empty{})
}

func (c *client) CopyReplica(ctx context.Context, addr string, args *CopyReplicaArgs) error {
	return c.invoke(ctx, addr, "CopyReplica", args, &Empty{})
}

func (c *client) DeleteReplica(ctx context.Context, addr string, fid proto.FileID, fsid proto.FsID) error {
	return c.invoke(ctx, addr, "DeleteReplica", &ReplicaArgs{Fid: fid, Fsid: fsid}, &Empty{})
}

func (c *client) StageRemove(ctx context.Context, addr string, fid proto.FileID, fsid proto.FsID, who proto.Identity) error {
	args := &StageRemoveArgs{Fid: fid, Fsid: fsid, Uid: who.Uid, Gid: who.Gid}
	return c.invoke(ctx, addr, "StageRemove", args, &Empty{})
}

func (c *client) UpdateReplicaMeta(ctx context.Context, addr string, args *UpdateReplicaMetaArgs) error {
	return c.invoke(ctx, addr, "UpdateReplicaMeta", args, &Empty{})
}

func (c *client) StatFs(ctx context.Context, addr string, fsid proto.FsID) (*proto.FsStat, error) {
	ret := &proto.FsStat{}
	if err := c.invoke(ctx, addr, "StatFs", &StatFsArgs{Fsid: fsid}, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	for addr, cc := range c.conns {
		cc.Close()
		delete(c.conns, addr)
	}
	return nil
}
