package storagenode

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/rpc"

	"github.com/cubefs/dsmeta/master/cluster"
)

// Master is the part of the placement view a storage node talks to.
type Master interface {
	RegisterNode(ctx context.Context, args *cluster.NodeInfo) (*cluster.NodeInfo, error)
	RegisterFs(ctx context.Context, args *cluster.FsInfo) (*cluster.FsInfo, error)
	Heartbeat(ctx context.Context, args *cluster.HeartbeatArgs) error
}

// master http paths served by the master role
const (
	PathNodeRegister  = "/node/register"
	PathFsRegister    = "/fs/register"
	PathNodeHeartbeat = "/node/heartbeat"
)

type MasterClientConfig struct {
	Addr string     `json:"addr"`
	RPC  rpc.Config `json:"rpc"`
}

type masterClient struct {
	addr string
	rpc.Client
}

// NewMasterClient reaches a master in another process over http.
func NewMasterClient(cfg *MasterClientConfig) Master {
	return &masterClient{addr: cfg.Addr, Client: rpc.NewClient(&cfg.RPC)}
}

func (c *masterClient) RegisterNode(ctx context.Context, args *cluster.NodeInfo) (*cluster.NodeInfo, error) {
	ret := &cluster.NodeInfo{}
	if err := c.PostWith(ctx, c.addr+PathNodeRegister, ret, args); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *masterClient) RegisterFs(ctx context.Context, args *cluster.FsInfo) (*cluster.FsInfo, error) {
	ret := &cluster.FsInfo{}
	if err := c.PostWith(ctx, c.addr+PathFsRegister, ret, args); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *masterClient) Heartbeat(ctx context.Context, args *cluster.HeartbeatArgs) error {
	return c.PostWith(ctx, c.addr+PathNodeHeartbeat, nil, args)
}
