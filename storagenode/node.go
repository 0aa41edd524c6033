// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package storagenode hosts replicas on the local file systems of a node
// and serves them over grpc to the master and to peer nodes.
package storagenode

import (
	"context"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/dsmeta/common/codec"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
)

const (
	defaultHeartbeatIntervalS = 10
	replicaLockShards         = 64
)

type Config struct {
	// Addr identifies the node at the master, GrpcAddr is where peers and
	// the master reach its replicas.
	Addr               string           `json:"addr"`
	GrpcAddr           string           `json:"grpc_addr"`
	HeartbeatIntervalS int              `json:"heartbeat_interval_s"`
	Codec              string           `json:"codec"`
	Store              StoreConfig      `json:"store"`
	Fs                 []FsConfig       `json:"fs" validate:"dive"`
	Transport          transport.Config `json:"transport"`

	Master Master               `json:"-"`
	Peers  transport.NodeClient `json:"-"`
}

type Node struct {
	cfg    *Config
	nodeId proto.NodeID
	store  *Store
	codec  *codec.Codec
	peers  transport.NodeClient

	// set by Start, read only afterwards
	fss map[proto.FsID]*fileSystem

	locks [replicaLockShards]sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewNode(ctx context.Context, cfg *Config) (*Node, error) {
	if cfg.HeartbeatIntervalS <= 0 {
		cfg.HeartbeatIntervalS = defaultHeartbeatIntervalS
	}
	typ, err := codec.ParseType(cfg.Codec)
	if err != nil {
		return nil, err
	}
	var c *codec.Codec
	if typ != codec.TypeNone {
		if c, err = codec.New(typ); err != nil {
			return nil, err
		}
	}
	store, err := NewStore(ctx, &cfg.Store)
	if err != nil {
		return nil, errors.Info(err, "open node store", cfg.Store.Path).Detail(err)
	}
	peers := cfg.Peers
	if peers == nil {
		peers = transport.NewClient(cfg.Transport)
	}
	return &Node{
		cfg:   cfg,
		store: store,
		codec: c,
		peers: peers,
		fss:   make(map[proto.FsID]*fileSystem),
		done:  make(chan struct{}),
	}, nil
}

// Start registers the node and its file systems and begins heart beating.
func (n *Node) Start(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	info, err := n.cfg.Master.RegisterNode(ctx, &cluster.NodeInfo{Addr: n.cfg.Addr, GrpcAddr: n.cfg.GrpcAddr})
	if err != nil {
		return errors.Info(err, "register node", n.cfg.Addr).Detail(err)
	}
	n.nodeId = info.Id
	for _, fc := range n.cfg.Fs {
		if err = os.MkdirAll(fc.Path, 0o755); err != nil {
			return err
		}
		fi, err := n.cfg.Master.RegisterFs(ctx, &cluster.FsInfo{
			NodeId:       info.Id,
			Path:         fc.Path,
			Group:        fc.Group,
			Space:        fc.Space,
			ConfigStatus: proto.FsConfigRW,
		})
		if err != nil {
			return errors.Info(err, "register fs", fc.Path).Detail(err)
		}
		n.fss[fi.Fsid] = &fileSystem{fsid: fi.Fsid, cfg: fc, codec: n.codec}
		span.Infof("fs[%d] at %s is group %s of space %s", fi.Fsid, fc.Path, fc.Group, fc.Space)
	}
	if err = n.heartbeat(ctx); err != nil {
		return err
	}

	n.wg.Add(1)
	go n.loop()
	return nil
}

func (n *Node) NodeID() proto.NodeID {
	return n.nodeId
}

func (n *Node) FileSystems() []proto.FsID {
	ret := make([]proto.FsID, 0, len(n.fss))
	for fsid := range n.fss {
		ret = append(ret, fsid)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// ReplicaPath is where the data of fid on fsid lives, empty for an unknown fsid.
func (n *Node) ReplicaPath(fid proto.FileID, fsid proto.FsID) string {
	f, ok := n.fss[fsid]
	if !ok {
		return ""
	}
	return f.replicaPath(fid)
}

func (n *Node) heartbeat(ctx context.Context) error {
	args := &cluster.HeartbeatArgs{NodeID: n.nodeId}
	for _, fsid := range n.FileSystems() {
		st, err := n.statFs(ctx, fsid)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("stat fs[%d] failed: %s", fsid, err)
			continue
		}
		args.Stats = append(args.Stats, *st)
	}
	return n.cfg.Master.Heartbeat(ctx, args)
}

func (n *Node) loop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.cfg.HeartbeatIntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "node-heartbeat")
			if err := n.heartbeat(ctx); err != nil {
				span.Warnf("heartbeat failed: %s", errors.Detail(err))
			}
		case <-n.done:
			return
		}
	}
}

func (n *Node) lockReplica(fid proto.FileID, fsid proto.FsID) func() {
	h := fnv.New32a()
	var b [12]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(fid >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		b[8+i] = byte(fsid >> (8 * i))
	}
	h.Write(b[:])
	l := &n.locks[h.Sum32()%replicaLockShards]
	l.Lock()
	return l.Unlock
}

func (n *Node) Close() {
	close(n.done)
	n.wg.Wait()
	if n.codec != nil {
		n.codec.Close()
	}
	n.store.Close()
}
