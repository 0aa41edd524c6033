// Package mastertest wires a namespace and a placement view to in process
// storage nodes for tests of the master services.
package mastertest

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/common/checksum"
	"github.com/cubefs/dsmeta/common/kvstore"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/idgenerator"
	"github.com/cubefs/dsmeta/master/namespace"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/master/store"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode/nodetest"
	"github.com/cubefs/dsmeta/transport"
	"github.com/cubefs/dsmeta/util"
)

var ctx = context.Background()

// ReplicaLayout is a two replica layout with crc32c checksums.
var ReplicaLayout = proto.NewLayout(proto.LayoutReplica, 2, proto.ChecksumCRC32C).Encode()

type Env struct {
	Store   *store.Store
	IDs     idgenerator.IDGenerator
	Cluster cluster.Cluster
	Tree    *namespace.Tree
	Bed     *nodetest.Bed
}

func New(t testing.TB, specs ...nodetest.NodeSpec) *Env {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	st, err := store.NewStore(ctx, &store.Config{Path: dir, KVOption: kvstore.Option{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	ids, err := idgenerator.NewIDGenerator(st, 16)
	require.NoError(t, err)

	c := cluster.NewCluster(ctx, &cluster.Config{Store: st, IDs: ids, LockTimeoutMs: 1000})
	require.NoError(t, c.Load(ctx))
	t.Cleanup(c.Close)
	tree, err := namespace.NewTree(ctx, ids, nil)
	require.NoError(t, err)

	return &Env{Store: st, IDs: ids, Cluster: c, Tree: tree, Bed: nodetest.Start(t, c, specs...)}
}

func (e *Env) Nodes() transport.NodeClient {
	return e.Bed.Client
}

// CreateFile commits data as a file below the root and writes a replica to
// each of fss.
func (e *Env) CreateFile(t testing.TB, name string, layout proto.LayoutID, data []byte, fss ...proto.FsID) *md.FileMD {
	f, err := e.Tree.CreateFile(ctx, proto.RootIdentity(), md.RootID, name, layout, 0o644)
	require.NoError(t, err)
	l, err := proto.DecodeLayout(layout)
	require.NoError(t, err)
	sum, err := checksum.Sum(l.Checksum, data)
	require.NoError(t, err)
	require.NoError(t, e.Tree.CommitFile(ctx, f.ID, uint64(len(data)), sum, util.Now()))
	for _, fsid := range fss {
		e.WriteReplica(t, f.ID, fsid, layout, data)
		require.NoError(t, e.Tree.AddLocation(ctx, f.ID, fsid))
	}
	f, err = e.Tree.GetFile(f.ID)
	require.NoError(t, err)
	return f
}

// WriteReplica puts data on fsid without touching the namespace.
func (e *Env) WriteReplica(t testing.TB, fid proto.FileID, fsid proto.FsID, layout proto.LayoutID, data []byte) {
	require.NoError(t, e.Bed.Client.WriteReplica(ctx, e.Bed.Addr(fsid), &transport.WriteReplicaArgs{
		Fid: fid, Fsid: fsid, LayoutID: layout, Data: data,
	}))
}

// Stat returns the replica of fid on fsid as the node sees it.
func (e *Env) Stat(t testing.TB, fid proto.FileID, fsid proto.FsID) *proto.ReplicaStat {
	st, err := e.Bed.Client.StatReplica(ctx, e.Bed.Addr(fsid), fid, fsid)
	require.NoError(t, err)
	return st
}
