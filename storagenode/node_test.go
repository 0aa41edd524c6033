package storagenode_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/common/checksum"
	"github.com/cubefs/dsmeta/common/kvstore"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/idgenerator"
	"github.com/cubefs/dsmeta/master/store"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode/nodetest"
	"github.com/cubefs/dsmeta/transport"
	"github.com/cubefs/dsmeta/util"
)

var (
	ctx    = context.Background()
	layout = proto.NewLayout(proto.LayoutReplica, 2, proto.ChecksumCRC32C).Encode()
)

func newCluster(t *testing.T) cluster.Cluster {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	st, err := store.NewStore(ctx, &store.Config{Path: dir, KVOption: kvstore.Option{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	ids, err := idgenerator.NewIDGenerator(st, 4)
	require.NoError(t, err)
	c := cluster.NewCluster(ctx, &cluster.Config{Store: st, IDs: ids})
	require.NoError(t, c.Load(ctx))
	t.Cleanup(c.Close)
	return c
}

func TestNode_Register(t *testing.T) {
	c := newCluster(t)
	bed := nodetest.Start(t, c,
		nodetest.NodeSpec{Space: "default", Group: "default.0", Fs: 2},
		nodetest.NodeSpec{Space: "default", Group: "default.0", Fs: 2})

	fss, err := c.ListFs(ctx, "default.0")
	require.NoError(t, err)
	require.Len(t, fss, 4)
	for _, f := range fss {
		require.True(t, f.Booted)
		require.NotZero(t, f.Stat.Capacity)
		n, err := c.NodeForFs(ctx, f.Fsid)
		require.NoError(t, err)
		require.Equal(t, bed.Addr(f.Fsid), n.GrpcAddr)
	}
}

func TestNode_WriteStatRead(t *testing.T) {
	bed := nodetest.Start(t, newCluster(t), nodetest.NodeSpec{Space: "default", Group: "g", Fs: 1, Codec: "zstd"})
	fsid := bed.Fs()[0]
	addr := bed.Addr(fsid)
	data := bytes.Repeat([]byte("replica"), 1000)
	sum, err := checksum.Sum(proto.ChecksumCRC32C, data)
	require.NoError(t, err)

	err = bed.Client.WriteReplica(ctx, addr, &transport.WriteReplicaArgs{Fid: 1, Fsid: fsid, LayoutID: layout, Data: data, Checksum: []byte{1, 2, 3, 4}})
	require.ErrorIs(t, err, apierrors.ErrCorrupted)
	require.NoError(t, bed.Client.WriteReplica(ctx, addr, &transport.WriteReplicaArgs{Fid: 1, Fsid: fsid, LayoutID: layout, Data: data, Checksum: sum}))

	st, err := bed.Client.StatReplica(ctx, addr, 1, fsid)
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaOK, st.Status)
	require.Equal(t, uint64(len(data)), st.Info.DiskSize)
	require.Equal(t, sum, st.Info.DiskChecksum)
	require.True(t, st.Info.Consistent())
	require.Equal(t, proto.LayoutErrNone, st.Info.LayoutError)

	st, err = bed.Client.StatReplica(ctx, addr, 2, fsid)
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaNotFound, st.Status)

	ret, err := bed.Client.ReadReplica(ctx, addr, &transport.ReadReplicaArgs{Fid: 1, Fsid: fsid, Offset: 7, Size: 7})
	require.NoError(t, err)
	require.Equal(t, []byte("replica"), ret.Data)
	require.False(t, ret.EOF)
	ret, err = bed.Client.ReadReplica(ctx, addr, &transport.ReadReplicaArgs{Fid: 1, Fsid: fsid, Offset: int64(len(data)) - 3})
	require.NoError(t, err)
	require.Equal(t, []byte("ica"), ret.Data)
	require.True(t, ret.EOF)

	_, err = bed.Client.ReadReplica(ctx, addr, &transport.ReadReplicaArgs{Fid: 2, Fsid: fsid})
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	_, err = bed.Client.StatReplica(ctx, addr, 1, fsid+100)
	require.ErrorIs(t, err, apierrors.ErrFsNotExist)
}

func TestNode_ListAndStatFs(t *testing.T) {
	bed := nodetest.Start(t, newCluster(t), nodetest.NodeSpec{Space: "default", Group: "g", Fs: 1})
	fsid := bed.Fs()[0]
	addr := bed.Addr(fsid)
	for fid := proto.FileID(1); fid <= 25; fid++ {
		require.NoError(t, bed.Client.WriteReplica(ctx, addr, &transport.WriteReplicaArgs{Fid: fid, Fsid: fsid, LayoutID: layout, Data: []byte{byte(fid)}}))
	}

	var all []proto.ReplicaInfo
	marker := proto.FileID(0)
	for {
		ret, err := bed.Client.ListReplicas(ctx, addr, &transport.ListReplicasArgs{Fsid: fsid, Marker: marker, Count: 10})
		require.NoError(t, err)
		all = append(all, ret.Replicas...)
		if ret.Next == 0 {
			break
		}
		marker = ret.Next
	}
	require.Len(t, all, 25)
	for i, r := range all {
		require.Equal(t, proto.FileID(i+1), r.Fid)
	}

	st, err := bed.Client.StatFs(ctx, addr, fsid)
	require.NoError(t, err)
	require.Equal(t, uint64(25), st.Files)
	require.NotZero(t, st.Capacity)
}

func TestNode_CopyReplica(t *testing.T) {
	bed := nodetest.Start(t, newCluster(t),
		nodetest.NodeSpec{Space: "default", Group: "g", Fs: 1},
		nodetest.NodeSpec{Space: "default", Group: "g", Fs: 1, Codec: "lz4"})
	src, dst := bed.Fs()[0], bed.Fs()[1]
	data := bytes.Repeat([]byte{0xab}, 3<<20)
	sum, err := checksum.Sum(proto.ChecksumCRC32C, data)
	require.NoError(t, err)
	require.NoError(t, bed.Client.WriteReplica(ctx, bed.Addr(src), &transport.WriteReplicaArgs{Fid: 9, Fsid: src, LayoutID: layout, Data: data}))

	args := &transport.CopyReplicaArgs{
		Fid: 9, LayoutID: layout, SrcFsid: src, SrcAddr: bed.Addr(src), DstFsid: dst,
		MgmSize: uint64(len(data)), MgmChecksum: []byte{0, 0, 0, 0},
	}
	require.ErrorIs(t, bed.Client.CopyReplica(ctx, bed.Addr(dst), args), apierrors.ErrCorrupted)
	st, err := bed.Client.StatReplica(ctx, bed.Addr(dst), 9, dst)
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaNotFound, st.Status)

	args.MgmChecksum = sum
	require.NoError(t, bed.Client.CopyReplica(ctx, bed.Addr(dst), args))
	st, err = bed.Client.StatReplica(ctx, bed.Addr(dst), 9, dst)
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaOK, st.Status)
	require.Equal(t, uint64(len(data)), st.Info.DiskSize)
	require.Equal(t, sum, st.Info.DiskChecksum)
	require.Equal(t, sum, st.Info.MgmChecksum)

	args.SrcFsid = dst
	args.SrcAddr = "node-9"
	require.ErrorIs(t, bed.Client.CopyReplica(ctx, bed.Addr(dst), args), apierrors.ErrNoContact)
}

func TestNode_DeleteAndStageRemove(t *testing.T) {
	bed := nodetest.Start(t, newCluster(t), nodetest.NodeSpec{Space: "default", Group: "g", Fs: 1})
	fsid := bed.Fs()[0]
	addr := bed.Addr(fsid)
	require.NoError(t, bed.Client.WriteReplica(ctx, addr, &transport.WriteReplicaArgs{Fid: 1, Fsid: fsid, LayoutID: layout, Data: []byte("a")}))
	require.NoError(t, bed.Client.WriteReplica(ctx, addr, &transport.WriteReplicaArgs{Fid: 2, Fsid: fsid, LayoutID: layout, Data: []byte("b")}))

	require.NoError(t, bed.Client.UpdateReplicaMeta(ctx, addr, &transport.UpdateReplicaMetaArgs{Fid: 1, Fsid: fsid, MgmSize: 1}))
	require.ErrorIs(t, bed.Client.UpdateReplicaMeta(ctx, addr, &transport.UpdateReplicaMetaArgs{Fid: 3, Fsid: fsid}), apierrors.ErrNotFound)

	require.NoError(t, bed.Client.DeleteReplica(ctx, addr, 1, fsid))
	require.NoError(t, bed.Client.DeleteReplica(ctx, addr, 1, fsid))
	st, err := bed.Client.StatReplica(ctx, addr, 1, fsid)
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaNotFound, st.Status)

	user := proto.Identity{Uid: 1000, Gid: 1000, Name: "user"}
	require.ErrorIs(t, bed.Client.StageRemove(ctx, addr, 2, fsid, user), apierrors.ErrPermission)
	st, err = bed.Client.StatReplica(ctx, addr, 2, fsid)
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaOK, st.Status)

	root := proto.RootIdentity()
	require.NoError(t, bed.Client.StageRemove(ctx, addr, 2, fsid, root))
	require.ErrorIs(t, bed.Client.StageRemove(ctx, addr, 2, fsid, root), apierrors.ErrNotFound)
	_, err = bed.Client.ReadReplica(ctx, addr, &transport.ReadReplicaArgs{Fid: 2, Fsid: fsid})
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}
