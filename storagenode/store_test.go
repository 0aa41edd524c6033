package storagenode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/common/codec"
	"github.com/cubefs/dsmeta/common/kvstore"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
	"github.com/cubefs/dsmeta/util"
)

func newTestNode(t *testing.T, fsids ...proto.FsID) *Node {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := NewStore(ctx, &StoreConfig{Path: dir, KVOption: kvstore.Option{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	c, err := codec.New(codec.TypeZstd)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	n := &Node{store: st, fss: make(map[proto.FsID]*fileSystem), done: make(chan struct{})}
	for _, fsid := range fsids {
		p := filepath.Join(dir, "data", string(rune('a'+fsid)))
		require.NoError(t, os.MkdirAll(p, 0o755))
		n.fss[fsid] = &fileSystem{fsid: fsid, cfg: FsConfig{Path: p}, codec: c}
	}
	return n
}

func TestStore_ListAcrossFs(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	for _, fsid := range []proto.FsID{1, 2} {
		for fid := proto.FileID(1); fid <= 5; fid++ {
			require.NoError(t, n.store.Put(ctx, &fmd{Info: proto.ReplicaInfo{Fid: fid, Fsid: fsid, Size: uint64(fid)}}))
		}
	}

	ret, next, err := n.store.List(ctx, 1, 0, 3)
	require.NoError(t, err)
	require.Len(t, ret, 3)
	require.Equal(t, proto.FileID(3), next)
	ret, next, err = n.store.List(ctx, 1, next, 3)
	require.NoError(t, err)
	require.Len(t, ret, 2)
	require.Zero(t, next)
	for _, m := range ret {
		require.Equal(t, proto.FsID(1), m.Info.Fsid)
	}

	cnt, err := n.store.Count(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(5), cnt)

	m, err := n.store.Get(ctx, 2, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), m.Info.Size)
	_, err = n.store.Get(ctx, 3, 4)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestNode_StatDetectsDiskDamage(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, 1)
	lid := proto.NewLayout(proto.LayoutReplica, 2, proto.ChecksumAdler).Encode()
	_, err := n.WriteReplica(ctx, &transport.WriteReplicaArgs{Fid: 7, Fsid: 1, LayoutID: lid, Data: []byte("hello")})
	require.NoError(t, err)

	// rewrite the data behind the node's back
	require.NoError(t, n.fss[1].write(7, []byte("hello world")))
	st, err := n.StatReplica(ctx, &transport.ReplicaArgs{Fid: 7, Fsid: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(5), st.Info.Size)
	require.Equal(t, uint64(11), st.Info.DiskSize)
	require.NotZero(t, st.Info.LayoutError&proto.LayoutErrChecksum)
	require.False(t, st.Info.Consistent())

	require.NoError(t, os.Remove(n.fss[1].replicaPath(7)))
	st, err = n.StatReplica(ctx, &transport.ReplicaArgs{Fid: 7, Fsid: 1})
	require.NoError(t, err)
	require.Equal(t, proto.ReplicaOK, st.Status)
	require.NotZero(t, st.Info.LayoutError&proto.LayoutErrMissing)
	require.Zero(t, st.Info.DiskSize)

	m, err := n.store.Get(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, st.Info.LayoutError, m.Info.LayoutError)
}

func TestFileSystem_Remove(t *testing.T) {
	n := newTestNode(t, 1)
	f := n.fss[1]
	require.NoError(t, f.remove(1))
	require.NoError(t, f.write(1, []byte("x")))
	data, err := f.read(1)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), data)
	require.NoError(t, f.remove(1))
	_, err = f.read(1)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}
