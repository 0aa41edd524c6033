package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
)

func TestCodec_Messages(t *testing.T) {
	c := Codec{}
	for _, m := range []struct {
		in, out interface{}
	}{
		{&CopyReplicaArgs{Fid: 7, LayoutID: 3, SrcFsid: 1, SrcAddr: "10.0.0.1:9500", DstFsid: 2, MgmSize: 11, MgmChecksum: []byte{1, 2}}, &CopyReplicaArgs{}},
		{&ReadReplicaArgs{Fid: 1 << 40, Fsid: 9, Offset: -1, Size: 4096}, &ReadReplicaArgs{}},
		{&ReadReplicaRet{Data: []byte("abc"), EOF: true}, &ReadReplicaRet{}},
		{&StageRemoveArgs{Fid: 2, Fsid: 5, Uid: 1000, Gid: 100}, &StageRemoveArgs{}},
		{&ListReplicasRet{Replicas: []proto.ReplicaInfo{
			{Fid: 1, Fsid: 2, Size: 3, DiskSize: 3, Checksum: []byte{9}, MTime: 1700000000, LayoutError: 4},
			{Fid: 2, Fsid: 2},
		}, Next: 3}, &ListReplicasRet{}},
		{&proto.ReplicaStat{Status: proto.ReplicaNotFound, Info: proto.ReplicaInfo{Fid: 1, Fsid: 1}}, &proto.ReplicaStat{}},
		{&proto.FsStat{Fsid: 1, Capacity: 100, Used: 40, Files: 2}, &proto.FsStat{}},
	} {
		b, err := c.Marshal(m.in)
		require.NoError(t, err)
		require.NoError(t, c.Unmarshal(b, m.out))
		require.Equal(t, m.in, m.out)
	}

	b, err := c.Marshal(&Empty{})
	require.NoError(t, err)
	require.Empty(t, b)
	require.NoError(t, c.Unmarshal(nil, &Empty{}))
}

func TestCodec_Errors(t *testing.T) {
	c := Codec{}
	_, err := c.Marshal(&struct{ A int }{1})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	require.ErrorIs(t, c.Unmarshal(nil, new(int)), apierrors.ErrInvalidArgument)

	// truncated varint
	require.ErrorIs(t, c.Unmarshal([]byte{0x08, 0xff}, &ReplicaArgs{}), apierrors.ErrCorrupted)
	// bytes where a varint is expected
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("x"))
	require.ErrorIs(t, c.Unmarshal(b, &ReplicaArgs{}), apierrors.ErrCorrupted)
	// fsid wider than 32 bits
	b = protowire.AppendTag(nil, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, 1<<32)
	require.ErrorIs(t, c.Unmarshal(b, &ReplicaArgs{}), apierrors.ErrCorrupted)
}

func TestCodec_UnknownFields(t *testing.T) {
	c := Codec{}
	b, err := c.Marshal(&ReplicaArgs{Fid: 4, Fsid: 2})
	require.NoError(t, err)
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "newer peer")

	args := &ReplicaArgs{}
	require.NoError(t, c.Unmarshal(b, args))
	require.Equal(t, &ReplicaArgs{Fid: 4, Fsid: 2}, args)
}
