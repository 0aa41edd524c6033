package md

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

func testFile() *FileMD {
	return &FileMD{
		ID:          42,
		ContainerID: 7,
		Name:        "data.bin",
		Size:        1 << 33,
		CTime:       util.Timespec{Sec: 1700000000, Nsec: 1},
		MTime:       util.Timespec{Sec: 1700000100, Nsec: 999999999},
		Uid:         17,
		Gid:         12,
		LayoutID:    proto.NewLayout(proto.LayoutReplica, 3, proto.ChecksumAdler).Encode(),
		Checksum:    []byte{1, 2, 3, 4},
		Locations:   []proto.FsID{3, 1, 2},
		Unlinked:    []proto.FsID{9},
		Flags:       0o644,
		Xattrs:      map[string]string{proto.XattrArchiveFileID: "tape-1", "user.a": ""},
	}
}

func TestFileMD_RoundTrip(t *testing.T) {
	maxLocs := make([]proto.FsID, 256)
	for i := range maxLocs {
		maxLocs[i] = proto.FsID(i + 1)
	}
	cases := []*FileMD{
		testFile(),
		{ID: 1},
		{ID: 2, Name: "", Checksum: nil, Locations: nil},
		{ID: 3, Name: "x", LayoutID: proto.NewLayout(proto.LayoutReplica, 256, proto.ChecksumBlake3).Encode(), Locations: maxLocs},
		{ID: ^uint64(0), CTime: util.Timespec{Sec: -5, Nsec: 3}},
	}
	for _, f := range cases {
		var got FileMD
		require.NoError(t, got.Deserialize(f.Serialize()))
		require.Equal(t, *f, got)
		require.Equal(t, f.Serialize(), got.Serialize())
	}
}

func TestFileMD_DeserializeKeepsReceiver(t *testing.T) {
	f := testFile()
	buf := f.Serialize()
	orig := f.Clone()

	for _, bad := range [][]byte{
		buf[:len(buf)-3],
		{0xff},
		(&FileMD{ID: 5, Locations: []proto.FsID{1, 1}}).Serialize(),
		(&FileMD{ID: 5, LayoutID: 0xf}).Serialize(),
		(&FileMD{Name: "no id"}).Serialize(),
	} {
		err := f.Deserialize(bad)
		require.ErrorIs(t, err, apierrors.ErrCorrupted)
		require.Equal(t, orig, f)
	}
}

func TestFileMD_UnknownFieldsSkipped(t *testing.T) {
	f := testFile()
	buf := f.Serialize()
	buf = protowire.AppendTag(buf, 100, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future"))
	buf = protowire.AppendTag(buf, 101, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 7)

	var got FileMD
	require.NoError(t, got.Deserialize(buf))
	require.Equal(t, *f, got)
}

func TestFileMD_Locations(t *testing.T) {
	f := &FileMD{ID: 1}
	require.NoError(t, f.AddLocation(1))
	require.NoError(t, f.AddLocation(2))
	require.NoError(t, f.AddLocation(3))
	require.ErrorIs(t, f.AddLocation(2), apierrors.ErrExist)

	old, err := f.ReplaceLocation(1, 5)
	require.NoError(t, err)
	require.Equal(t, proto.FsID(2), old)
	require.Equal(t, []proto.FsID{1, 5, 3}, f.Locations)
	_, err = f.ReplaceLocation(0, 3)
	require.ErrorIs(t, err, apierrors.ErrExist)
	_, err = f.ReplaceLocation(3, 7)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	require.NoError(t, f.UnlinkLocation(5))
	require.Equal(t, []proto.FsID{1, 3}, f.Locations)
	require.Equal(t, []proto.FsID{5}, f.Unlinked)
	require.ErrorIs(t, f.AddLocation(5), apierrors.ErrBusy)
	require.ErrorIs(t, f.UnlinkLocation(5), apierrors.ErrNotFound)

	require.NoError(t, f.RemoveLocation(5))
	require.Empty(t, f.Unlinked)
	require.NoError(t, f.RemoveLocation(3))
	require.ErrorIs(t, f.RemoveLocation(3), apierrors.ErrNotFound)

	require.Equal(t, []proto.FsID{1}, f.UnlinkAllLocations())
	require.Empty(t, f.Locations)
	require.Equal(t, []proto.FsID{1}, f.Unlinked)

	c := f.Clone()
	c.Unlinked[0] = 100
	require.Equal(t, proto.FsID(1), f.Unlinked[0])
}

func TestContainerMD_RoundTrip(t *testing.T) {
	c := &ContainerMD{
		ID:       10,
		ParentID: RootID,
		Name:     "dir",
		Uid:      17,
		Gid:      17,
		Mode:     0o40750,
		MTime:    util.Timespec{Sec: 10, Nsec: 20},
		TMTime:   util.Timespec{Sec: 11},
		TreeSize: 4096,
		Xattrs:   map[string]string{proto.XattrMTimePropagation: "1"},
	}
	var got ContainerMD
	require.NoError(t, got.Deserialize(c.Serialize()))
	require.Equal(t, *c, got)

	root := &ContainerMD{ID: RootID, ParentID: RootID}
	require.NoError(t, got.Deserialize(root.Serialize()))
	require.True(t, got.IsRoot())

	before := got
	require.ErrorIs(t, got.Deserialize((&ContainerMD{ID: 5}).Serialize()), apierrors.ErrCorrupted)
	require.Equal(t, before, got)

	got.SetXattr("a", "b")
	got.RemoveXattr("a")
	require.Nil(t, got.Xattrs)
}
