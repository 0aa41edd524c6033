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

package namespace

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

type memIDs struct {
	mu  sync.Mutex
	cur map[string]uint64
}

func newMemIDs() *memIDs {
	return &memIDs{cur: make(map[string]uint64)}
}

func (m *memIDs) Next(ctx context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur[name]++
	return m.cur[name], nil
}

func (m *memIDs) Reserve(ctx context.Context, name string, min uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur[name] < min {
		m.cur[name] = min
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ctx context.Context, ev *Event) error {
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

var (
	root       = proto.RootIdentity()
	replica2   = proto.NewLayout(proto.LayoutReplica, 2, proto.ChecksumAdler).Encode()
	testUser   = proto.Identity{Uid: 17, Gid: 17}
	otherUser  = proto.Identity{Uid: 12, Gid: 12}
	background = context.Background()
)

func newTestTree(t *testing.T) *Tree {
	tree, err := NewTree(background, newMemIDs(), nil)
	require.NoError(t, err)
	return tree
}

func TestAccess(t *testing.T) {
	const rwx = AccessR | AccessW | AccessX
	c := &md.ContainerMD{ID: 2, ParentID: md.RootID, Mode: 0o750, Uid: 17, Gid: 17}

	require.True(t, Access(c, 0, 99, rwx))
	require.True(t, Access(c, 17, 12, rwx))
	require.True(t, Access(c, 12, 17, AccessR))
	require.False(t, Access(c, 12, 17, AccessW))
	require.False(t, Access(c, 12, 12, AccessR))

	// the owner class decides even if group or other would grant
	c.Mode = 0o077
	require.False(t, Access(c, 17, 17, AccessR))
	require.True(t, Access(c, 12, 17, rwx))

	// the daemon may read anything but nothing more
	c.Mode = 0
	require.True(t, Access(c, proto.DaemonUid, proto.DaemonGid, AccessR))
	require.False(t, Access(c, proto.DaemonUid, proto.DaemonGid, AccessR|AccessW))

	f := &md.FileMD{ID: 1, Flags: 0o640, Uid: 17, Gid: 17}
	require.True(t, FileAccess(f, 12, 17, AccessR))
	require.False(t, FileAccess(f, 12, 17, AccessW))
}

func TestTree_Containers(t *testing.T) {
	tree := newTestTree(t)

	a, err := tree.CreateContainer(background, root, md.RootID, "a", 0o755)
	require.NoError(t, err)
	b, err := tree.CreateContainer(background, root, a.ID, "b", 0o750)
	require.NoError(t, err)
	_, err = tree.CreateContainer(background, root, a.ID, "b", 0o750)
	require.ErrorIs(t, err, apierrors.ErrExist)
	_, err = tree.CreateContainer(background, root, a.ID, "x/y", 0o750)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = tree.CreateContainer(background, root, 999, "c", 0o750)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	got, err := tree.FindContainer("/a/b")
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)
	require.Equal(t, a.ID, got.ParentID)
	_, err = tree.FindContainer("/a/nope")
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	// not allowed to write in a root owned container
	_, err = tree.CreateContainer(background, testUser, a.ID, "mine", 0o755)
	require.ErrorIs(t, err, apierrors.ErrAccess)

	_, err = tree.CreateFile(background, root, b.ID, "f", replica2, 0o644)
	require.NoError(t, err)
	require.ErrorIs(t, tree.RemoveContainer(background, root, a.ID, "b"), apierrors.ErrNotEmpty)
	require.NoError(t, tree.RemoveFile(background, root, b.ID, "f"))
	require.NoError(t, tree.RemoveContainer(background, root, a.ID, "b"))
	require.ErrorIs(t, tree.RemoveContainer(background, root, a.ID, "b"), apierrors.ErrNotFound)

	entries, err := tree.ListContainer(a.ID)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, 2, tree.Stat().Containers)
}

func TestTree_Files(t *testing.T) {
	tree := newTestTree(t)
	dir, err := tree.CreateContainer(background, root, md.RootID, "data", 0o777)
	require.NoError(t, err)

	f, err := tree.CreateFile(background, testUser, dir.ID, "f1", replica2, 0o640)
	require.NoError(t, err)
	require.Equal(t, uint32(17), f.Uid)
	_, err = tree.CreateFile(background, testUser, dir.ID, "f1", replica2, 0o640)
	require.ErrorIs(t, err, apierrors.ErrExist)
	_, err = tree.CreateFile(background, testUser, dir.ID, "bad", 0xf, 0o640)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	g := &md.FileMD{Name: "f0", LayoutID: replica2}
	require.NoError(t, tree.AddFile(background, dir.ID, g))
	require.NotZero(t, g.ID)

	entries, err := tree.ListContainer(dir.ID)
	require.NoError(t, err)
	require.Equal(t, []Entry{{Name: "f0", ID: g.ID}, {Name: "f1", ID: f.ID}}, entries)

	got, err := tree.FindFile("/data/f1")
	require.NoError(t, err)
	require.Equal(t, f.ID, got.ID)
	_, err = tree.FindFile("/data")
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	mtime := util.Timespec{Sec: 1800000000, Nsec: 5}
	require.NoError(t, tree.CommitFile(background, f.ID, 4096, []byte{1, 2, 3, 4}, mtime))
	require.ErrorIs(t, tree.CommitFile(background, f.ID, 4096, []byte{1, 2}, mtime), apierrors.ErrInvalidArgument)
	got, err = tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(4096), got.Size)
	require.Equal(t, mtime, got.MTime)

	// returned records are copies
	got.Size = 1
	got, _ = tree.GetFile(f.ID)
	require.Equal(t, uint64(4096), got.Size)

	err = tree.UpdateFile(background, f.ID, func(f *md.FileMD) error {
		f.Locations = append(f.Locations, 3)
		return nil
	})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	errBoom := errors.New("boom")
	require.ErrorIs(t, tree.UpdateFile(background, f.ID, func(*md.FileMD) error { return errBoom }), errBoom)

	other, err := tree.CreateContainer(background, root, md.RootID, "other", 0o777)
	require.NoError(t, err)
	require.NoError(t, tree.RenameFile(background, testUser, f.ID, other.ID, "moved"))
	_, err = tree.FindFile("/data/f1")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	path, err := tree.Path(f.ID)
	require.NoError(t, err)
	require.Equal(t, "/other/moved", path)
	require.ErrorIs(t, tree.RenameFile(background, testUser, g.ID, other.ID, "moved"), apierrors.ErrExist)
}

func TestTree_LocationEvents(t *testing.T) {
	tree := newTestTree(t)
	rec := &recorder{}
	tree.Subscribe("recorder", LocationEvents|FileEvents, rec)

	f, err := tree.CreateFile(background, root, md.RootID, "f", replica2, 0o644)
	require.NoError(t, err)
	require.NoError(t, tree.AddLocation(background, f.ID, 1))
	require.NoError(t, tree.AddLocation(background, f.ID, 2))
	require.ErrorIs(t, tree.AddLocation(background, f.ID, 2), apierrors.ErrExist)
	old, err := tree.ReplaceLocation(background, f.ID, 0, 3)
	require.NoError(t, err)
	require.Equal(t, proto.FsID(1), old)
	require.NoError(t, tree.UnlinkLocation(background, f.ID, 3))
	require.NoError(t, tree.RemoveLocation(background, f.ID, 3))

	require.Equal(t, []EventKind{FileCreated, LocationAdded, LocationAdded, LocationReplaced, LocationUnlinked, LocationRemoved}, rec.kinds())
	ev := rec.events[3]
	require.Equal(t, 0, ev.Index)
	require.Equal(t, proto.FsID(1), ev.OldFsid)
	require.Equal(t, proto.FsID(3), ev.Fsid)
	require.True(t, rec.events[5].Unlinked)

	got, err := tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, []proto.FsID{2}, got.Locations)
	require.Empty(t, got.Unlinked)
}

func TestTree_SoftDelete(t *testing.T) {
	tree := newTestTree(t)
	rec := &recorder{}
	tree.Subscribe("recorder", LocationEvents|FileEvents, rec)

	f, err := tree.CreateFile(background, root, md.RootID, "f", replica2, 0o644)
	require.NoError(t, err)
	require.NoError(t, tree.AddLocation(background, f.ID, 1))
	require.NoError(t, tree.AddLocation(background, f.ID, 2))
	rec.reset()

	require.NoError(t, tree.RemoveFile(background, root, md.RootID, "f"))
	require.Equal(t, []EventKind{LocationUnlinked, LocationUnlinked, FileRemoved}, rec.kinds())
	_, err = tree.FindFile("/f")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	got, err := tree.GetFile(f.ID)
	require.NoError(t, err)
	require.True(t, got.IsUnlinked())
	require.Equal(t, []proto.FsID{1, 2}, got.Unlinked)
	require.Equal(t, 1, tree.Stat().UnlinkedFiles)
	_, err = tree.Path(f.ID)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	rec.reset()
	require.NoError(t, tree.RemoveLocation(background, f.ID, 1))
	require.NoError(t, tree.RemoveLocation(background, f.ID, 2))
	require.Equal(t, []EventKind{LocationRemoved, LocationRemoved, FilePurged}, rec.kinds())
	_, err = tree.GetFile(f.ID)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.Equal(t, TreeStat{Containers: 1}, tree.Stat())

	// a file without replicas is purged right away
	g, err := tree.CreateFile(background, root, md.RootID, "g", replica2, 0o644)
	require.NoError(t, err)
	require.NoError(t, tree.RemoveFile(background, root, md.RootID, "g"))
	_, err = tree.GetFile(g.ID)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
}

func TestTree_SubscriberFailuresDoNotPropagate(t *testing.T) {
	tree := newTestTree(t)
	tree.Subscribe("panics", AllEvents, HandlerFunc(func(context.Context, *Event) error {
		panic("listener bug")
	}))
	tree.Subscribe("fails", AllEvents, HandlerFunc(func(context.Context, *Event) error {
		return errors.New("listener error")
	}))
	rec := &recorder{}
	id := tree.Subscribe("recorder", Mask(LocationAdded), rec)

	f, err := tree.CreateFile(background, root, md.RootID, "f", replica2, 0o644)
	require.NoError(t, err)
	require.NoError(t, tree.AddLocation(background, f.ID, 7))
	got, err := tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, []proto.FsID{7}, got.Locations)
	require.Equal(t, []EventKind{LocationAdded}, rec.kinds())

	require.True(t, tree.Unsubscribe(id))
	require.False(t, tree.Unsubscribe(id))
	require.NoError(t, tree.AddLocation(background, f.ID, 8))
	require.Len(t, rec.kinds(), 1)
}

func TestTree_SyncTimePropagation(t *testing.T) {
	tree := newTestTree(t)
	a, err := tree.CreateContainer(background, root, md.RootID, "a", 0o755)
	require.NoError(t, err)
	require.NoError(t, tree.SetContainerXattr(background, a.ID, proto.XattrMTimePropagation, "1"))
	// b inherits the attribute
	b, err := tree.CreateContainer(background, root, a.ID, "b", 0o755)
	require.NoError(t, err)
	_, ok := b.Xattr(proto.XattrMTimePropagation)
	require.True(t, ok)
	c, err := tree.CreateContainer(background, root, md.RootID, "c", 0o755)
	require.NoError(t, err)

	f, err := tree.CreateFile(background, root, b.ID, "f", replica2, 0o644)
	require.NoError(t, err)
	future := util.Timespec{Sec: util.Now().Sec + 3600, Nsec: 42}
	require.NoError(t, tree.CommitFile(background, f.ID, 1, nil, future))

	for _, id := range []proto.ContainerID{a.ID, b.ID} {
		got, err := tree.GetContainer(id)
		require.NoError(t, err)
		require.Equal(t, future, got.TMTime)
	}
	got, err := tree.GetContainer(md.RootID)
	require.NoError(t, err)
	require.True(t, got.TMTime.IsZero())
	got, err = tree.GetContainer(c.ID)
	require.NoError(t, err)
	require.True(t, got.TMTime.IsZero())

	// an older mtime never lowers the sync time
	require.NoError(t, tree.CommitFile(background, f.ID, 1, nil, util.Timespec{Sec: 1}))
	got, err = tree.GetContainer(a.ID)
	require.NoError(t, err)
	require.Equal(t, future, got.TMTime)
}
