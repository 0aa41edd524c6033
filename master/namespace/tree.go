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
	"sort"
	"strings"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/util/btree"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

const (
	FileIDScope      = "file"
	ContainerIDScope = "container"

	btreeDegree = 16
	dirMode     = 0o755
)

// IDAllocator hands out file and container ids, see idgenerator.
type IDAllocator interface {
	Next(ctx context.Context, name string) (uint64, error)
	Reserve(ctx context.Context, name string, min uint64) error
}

// Journal persists records before they are applied in memory.
type Journal interface {
	PutFile(f *md.FileMD) error
	DeleteFile(id proto.FileID) error
	PutContainer(c *md.ContainerMD) error
	DeleteContainer(id proto.ContainerID) error
}

type nopJournal struct{}

func (nopJournal) PutFile(*md.FileMD) error              { return nil }
func (nopJournal) DeleteFile(proto.FileID) error         { return nil }
func (nopJournal) PutContainer(*md.ContainerMD) error    { return nil }
func (nopJournal) DeleteContainer(proto.ContainerID) error { return nil }

type dirent struct {
	name string
	id   uint64
}

func (d *dirent) Less(than btree.Item) bool {
	return d.name < than.(*dirent).name
}

func (d *dirent) Copy() btree.Item {
	n := *d
	return &n
}

// container owns its children by name, children are referenced by id only.
type container struct {
	md      *md.ContainerMD
	subdirs *btree.BTree
	files   *btree.BTree
}

func newContainer(c *md.ContainerMD) *container {
	return &container{md: c, subdirs: btree.New(btreeDegree), files: btree.New(btreeDegree)}
}

func (c *container) lookup(name string) (id uint64, isDir bool, ok bool) {
	key := &dirent{name: name}
	if item := c.subdirs.Get(key); item != nil {
		return item.(*dirent).id, true, true
	}
	if item := c.files.Get(key); item != nil {
		return item.(*dirent).id, false, true
	}
	return 0, false, false
}

func (c *container) empty() bool {
	return c.subdirs.Len() == 0 && c.files.Len() == 0
}

type Entry struct {
	Name        string `json:"name"`
	ID          uint64 `json:"id"`
	IsContainer bool   `json:"is_container"`
}

type TreeStat struct {
	Containers    int `json:"containers"`
	Files         int `json:"files"`
	UnlinkedFiles int `json:"unlinked_files"`
}

// Tree is the in-memory namespace. Records are copy on write: a mutation
// clones the record, journals the clone and swaps it in, so a failed
// mutation leaves the tree untouched. Subscribers see every applied
// mutation before the call returns.
type Tree struct {
	lock       sync.RWMutex
	containers map[proto.ContainerID]*container
	files      map[proto.FileID]*md.FileMD
	unlinked   int

	ids     IDAllocator
	journal Journal
	events  dispatcher
	pending []*Event
}

func newTree(ids IDAllocator, journal Journal) *Tree {
	if journal == nil {
		journal = nopJournal{}
	}
	t := &Tree{
		containers: make(map[proto.ContainerID]*container),
		files:      make(map[proto.FileID]*md.FileMD),
		ids:        ids,
		journal:    journal,
	}
	t.events.subscribe("synctime", Mask(MTimeChanged), HandlerFunc(t.propagateSyncTime))
	return t
}

// NewTree returns an empty tree holding only the root container.
func NewTree(ctx context.Context, ids IDAllocator, journal Journal) (*Tree, error) {
	t := newTree(ids, journal)
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.ensureRoot(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) Subscribe(name string, mask EventMask, h Handler) SubscriptionID {
	return t.events.subscribe(name, mask, h)
}

func (t *Tree) Unsubscribe(id SubscriptionID) bool {
	return t.events.unsubscribe(id)
}

func (t *Tree) ensureRoot(ctx context.Context) error {
	if _, ok := t.containers[md.RootID]; ok {
		return nil
	}
	now := util.Now()
	root := &md.ContainerMD{
		ID:       md.RootID,
		ParentID: md.RootID,
		Uid:      proto.RootUid,
		Gid:      proto.RootGid,
		Mode:     dirMode,
		CTime:    now,
		MTime:    now,
	}
	if err := t.journal.PutContainer(root); err != nil {
		return err
	}
	t.containers[md.RootID] = newContainer(root)
	trace.SpanFromContextSafe(ctx).Info("namespace root created")
	return t.ids.Reserve(ctx, ContainerIDScope, md.RootID)
}

// emit queues events, they are dispatched by flush before the lock is released.
func (t *Tree) emit(evs ...*Event) {
	t.pending = append(t.pending, evs...)
}

func (t *Tree) flush(ctx context.Context) {
	for len(t.pending) > 0 {
		evs := t.pending
		t.pending = nil
		t.events.dispatch(ctx, evs)
	}
}

func (t *Tree) unlock(ctx context.Context) {
	t.flush(ctx)
	t.lock.Unlock()
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "invalid name %q", name)
	}
	return nil
}

func (t *Tree) getContainer(id proto.ContainerID) (*container, error) {
	c, ok := t.containers[id]
	if !ok {
		return nil, apierrors.Wrapf(apierrors.ErrNotFound, "container %d", id)
	}
	return c, nil
}

func (t *Tree) getFile(id proto.FileID) (*md.FileMD, error) {
	f, ok := t.files[id]
	if !ok {
		return nil, apierrors.Wrapf(apierrors.ErrNotFound, "file %d", id)
	}
	return f, nil
}

func (t *Tree) checkAccess(c *container, who proto.Identity, flags uint32) error {
	if !Access(c.md, who.Uid, who.Gid, flags) {
		return apierrors.Wrapf(apierrors.ErrAccess, "uid %d on container %d", who.Uid, c.md.ID)
	}
	return nil
}

func (t *Tree) putContainer(c *container, n *md.ContainerMD) error {
	if err := t.journal.PutContainer(n); err != nil {
		return err
	}
	c.md = n
	return nil
}

func (t *Tree) putFile(n *md.FileMD) error {
	if err := t.journal.PutFile(n); err != nil {
		return err
	}
	t.files[n.ID] = n
	return nil
}

func (t *Tree) touch(ctx context.Context, c *container, ts util.Timespec) {
	n := c.md.Clone()
	n.MTime = ts
	if err := t.putContainer(c, n); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("update mtime of container %d failed: %s", n.ID, err)
		return
	}
	t.emit(&Event{Kind: MTimeChanged, ContainerID: n.ID, MTime: ts, Container: n})
}

// CreateContainer makes a new container below parent. It inherits the
// extended attributes of its parent.
func (t *Tree) CreateContainer(ctx context.Context, who proto.Identity, parent proto.ContainerID, name string, mode uint32) (*md.ContainerMD, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	id, err := t.ids.Next(ctx, ContainerIDScope)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	defer t.unlock(ctx)
	p, err := t.getContainer(parent)
	if err != nil {
		return nil, err
	}
	if err = t.checkAccess(p, who, AccessW|AccessX); err != nil {
		return nil, err
	}
	now := util.Now()
	c := &md.ContainerMD{
		ID:       id,
		ParentID: parent,
		Name:     name,
		Uid:      who.Uid,
		Gid:      who.Gid,
		Mode:     mode,
		CTime:    now,
		MTime:    now,
		Xattrs:   p.md.Clone().Xattrs,
	}
	if err = t.addContainer(ctx, p, c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// AddContainer links c below parent, an id is allocated if c has none.
func (t *Tree) AddContainer(ctx context.Context, parent proto.ContainerID, c *md.ContainerMD) error {
	if err := validName(c.Name); err != nil {
		return err
	}
	n := c.Clone()
	if n.ID == 0 {
		id, err := t.ids.Next(ctx, ContainerIDScope)
		if err != nil {
			return err
		}
		n.ID = id
	}
	n.ParentID = parent

	t.lock.Lock()
	defer t.unlock(ctx)
	p, err := t.getContainer(parent)
	if err != nil {
		return err
	}
	if _, ok := t.containers[n.ID]; ok {
		return apierrors.Wrapf(apierrors.ErrExist, "container %d", n.ID)
	}
	if err = t.addContainer(ctx, p, n); err != nil {
		return err
	}
	c.ID, c.ParentID = n.ID, parent
	return nil
}

func (t *Tree) addContainer(ctx context.Context, p *container, c *md.ContainerMD) error {
	if _, _, ok := p.lookup(c.Name); ok {
		return apierrors.Wrapf(apierrors.ErrExist, "%q in container %d", c.Name, p.md.ID)
	}
	if err := t.journal.PutContainer(c); err != nil {
		return err
	}
	t.containers[c.ID] = newContainer(c)
	p.subdirs.ReplaceOrInsert(&dirent{name: c.Name, id: c.ID})
	metrics.NamespaceObjects.WithLabelValues("container").Inc()
	t.emit(&Event{Kind: ContainerCreated, ContainerID: c.ID, Container: c})
	t.touch(ctx, p, util.Now())
	return nil
}

// RemoveContainer unlinks an empty container from its parent.
func (t *Tree) RemoveContainer(ctx context.Context, who proto.Identity, parent proto.ContainerID, name string) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	p, err := t.getContainer(parent)
	if err != nil {
		return err
	}
	id, isDir, ok := p.lookup(name)
	if !ok {
		return apierrors.Wrapf(apierrors.ErrNotFound, "%q in container %d", name, parent)
	}
	if !isDir {
		return apierrors.Wrapf(apierrors.ErrNotDir, "%q in container %d", name, parent)
	}
	if err = t.checkAccess(p, who, AccessW|AccessX); err != nil {
		return err
	}
	c := t.containers[id]
	if !c.empty() {
		return apierrors.Wrapf(apierrors.ErrNotEmpty, "container %d", id)
	}
	if err = t.journal.DeleteContainer(id); err != nil {
		return err
	}
	delete(t.containers, id)
	p.subdirs.Delete(&dirent{name: name})
	metrics.NamespaceObjects.WithLabelValues("container").Dec()
	t.emit(&Event{Kind: ContainerRemoved, ContainerID: id, Container: c.md})
	t.touch(ctx, p, util.Now())
	return nil
}

// CreateFile makes an empty file without locations below parent.
func (t *Tree) CreateFile(ctx context.Context, who proto.Identity, parent proto.ContainerID, name string, layoutID uint32, mode uint32) (*md.FileMD, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, err := proto.DecodeLayout(layoutID); err != nil {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s", err)
	}
	id, err := t.ids.Next(ctx, FileIDScope)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	defer t.unlock(ctx)
	p, err := t.getContainer(parent)
	if err != nil {
		return nil, err
	}
	if err = t.checkAccess(p, who, AccessW|AccessX); err != nil {
		return nil, err
	}
	now := util.Now()
	f := &md.FileMD{
		ID:          id,
		ContainerID: parent,
		Name:        name,
		CTime:       now,
		MTime:       now,
		Uid:         who.Uid,
		Gid:         who.Gid,
		LayoutID:    layoutID,
		Flags:       mode,
	}
	if err = t.addFile(ctx, p, f); err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

// AddFile links f below parent, an id is allocated if f has none.
func (t *Tree) AddFile(ctx context.Context, parent proto.ContainerID, f *md.FileMD) error {
	if err := validName(f.Name); err != nil {
		return err
	}
	n := f.Clone()
	if n.ID == 0 {
		id, err := t.ids.Next(ctx, FileIDScope)
		if err != nil {
			return err
		}
		n.ID = id
	}
	n.ContainerID = parent
	if err := n.Validate(); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.unlock(ctx)
	p, err := t.getContainer(parent)
	if err != nil {
		return err
	}
	if _, ok := t.files[n.ID]; ok {
		return apierrors.Wrapf(apierrors.ErrExist, "file %d", n.ID)
	}
	if err = t.addFile(ctx, p, n); err != nil {
		return err
	}
	f.ID, f.ContainerID = n.ID, parent
	return nil
}

func (t *Tree) addFile(ctx context.Context, p *container, f *md.FileMD) error {
	if _, _, ok := p.lookup(f.Name); ok {
		return apierrors.Wrapf(apierrors.ErrExist, "%q in container %d", f.Name, p.md.ID)
	}
	if err := t.putFile(f); err != nil {
		return err
	}
	p.files.ReplaceOrInsert(&dirent{name: f.Name, id: f.ID})
	metrics.NamespaceObjects.WithLabelValues("file").Inc()
	t.emit(&Event{Kind: FileCreated, FileID: f.ID, ContainerID: p.md.ID, File: f})
	for i, fsid := range f.Locations {
		t.emit(&Event{Kind: LocationAdded, FileID: f.ID, Fsid: fsid, Index: i, File: f})
	}
	t.touch(ctx, p, f.MTime)
	return nil
}

// RemoveFile unlinks a file from its container. The record stays, with all
// its locations unlinked, until the last replica is dropped by RemoveLocation.
func (t *Tree) RemoveFile(ctx context.Context, who proto.Identity, parent proto.ContainerID, name string) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	p, err := t.getContainer(parent)
	if err != nil {
		return err
	}
	id, isDir, ok := p.lookup(name)
	if !ok {
		return apierrors.Wrapf(apierrors.ErrNotFound, "%q in container %d", name, parent)
	}
	if isDir {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "%q in container %d is a container", name, parent)
	}
	if err = t.checkAccess(p, who, AccessW|AccessX); err != nil {
		return err
	}

	n := t.files[id].Clone()
	n.ContainerID = 0
	unlinked := n.UnlinkAllLocations()
	if len(n.Unlinked) == 0 {
		if err = t.purge(n); err != nil {
			return err
		}
	} else {
		if err = t.putFile(n); err != nil {
			return err
		}
		t.unlinked++
		for _, fsid := range unlinked {
			t.emit(&Event{Kind: LocationUnlinked, FileID: id, Fsid: fsid, File: n})
		}
	}
	p.files.Delete(&dirent{name: name})
	metrics.NamespaceObjects.WithLabelValues("file").Dec()
	t.emit(&Event{Kind: FileRemoved, FileID: id, ContainerID: parent, File: n})
	if _, ok := t.files[id]; !ok {
		t.emit(&Event{Kind: FilePurged, FileID: id, File: n})
	}
	t.touch(ctx, p, util.Now())
	return nil
}

// purge drops the record of a file that has no replica left.
func (t *Tree) purge(f *md.FileMD) error {
	if err := t.journal.DeleteFile(f.ID); err != nil {
		return err
	}
	if old, ok := t.files[f.ID]; ok && old.IsUnlinked() {
		t.unlinked--
	}
	delete(t.files, f.ID)
	return nil
}

func (t *Tree) RenameFile(ctx context.Context, who proto.Identity, id proto.FileID, newParent proto.ContainerID, newName string) error {
	if err := validName(newName); err != nil {
		return err
	}
	t.lock.Lock()
	defer t.unlock(ctx)
	f, err := t.getFile(id)
	if err != nil {
		return err
	}
	if f.IsUnlinked() {
		return apierrors.Wrapf(apierrors.ErrNotFound, "file %d is unlinked", id)
	}
	if f.ContainerID == newParent && f.Name == newName {
		return nil
	}
	src := t.containers[f.ContainerID]
	dst, err := t.getContainer(newParent)
	if err != nil {
		return err
	}
	if err = t.checkAccess(src, who, AccessW|AccessX); err != nil {
		return err
	}
	if err = t.checkAccess(dst, who, AccessW|AccessX); err != nil {
		return err
	}
	if _, _, ok := dst.lookup(newName); ok {
		return apierrors.Wrapf(apierrors.ErrExist, "%q in container %d", newName, newParent)
	}

	n := f.Clone()
	n.ContainerID, n.Name = newParent, newName
	if err = t.putFile(n); err != nil {
		return err
	}
	src.files.Delete(&dirent{name: f.Name})
	dst.files.ReplaceOrInsert(&dirent{name: newName, id: id})
	now := util.Now()
	t.touch(ctx, src, now)
	if dst != src {
		t.touch(ctx, dst, now)
	}
	return nil
}

func (t *Tree) GetFile(id proto.FileID) (*md.FileMD, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	f, err := t.getFile(id)
	if err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

func (t *Tree) GetContainer(id proto.ContainerID) (*md.ContainerMD, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	c, err := t.getContainer(id)
	if err != nil {
		return nil, err
	}
	return c.md.Clone(), nil
}

func (t *Tree) findContainer(elems []string) (*container, error) {
	c := t.containers[md.RootID]
	for _, name := range elems {
		id, isDir, ok := c.lookup(name)
		if !ok {
			return nil, apierrors.Wrapf(apierrors.ErrNotFound, "%q in container %d", name, c.md.ID)
		}
		if !isDir {
			return nil, apierrors.Wrapf(apierrors.ErrNotDir, "%q in container %d", name, c.md.ID)
		}
		c = t.containers[id]
	}
	return c, nil
}

func (t *Tree) FindContainer(path string) (*md.ContainerMD, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	c, err := t.findContainer(util.SplitPath(path))
	if err != nil {
		return nil, err
	}
	return c.md.Clone(), nil
}

func (t *Tree) FindFile(path string) (*md.FileMD, error) {
	elems := util.SplitPath(path)
	if len(elems) == 0 {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "path %q", path)
	}
	t.lock.RLock()
	defer t.lock.RUnlock()
	c, err := t.findContainer(elems[:len(elems)-1])
	if err != nil {
		return nil, err
	}
	name := elems[len(elems)-1]
	id, isDir, ok := c.lookup(name)
	if !ok || isDir {
		return nil, apierrors.Wrapf(apierrors.ErrNotFound, "file %q", path)
	}
	return t.files[id].Clone(), nil
}

// Path returns the absolute path of a linked file.
func (t *Tree) Path(id proto.FileID) (string, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	f, err := t.getFile(id)
	if err != nil {
		return "", err
	}
	if f.IsUnlinked() {
		return "", apierrors.Wrapf(apierrors.ErrNotFound, "file %d is unlinked", id)
	}
	elems := []string{f.Name}
	for cid := f.ContainerID; cid != md.RootID; {
		c, ok := t.containers[cid]
		if !ok {
			return "", apierrors.Wrapf(apierrors.ErrNotFound, "container %d", cid)
		}
		elems = append(elems, c.md.Name)
		cid = c.md.ParentID
	}
	for i, j := 0, len(elems)-1; i < j; i, j = i+1, j-1 {
		elems[i], elems[j] = elems[j], elems[i]
	}
	return util.JoinPath(elems...), nil
}

// ListContainer returns the entries of a container ordered by name.
func (t *Tree) ListContainer(id proto.ContainerID) ([]Entry, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	c, err := t.getContainer(id)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, c.subdirs.Len()+c.files.Len())
	c.subdirs.Ascend(func(i btree.Item) bool {
		d := i.(*dirent)
		entries = append(entries, Entry{Name: d.name, ID: d.id, IsContainer: true})
		return true
	})
	c.files.Ascend(func(i btree.Item) bool {
		d := i.(*dirent)
		entries = append(entries, Entry{Name: d.name, ID: d.id})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// RangeFiles calls fn for every file record until fn returns false. The
// records must not be modified and fn must not call into the tree.
func (t *Tree) RangeFiles(fn func(f *md.FileMD) bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	for _, f := range t.files {
		if !fn(f) {
			return
		}
	}
}

func (t *Tree) Stat() TreeStat {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return TreeStat{Containers: len(t.containers), Files: len(t.files), UnlinkedFiles: t.unlinked}
}

// UpdateFile applies fn to a copy of the file record. Identity, placement
// and locations can not be changed this way.
func (t *Tree) UpdateFile(ctx context.Context, id proto.FileID, fn func(f *md.FileMD) error) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	return t.updateFile(ctx, id, fn)
}

func (t *Tree) updateFile(ctx context.Context, id proto.FileID, fn func(f *md.FileMD) error) error {
	f, err := t.getFile(id)
	if err != nil {
		return err
	}
	n := f.Clone()
	if err = fn(n); err != nil {
		return err
	}
	if n.ID != f.ID || n.ContainerID != f.ContainerID || n.Name != f.Name ||
		!sameFsids(n.Locations, f.Locations) || !sameFsids(n.Unlinked, f.Unlinked) {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "file %d: update changes identity or locations", id)
	}
	if err = n.Validate(); err != nil {
		return err
	}
	if err = t.putFile(n); err != nil {
		return err
	}
	if n.Size != f.Size {
		t.emit(&Event{Kind: SizeChanged, FileID: id, ContainerID: n.ContainerID, OldSize: f.Size, Size: n.Size, File: n})
	}
	if n.MTime != f.MTime {
		t.emit(&Event{Kind: MTimeChanged, FileID: id, ContainerID: n.ContainerID, MTime: n.MTime, File: n})
	}
	return nil
}

// CommitFile records size, checksum and mtime of a file closed after writing.
func (t *Tree) CommitFile(ctx context.Context, id proto.FileID, size uint64, checksum []byte, mtime util.Timespec) error {
	return t.UpdateFile(ctx, id, func(f *md.FileMD) error {
		if n := f.Layout().ChecksumLen(); len(checksum) != 0 && len(checksum) != n {
			return apierrors.Wrapf(apierrors.ErrInvalidArgument, "checksum of %d bytes, layout wants %d", len(checksum), n)
		}
		f.Size = size
		f.Checksum = append([]byte(nil), checksum...)
		if len(f.Checksum) == 0 {
			f.Checksum = nil
		}
		f.MTime = mtime
		return nil
	})
}

func (t *Tree) AddLocation(ctx context.Context, id proto.FileID, fsid proto.FsID) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	f, err := t.getFile(id)
	if err != nil {
		return err
	}
	n := f.Clone()
	if err = n.AddLocation(fsid); err != nil {
		return err
	}
	if err = t.putFile(n); err != nil {
		return err
	}
	t.emit(&Event{Kind: LocationAdded, FileID: id, Fsid: fsid, Index: len(n.Locations) - 1, File: n})
	return nil
}

// UnlinkLocation marks a replica for deletion, it is dropped by RemoveLocation
// once the storage node deleted it.
func (t *Tree) UnlinkLocation(ctx context.Context, id proto.FileID, fsid proto.FsID) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	f, err := t.getFile(id)
	if err != nil {
		return err
	}
	n := f.Clone()
	if err = n.UnlinkLocation(fsid); err != nil {
		return err
	}
	if err = t.putFile(n); err != nil {
		return err
	}
	t.emit(&Event{Kind: LocationUnlinked, FileID: id, Fsid: fsid, File: n})
	return nil
}

// RemoveLocation drops a location for good. An unlinked file losing its last
// location is purged.
func (t *Tree) RemoveLocation(ctx context.Context, id proto.FileID, fsid proto.FsID) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	f, err := t.getFile(id)
	if err != nil {
		return err
	}
	n := f.Clone()
	wasUnlinked := n.HasUnlinkedLocation(fsid)
	if err = n.RemoveLocation(fsid); err != nil {
		return err
	}
	purge := n.IsUnlinked() && len(n.Locations) == 0 && len(n.Unlinked) == 0
	if purge {
		err = t.purge(n)
	} else {
		err = t.putFile(n)
	}
	if err != nil {
		return err
	}
	t.emit(&Event{Kind: LocationRemoved, FileID: id, Fsid: fsid, Unlinked: wasUnlinked, File: n})
	if purge {
		t.emit(&Event{Kind: FilePurged, FileID: id, File: n})
	}
	return nil
}

// ReplaceLocation swaps the location at index in place and returns the old one.
func (t *Tree) ReplaceLocation(ctx context.Context, id proto.FileID, index int, fsid proto.FsID) (proto.FsID, error) {
	t.lock.Lock()
	defer t.unlock(ctx)
	f, err := t.getFile(id)
	if err != nil {
		return 0, err
	}
	n := f.Clone()
	old, err := n.ReplaceLocation(index, fsid)
	if err != nil {
		return 0, err
	}
	if old == fsid {
		return old, nil
	}
	if err = t.putFile(n); err != nil {
		return 0, err
	}
	t.emit(&Event{Kind: LocationReplaced, FileID: id, Fsid: fsid, OldFsid: old, Index: index, File: n})
	return old, nil
}

func (t *Tree) SetContainerXattr(ctx context.Context, id proto.ContainerID, key, value string) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	c, err := t.getContainer(id)
	if err != nil {
		return err
	}
	n := c.md.Clone()
	n.SetXattr(key, value)
	return t.putContainer(c, n)
}

func (t *Tree) RemoveContainerXattr(ctx context.Context, id proto.ContainerID, key string) error {
	t.lock.Lock()
	defer t.unlock(ctx)
	c, err := t.getContainer(id)
	if err != nil {
		return err
	}
	if _, ok := c.md.Xattr(key); !ok {
		return apierrors.Wrapf(apierrors.ErrNotFound, "xattr %q of container %d", key, id)
	}
	n := c.md.Clone()
	n.RemoveXattr(key)
	return t.putContainer(c, n)
}

func (t *Tree) SetFileXattr(ctx context.Context, id proto.FileID, key, value string) error {
	return t.UpdateFile(ctx, id, func(f *md.FileMD) error {
		f.SetXattr(key, value)
		return nil
	})
}

// propagateSyncTime raises the sync time of the container of an mtime change
// and of its ancestors, as long as they carry the propagation attribute.
// It runs as a subscriber, with the tree lock held.
func (t *Tree) propagateSyncTime(ctx context.Context, ev *Event) error {
	cid := ev.ContainerID
	for cid != 0 {
		c, ok := t.containers[cid]
		if !ok {
			return nil
		}
		if _, ok = c.md.Xattr(proto.XattrMTimePropagation); !ok {
			return nil
		}
		if ev.MTime.After(c.md.TMTime) {
			n := c.md.Clone()
			n.TMTime = ev.MTime
			if err := t.putContainer(c, n); err != nil {
				return err
			}
		}
		if c.md.IsRoot() {
			return nil
		}
		cid = c.md.ParentID
	}
	return nil
}

func sameFsids(a, b []proto.FsID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
