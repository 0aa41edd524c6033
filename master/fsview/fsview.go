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

// Package fsview keeps the location index of the namespace: which files have
// a replica on a file system and on which file systems a file lives. It is
// derived from namespace events only and never written directly.
package fsview

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/util/btree"

	"github.com/cubefs/dsmeta/master/namespace"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/proto"
)

const btreeDegree = 32

type fileItem proto.FileID

func (i fileItem) Less(than btree.Item) bool {
	return i < than.(fileItem)
}

func (i fileItem) Copy() btree.Item {
	return i
}

type View struct {
	lock      sync.RWMutex
	byFs      map[proto.FsID]*btree.BTree
	unlinked  map[proto.FsID]*btree.BTree
	byFile    map[proto.FileID][]proto.FsID
	noReplica map[proto.FileID]struct{}
}

func New() *View {
	return &View{
		byFs:      make(map[proto.FsID]*btree.BTree),
		unlinked:  make(map[proto.FsID]*btree.BTree),
		byFile:    make(map[proto.FileID][]proto.FsID),
		noReplica: make(map[proto.FileID]struct{}),
	}
}

// Attach subscribes the view to the namespace.
func (v *View) Attach(tree *namespace.Tree) namespace.SubscriptionID {
	return tree.Subscribe("fsview", namespace.LocationEvents|namespace.FileEvents, v)
}

func (v *View) HandleEvent(ctx context.Context, ev *namespace.Event) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	switch ev.Kind {
	case namespace.FileCreated:
		if len(ev.File.Locations) == 0 && !ev.File.IsUnlinked() {
			v.noReplica[ev.FileID] = struct{}{}
		}
	case namespace.LocationAdded:
		v.addLocation(ev.FileID, ev.Fsid, ev.Index)
	case namespace.LocationRemoved:
		if ev.Unlinked {
			removeItem(v.unlinked, ev.Fsid, ev.FileID)
		} else {
			v.removeLocation(ev.FileID, ev.Fsid, ev.File)
		}
	case namespace.LocationReplaced:
		return v.replaceLocation(ev.FileID, ev.Index, ev.OldFsid, ev.Fsid)
	case namespace.LocationUnlinked:
		v.removeLocation(ev.FileID, ev.Fsid, ev.File)
		insertItem(v.unlinked, ev.Fsid, ev.FileID)
	case namespace.FileRemoved:
		delete(v.noReplica, ev.FileID)
	case namespace.FilePurged:
		delete(v.noReplica, ev.FileID)
		for _, fsid := range v.byFile[ev.FileID] {
			removeItem(v.byFs, fsid, ev.FileID)
		}
		delete(v.byFile, ev.FileID)
	}
	return nil
}

func insertItem(m map[proto.FsID]*btree.BTree, fsid proto.FsID, fid proto.FileID) {
	t, ok := m[fsid]
	if !ok {
		t = btree.New(btreeDegree)
		m[fsid] = t
	}
	t.ReplaceOrInsert(fileItem(fid))
}

func removeItem(m map[proto.FsID]*btree.BTree, fsid proto.FsID, fid proto.FileID) {
	t, ok := m[fsid]
	if !ok {
		return
	}
	t.Delete(fileItem(fid))
	if t.Len() == 0 {
		delete(m, fsid)
	}
}

func (v *View) addLocation(fid proto.FileID, fsid proto.FsID, index int) {
	locs := v.byFile[fid]
	for _, l := range locs {
		if l == fsid {
			return
		}
	}
	if index >= 0 && index < len(locs) {
		locs = append(locs, 0)
		copy(locs[index+1:], locs[index:])
		locs[index] = fsid
	} else {
		locs = append(locs, fsid)
	}
	v.byFile[fid] = locs
	insertItem(v.byFs, fsid, fid)
	delete(v.noReplica, fid)
}

func (v *View) removeLocation(fid proto.FileID, fsid proto.FsID, f *md.FileMD) {
	locs := v.byFile[fid]
	for i, l := range locs {
		if l == fsid {
			locs = append(locs[:i:i], locs[i+1:]...)
			break
		}
	}
	if len(locs) == 0 {
		delete(v.byFile, fid)
		if f != nil && !f.IsUnlinked() {
			v.noReplica[fid] = struct{}{}
		}
	} else {
		v.byFile[fid] = locs
	}
	removeItem(v.byFs, fsid, fid)
}

// replaceLocation keeps the position of the replaced location, stripe
// indices of rain layouts depend on it.
func (v *View) replaceLocation(fid proto.FileID, index int, old, fsid proto.FsID) error {
	locs := v.byFile[fid]
	if index < 0 || index >= len(locs) || locs[index] != old {
		return fmt.Errorf("replace of file %d index %d: view holds %v, expected %d", fid, index, locs, old)
	}
	locs[index] = fsid
	removeItem(v.byFs, old, fid)
	insertItem(v.byFs, fsid, fid)
	return nil
}

// GetLocations returns the files with a replica on fsid, ordered by id.
func (v *View) GetLocations(fsid proto.FsID) []proto.FileID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return items(v.byFs[fsid], 0)
}

// SampleLocations returns at most max files of fsid, starting after marker.
func (v *View) SampleLocations(fsid proto.FsID, marker proto.FileID, max int) []proto.FileID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	t, ok := v.byFs[fsid]
	if !ok {
		return nil
	}
	var ret []proto.FileID
	t.AscendGreaterOrEqual(fileItem(marker+1), func(i btree.Item) bool {
		ret = append(ret, proto.FileID(i.(fileItem)))
		return len(ret) < max
	})
	return ret
}

func (v *View) NumLocations(fsid proto.FsID) int {
	v.lock.RLock()
	defer v.lock.RUnlock()
	if t, ok := v.byFs[fsid]; ok {
		return t.Len()
	}
	return 0
}

func (v *View) GetUnlinkedLocations(fsid proto.FsID) []proto.FileID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return items(v.unlinked[fsid], 0)
}

// GetFileSystems returns the locations of a file in namespace order.
func (v *View) GetFileSystems(fid proto.FileID) []proto.FsID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	locs := v.byFile[fid]
	if len(locs) == 0 {
		return nil
	}
	return append([]proto.FsID(nil), locs...)
}

func (v *View) GetNoReplicaFiles() []proto.FileID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	ret := make([]proto.FileID, 0, len(v.noReplica))
	for fid := range v.noReplica {
		ret = append(ret, fid)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// FileSystems lists every fsid holding a linked or an unlinked replica.
func (v *View) FileSystems() []proto.FsID {
	v.lock.RLock()
	defer v.lock.RUnlock()
	set := make(map[proto.FsID]struct{}, len(v.byFs))
	for fsid := range v.byFs {
		set[fsid] = struct{}{}
	}
	for fsid := range v.unlinked {
		set[fsid] = struct{}{}
	}
	ret := make([]proto.FsID, 0, len(set))
	for fsid := range set {
		ret = append(ret, fsid)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func items(t *btree.BTree, max int) []proto.FileID {
	if t == nil {
		return nil
	}
	ret := make([]proto.FileID, 0, t.Len())
	t.Ascend(func(i btree.Item) bool {
		ret = append(ret, proto.FileID(i.(fileItem)))
		return max <= 0 || len(ret) < max
	})
	return ret
}

// Consistent checks the view against the records of tree, both directions.
// Only meaningful while the namespace is not mutated.
func (v *View) Consistent(tree *namespace.Tree) error {
	linked := make(map[proto.FileID][]proto.FsID)
	unlinked := make(map[proto.FsID]map[proto.FileID]struct{})
	noReplica := make(map[proto.FileID]struct{})
	tree.RangeFiles(func(f *md.FileMD) bool {
		if len(f.Locations) > 0 {
			linked[f.ID] = f.Locations
		} else if !f.IsUnlinked() {
			noReplica[f.ID] = struct{}{}
		}
		for _, fsid := range f.Unlinked {
			if unlinked[fsid] == nil {
				unlinked[fsid] = make(map[proto.FileID]struct{})
			}
			unlinked[fsid][f.ID] = struct{}{}
		}
		return true
	})

	v.lock.RLock()
	defer v.lock.RUnlock()
	if len(linked) != len(v.byFile) {
		return fmt.Errorf("view indexes %d files with locations, namespace has %d", len(v.byFile), len(linked))
	}
	entries := 0
	for fid, locs := range linked {
		got := v.byFile[fid]
		if fmt.Sprint(got) != fmt.Sprint(locs) {
			return fmt.Errorf("file %d: view holds %v, namespace %v", fid, got, locs)
		}
		for _, fsid := range locs {
			t, ok := v.byFs[fsid]
			if !ok || t.Get(fileItem(fid)) == nil {
				return fmt.Errorf("file %d missing in reverse index of fs %d", fid, fsid)
			}
		}
		entries += len(locs)
	}
	indexed := 0
	for _, t := range v.byFs {
		indexed += t.Len()
	}
	if indexed != entries {
		return fmt.Errorf("reverse index holds %d entries, namespace %d", indexed, entries)
	}

	if len(unlinked) != len(v.unlinked) {
		return fmt.Errorf("view has unlinked replicas on %d fs, namespace on %d", len(v.unlinked), len(unlinked))
	}
	for fsid, fids := range unlinked {
		t := v.unlinked[fsid]
		if t == nil || t.Len() != len(fids) {
			return fmt.Errorf("unlinked replicas of fs %d differ", fsid)
		}
		for fid := range fids {
			if t.Get(fileItem(fid)) == nil {
				return fmt.Errorf("unlinked replica of file %d on fs %d not indexed", fid, fsid)
			}
		}
	}

	if len(noReplica) != len(v.noReplica) {
		return fmt.Errorf("view has %d files without replica, namespace %d", len(v.noReplica), len(noReplica))
	}
	for fid := range noReplica {
		if _, ok := v.noReplica[fid]; !ok {
			return fmt.Errorf("file %d without replica not indexed", fid)
		}
	}
	return nil
}
