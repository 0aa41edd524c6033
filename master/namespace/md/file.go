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

// Package md holds the file and container metadata records and their stable
// binary encoding.
package md

import (
	"fmt"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

// field numbers of FileMD, never reuse a number
const (
	fileFieldID          = 1
	fileFieldContainerID = 2
	fileFieldName        = 3
	fileFieldSize        = 4
	fileFieldCTime       = 5
	fileFieldMTime       = 6
	fileFieldUid         = 7
	fileFieldGid         = 8
	fileFieldLayoutID    = 9
	fileFieldChecksum    = 10
	fileFieldLocations   = 11
	fileFieldUnlinked    = 12
	fileFieldFlags       = 13
	fileFieldXattr       = 14
)

type FileMD struct {
	ID          proto.FileID      `json:"id"`
	ContainerID proto.ContainerID `json:"cid"`
	Name        string            `json:"name"`
	Size        uint64            `json:"size"`
	CTime       util.Timespec     `json:"ctime"`
	MTime       util.Timespec     `json:"mtime"`
	Uid         uint32            `json:"uid"`
	Gid         uint32            `json:"gid"`
	LayoutID    proto.LayoutID    `json:"layout_id"`
	Checksum    []byte            `json:"checksum,omitempty"`
	// Locations are ordered, for rain layouts the index is the stripe index.
	Locations []proto.FsID `json:"locations,omitempty"`
	// Unlinked locations still hold a replica that waits to be deleted.
	Unlinked []proto.FsID     `json:"unlinked,omitempty"`
	Flags    uint32           `json:"flags"`
	Xattrs   map[string]string `json:"xattrs,omitempty"`
}

func (f *FileMD) Serialize() []byte {
	b := make([]byte, 0, 64+len(f.Name)+len(f.Checksum)+4*len(f.Locations))
	b = appendVarint(b, fileFieldID, f.ID)
	b = appendVarint(b, fileFieldContainerID, f.ContainerID)
	b = appendString(b, fileFieldName, f.Name)
	b = appendVarint(b, fileFieldSize, f.Size)
	b = appendTimespec(b, fileFieldCTime, f.CTime)
	b = appendTimespec(b, fileFieldMTime, f.MTime)
	b = appendVarint(b, fileFieldUid, uint64(f.Uid))
	b = appendVarint(b, fileFieldGid, uint64(f.Gid))
	b = appendVarint(b, fileFieldLayoutID, uint64(f.LayoutID))
	b = appendBytes(b, fileFieldChecksum, f.Checksum)
	b = appendPacked(b, fileFieldLocations, f.Locations)
	b = appendPacked(b, fileFieldUnlinked, f.Unlinked)
	b = appendVarint(b, fileFieldFlags, uint64(f.Flags))
	b = appendXattrs(b, fileFieldXattr, f.Xattrs)
	return b
}

// Deserialize replaces f with the record in buf. On error f is left untouched.
func (f *FileMD) Deserialize(buf []byte) error {
	var tmp FileMD
	d := decoder{b: buf}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case fileFieldID:
			tmp.ID = d.varint(typ)
		case fileFieldContainerID:
			tmp.ContainerID = d.varint(typ)
		case fileFieldName:
			tmp.Name = string(d.bytes(typ))
		case fileFieldSize:
			tmp.Size = d.varint(typ)
		case fileFieldCTime:
			tmp.CTime = d.timespec(typ)
		case fileFieldMTime:
			tmp.MTime = d.timespec(typ)
		case fileFieldUid:
			tmp.Uid = uint32(d.varint(typ))
		case fileFieldGid:
			tmp.Gid = uint32(d.varint(typ))
		case fileFieldLayoutID:
			tmp.LayoutID = uint32(d.varint(typ))
		case fileFieldChecksum:
			tmp.Checksum = d.copyBytes(typ)
		case fileFieldLocations:
			tmp.Locations = d.packed(typ, tmp.Locations)
		case fileFieldUnlinked:
			tmp.Unlinked = d.packed(typ, tmp.Unlinked)
		case fileFieldFlags:
			tmp.Flags = uint32(d.varint(typ))
		case fileFieldXattr:
			tmp.Xattrs = d.xattr(typ, tmp.Xattrs)
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return d.err
	}
	if err := tmp.Validate(); err != nil {
		return err
	}
	*f = tmp
	return nil
}

// Validate checks the record invariants.
func (f *FileMD) Validate() error {
	if f.ID == 0 {
		return apierrors.Wrapf(apierrors.ErrCorrupted, "file without id")
	}
	if _, err := proto.DecodeLayout(f.LayoutID); err != nil {
		return apierrors.Wrapf(apierrors.ErrCorrupted, "file %d: %v", f.ID, err)
	}
	seen := make(map[proto.FsID]struct{}, len(f.Locations)+len(f.Unlinked))
	for _, list := range [][]proto.FsID{f.Locations, f.Unlinked} {
		for _, fsid := range list {
			if _, ok := seen[fsid]; ok {
				return apierrors.Wrapf(apierrors.ErrCorrupted, "file %d: duplicated location %d", f.ID, fsid)
			}
			seen[fsid] = struct{}{}
		}
	}
	return nil
}

func (f *FileMD) Layout() proto.Layout {
	l, _ := proto.DecodeLayout(f.LayoutID)
	return l
}

// IsUnlinked reports a soft deleted file, it is not reachable from the tree anymore.
func (f *FileMD) IsUnlinked() bool {
	return f.ContainerID == 0
}

func (f *FileMD) HasLocation(fsid proto.FsID) bool {
	return indexOf(f.Locations, fsid) >= 0
}

func (f *FileMD) HasUnlinkedLocation(fsid proto.FsID) bool {
	return indexOf(f.Unlinked, fsid) >= 0
}

func (f *FileMD) NumLocations() int {
	return len(f.Locations)
}

// AddLocation appends fsid, a location already present or unlinked is rejected.
func (f *FileMD) AddLocation(fsid proto.FsID) error {
	if f.HasLocation(fsid) {
		return apierrors.Wrapf(apierrors.ErrExist, "file %d already on fs %d", f.ID, fsid)
	}
	if f.HasUnlinkedLocation(fsid) {
		return apierrors.Wrapf(apierrors.ErrBusy, "file %d has an unlinked replica on fs %d", f.ID, fsid)
	}
	f.Locations = append(f.Locations, fsid)
	return nil
}

// UnlinkLocation moves fsid from the locations to the unlinked list.
func (f *FileMD) UnlinkLocation(fsid proto.FsID) error {
	i := indexOf(f.Locations, fsid)
	if i < 0 {
		return apierrors.Wrapf(apierrors.ErrNotFound, "file %d has no location %d", f.ID, fsid)
	}
	f.Locations = append(f.Locations[:i], f.Locations[i+1:]...)
	f.Unlinked = append(f.Unlinked, fsid)
	return nil
}

// RemoveLocation drops fsid from the unlinked list, or from the locations if
// it was never unlinked.
func (f *FileMD) RemoveLocation(fsid proto.FsID) error {
	if i := indexOf(f.Unlinked, fsid); i >= 0 {
		f.Unlinked = append(f.Unlinked[:i], f.Unlinked[i+1:]...)
		return nil
	}
	if i := indexOf(f.Locations, fsid); i >= 0 {
		f.Locations = append(f.Locations[:i], f.Locations[i+1:]...)
		return nil
	}
	return apierrors.Wrapf(apierrors.ErrNotFound, "file %d has no location %d", f.ID, fsid)
}

// ReplaceLocation swaps the location at index in place and returns the old one.
func (f *FileMD) ReplaceLocation(index int, fsid proto.FsID) (proto.FsID, error) {
	if index < 0 || index >= len(f.Locations) {
		return 0, apierrors.Wrapf(apierrors.ErrInvalidArgument, "file %d has no location index %d", f.ID, index)
	}
	if j := indexOf(f.Locations, fsid); j >= 0 && j != index {
		return 0, apierrors.Wrapf(apierrors.ErrExist, "file %d already on fs %d", f.ID, fsid)
	}
	if f.HasUnlinkedLocation(fsid) {
		return 0, apierrors.Wrapf(apierrors.ErrBusy, "file %d has an unlinked replica on fs %d", f.ID, fsid)
	}
	old := f.Locations[index]
	f.Locations[index] = fsid
	return old, nil
}

// UnlinkAllLocations unlinks every location and returns them.
func (f *FileMD) UnlinkAllLocations() []proto.FsID {
	locs := f.Locations
	f.Unlinked = append(f.Unlinked, locs...)
	f.Locations = nil
	return locs
}

func (f *FileMD) Xattr(key string) (string, bool) {
	v, ok := f.Xattrs[key]
	return v, ok
}

// OnTape reports an archived file whose disk replicas are all gone.
func (f *FileMD) OnTape() bool {
	_, ok := f.Xattrs[proto.XattrArchiveFileID]
	return ok && len(f.Locations) == 0
}

func (f *FileMD) SetXattr(key, value string) {
	if f.Xattrs == nil {
		f.Xattrs = make(map[string]string)
	}
	f.Xattrs[key] = value
}

func (f *FileMD) Clone() *FileMD {
	c := *f
	c.Checksum = cloneBytes(f.Checksum)
	c.Locations = cloneFsids(f.Locations)
	c.Unlinked = cloneFsids(f.Unlinked)
	c.Xattrs = cloneMap(f.Xattrs)
	return &c
}

func (f *FileMD) String() string {
	return fmt.Sprintf("file(id=%d cid=%d name=%q size=%d layout=%#x locs=%v unlinked=%v)",
		f.ID, f.ContainerID, f.Name, f.Size, f.LayoutID, f.Locations, f.Unlinked)
}

func indexOf(list []proto.FsID, fsid proto.FsID) int {
	for i := range list {
		if list[i] == fsid {
			return i
		}
	}
	return -1
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneFsids(l []proto.FsID) []proto.FsID {
	if l == nil {
		return nil
	}
	return append([]proto.FsID(nil), l...)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
