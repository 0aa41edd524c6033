package md

import (
	"fmt"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

const (
	containerFieldID       = 1
	containerFieldParentID = 2
	containerFieldName     = 3
	containerFieldUid      = 4
	containerFieldGid      = 5
	containerFieldMode     = 6
	containerFieldFlags    = 7
	containerFieldCTime    = 8
	containerFieldMTime    = 9
	containerFieldTMTime   = 10
	containerFieldTreeSize = 11
	containerFieldXattr    = 12
)

// RootID is the id of the root container, whose parent is itself.
const RootID proto.ContainerID = 1

type ContainerMD struct {
	ID       proto.ContainerID `json:"id"`
	ParentID proto.ContainerID `json:"pid"`
	Name     string            `json:"name"`
	Uid      uint32            `json:"uid"`
	Gid      uint32            `json:"gid"`
	Mode     uint32            `json:"mode"`
	Flags    uint32            `json:"flags"`
	CTime    util.Timespec     `json:"ctime"`
	MTime    util.Timespec     `json:"mtime"`
	// TMTime is the sync time, the latest mtime of anything below.
	TMTime   util.Timespec     `json:"tmtime"`
	TreeSize uint64            `json:"tree_size"`
	Xattrs   map[string]string `json:"xattrs,omitempty"`
}

func (c *ContainerMD) Serialize() []byte {
	b := make([]byte, 0, 64+len(c.Name))
	b = appendVarint(b, containerFieldID, c.ID)
	b = appendVarint(b, containerFieldParentID, c.ParentID)
	b = appendString(b, containerFieldName, c.Name)
	b = appendVarint(b, containerFieldUid, uint64(c.Uid))
	b = appendVarint(b, containerFieldGid, uint64(c.Gid))
	b = appendVarint(b, containerFieldMode, uint64(c.Mode))
	b = appendVarint(b, containerFieldFlags, uint64(c.Flags))
	b = appendTimespec(b, containerFieldCTime, c.CTime)
	b = appendTimespec(b, containerFieldMTime, c.MTime)
	b = appendTimespec(b, containerFieldTMTime, c.TMTime)
	b = appendVarint(b, containerFieldTreeSize, c.TreeSize)
	b = appendXattrs(b, containerFieldXattr, c.Xattrs)
	return b
}

// Deserialize replaces c with the record in buf. On error c is left untouched.
func (c *ContainerMD) Deserialize(buf []byte) error {
	var tmp ContainerMD
	d := decoder{b: buf}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch num {
		case containerFieldID:
			tmp.ID = d.varint(typ)
		case containerFieldParentID:
			tmp.ParentID = d.varint(typ)
		case containerFieldName:
			tmp.Name = string(d.bytes(typ))
		case containerFieldUid:
			tmp.Uid = uint32(d.varint(typ))
		case containerFieldGid:
			tmp.Gid = uint32(d.varint(typ))
		case containerFieldMode:
			tmp.Mode = uint32(d.varint(typ))
		case containerFieldFlags:
			tmp.Flags = uint32(d.varint(typ))
		case containerFieldCTime:
			tmp.CTime = d.timespec(typ)
		case containerFieldMTime:
			tmp.MTime = d.timespec(typ)
		case containerFieldTMTime:
			tmp.TMTime = d.timespec(typ)
		case containerFieldTreeSize:
			tmp.TreeSize = d.varint(typ)
		case containerFieldXattr:
			tmp.Xattrs = d.xattr(typ, tmp.Xattrs)
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return d.err
	}
	if tmp.ID == 0 || tmp.ParentID == 0 {
		return apierrors.Wrapf(apierrors.ErrCorrupted, "container without id or parent")
	}
	*c = tmp
	return nil
}

func (c *ContainerMD) IsRoot() bool {
	return c.ID == RootID
}

func (c *ContainerMD) Xattr(key string) (string, bool) {
	v, ok := c.Xattrs[key]
	return v, ok
}

func (c *ContainerMD) SetXattr(key, value string) {
	if c.Xattrs == nil {
		c.Xattrs = make(map[string]string)
	}
	c.Xattrs[key] = value
}

func (c *ContainerMD) RemoveXattr(key string) {
	delete(c.Xattrs, key)
	if len(c.Xattrs) == 0 {
		c.Xattrs = nil
	}
}

func (c *ContainerMD) Clone() *ContainerMD {
	n := *c
	n.Xattrs = cloneMap(c.Xattrs)
	return &n
}

func (c *ContainerMD) String() string {
	return fmt.Sprintf("container(id=%d pid=%d name=%q mode=%o)", c.ID, c.ParentID, c.Name, c.Mode)
}
