package namespace

import (
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/proto"
)

// access flags, same values as R_OK, W_OK and X_OK
const (
	AccessX uint32 = 1
	AccessW uint32 = 2
	AccessR uint32 = 4
)

// AccessMode evaluates flags against POSIX mode bits owned by (ownerUid,
// ownerGid). The first matching class decides, owner then group then other.
// Root is always allowed and the daemon identity may always read.
func AccessMode(mode, ownerUid, ownerGid, uid, gid, flags uint32) bool {
	if uid == proto.RootUid {
		return true
	}
	flags &= AccessR | AccessW | AccessX
	if uid == proto.DaemonUid && flags&^AccessR == 0 {
		return true
	}

	var bits uint32
	switch {
	case uid == ownerUid:
		bits = (mode >> 6) & 7
	case gid == ownerGid:
		bits = (mode >> 3) & 7
	default:
		bits = mode & 7
	}
	return bits&flags == flags
}

func Access(c *md.ContainerMD, uid, gid, flags uint32) bool {
	return AccessMode(c.Mode, c.Uid, c.Gid, uid, gid, flags)
}

func FileAccess(f *md.FileMD, uid, gid, flags uint32) bool {
	return AccessMode(f.Flags, f.Uid, f.Gid, uid, gid, flags)
}
