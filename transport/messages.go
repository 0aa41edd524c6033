package transport

import (
	"github.com/cubefs/dsmeta/proto"
)

type Empty struct{}

type ReplicaArgs struct {
	Fid  proto.FileID `json:"fid"`
	Fsid proto.FsID   `json:"fsid"`
}

// StageRemoveArgs carries the caller, only root may drop a replica whose
// data lives on tape.
type StageRemoveArgs struct {
	Fid  proto.FileID `json:"fid"`
	Fsid proto.FsID   `json:"fsid"`
	Uid  uint32       `json:"uid"`
	Gid  uint32       `json:"gid"`
}

type ListReplicasArgs struct {
	Fsid   proto.FsID   `json:"fsid"`
	Marker proto.FileID `json:"marker"`
	Count  int          `json:"count"`
}

type ListReplicasRet struct {
	Replicas []proto.ReplicaInfo `json:"replicas"`
	// Next is the marker of the following page, zero at the end.
	Next proto.FileID `json:"next"`
}

type ReadReplicaArgs struct {
	Fid    proto.FileID `json:"fid"`
	Fsid   proto.FsID   `json:"fsid"`
	Offset int64        `json:"offset"`
	Size   int64        `json:"size"`
}

type ReadReplicaRet struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

// WriteReplicaArgs writes a whole replica, Checksum of the layout's
// checksum type is verified before the replica is committed.
type WriteReplicaArgs struct {
	Fid      proto.FileID   `json:"fid"`
	Fsid     proto.FsID     `json:"fsid"`
	LayoutID proto.LayoutID `json:"layout_id"`
	Data     []byte         `json:"data"`
	Checksum []byte         `json:"checksum,omitempty"`
}

// CopyReplicaArgs makes the receiving node pull a replica from a peer.
type CopyReplicaArgs struct {
	Fid      proto.FileID   `json:"fid"`
	LayoutID proto.LayoutID `json:"layout_id"`
	SrcFsid  proto.FsID     `json:"src_fsid"`
	SrcAddr  string         `json:"src_addr"`
	DstFsid  proto.FsID     `json:"dst_fsid"`
	// MgmSize and MgmChecksum are the namespace's view, stored with the copy.
	MgmSize     uint64 `json:"mgm_size"`
	MgmChecksum []byte `json:"mgm_checksum,omitempty"`
}

type UpdateReplicaMetaArgs struct {
	Fid         proto.FileID `json:"fid"`
	Fsid        proto.FsID   `json:"fsid"`
	MgmSize     uint64       `json:"mgm_size"`
	MgmChecksum []byte       `json:"mgm_checksum,omitempty"`
}

type StatFsArgs struct {
	Fsid proto.FsID `json:"fsid"`
}
