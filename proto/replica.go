package proto

import "fmt"

type ReplicaStatus uint8

const (
	ReplicaOK ReplicaStatus = iota
	ReplicaNotFound
	ReplicaNoContact
)

func (s ReplicaStatus) String() string {
	switch s {
	case ReplicaOK:
		return "ok"
	case ReplicaNotFound:
		return "not_found"
	case ReplicaNoContact:
		return "no_contact"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// layout error flags reported by storage nodes for a replica
const (
	LayoutErrNone        uint32 = 0
	LayoutErrMissing     uint32 = 1 << 0
	LayoutErrUnregistred uint32 = 1 << 1
	LayoutErrChecksum    uint32 = 1 << 2
)

// ReplicaInfo is the per-replica metadata kept by a storage node. Size and
// Checksum are what the node was told at commit time, DiskSize and
// DiskChecksum are what it last measured on disk.
type ReplicaInfo struct {
	Fid          FileID `json:"fid" cbor:"1,keyasint"`
	Fsid         FsID   `json:"fsid" cbor:"2,keyasint"`
	Size         uint64 `json:"size" cbor:"3,keyasint"`
	DiskSize     uint64 `json:"disk_size" cbor:"4,keyasint"`
	Checksum     []byte `json:"checksum,omitempty" cbor:"5,keyasint,omitempty"`
	DiskChecksum []byte `json:"disk_checksum,omitempty" cbor:"6,keyasint,omitempty"`
	MgmSize      uint64 `json:"mgm_size" cbor:"7,keyasint"`
	MgmChecksum  []byte `json:"mgm_checksum,omitempty" cbor:"8,keyasint,omitempty"`
	MTime        int64  `json:"mtime" cbor:"9,keyasint"`
	LayoutError  uint32 `json:"layout_error" cbor:"10,keyasint"`
}

// ReplicaStat is the answer to a replica lookup.
type ReplicaStat struct {
	Status ReplicaStatus `json:"status"`
	Info   ReplicaInfo   `json:"info"`
}

// Consistent reports whether the replica's own disk view agrees with what it was committed with.
func (r *ReplicaInfo) Consistent() bool {
	return r.Size == r.DiskSize && (len(r.DiskChecksum) == 0 || string(r.Checksum) == string(r.DiskChecksum))
}

// Matches reports whether the replica's disk view agrees with the given reference.
func (r *ReplicaInfo) Matches(size uint64, checksum []byte) bool {
	return r.DiskSize == size && string(r.DiskChecksum) == string(checksum)
}
