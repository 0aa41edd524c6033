package proto

const (
	ReqIdKey = "req-id"

	// RootUid and RootGid identify the superuser; DaemonUid is the service identity.
	RootUid   = uint32(0)
	RootGid   = uint32(0)
	DaemonUid = uint32(2)
	DaemonGid = uint32(2)
)

type (
	FileID      = uint64
	ContainerID = uint64
	FsID        = uint32
	NodeID      = uint32
	JobID       = string
)

// Well known extended attributes.
const (
	XattrMTimePropagation = "sys.mtime.propagation"
	XattrArchiveFileID    = "sys.archive.file_id"
	XattrSpace            = "sys.forced.space"
)

// Identity is the caller of a namespace or console operation.
type Identity struct {
	Uid  uint32 `json:"uid"`
	Gid  uint32 `json:"gid"`
	Name string `json:"name"`
	Host string `json:"host"`
}

func (id Identity) IsRoot() bool {
	return id.Uid == RootUid
}

func RootIdentity() Identity {
	return Identity{Uid: RootUid, Gid: RootGid, Name: "root"}
}
