package storagenode

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cubefs/dsmeta/common/codec"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
)

const tmpSuffix = ".tmp"

type FsConfig struct {
	Path  string `json:"path" validate:"required"`
	Group string `json:"group" validate:"required"`
	Space string `json:"space" validate:"required"`
}

// fileSystem stores replica data as one file per fid below its root. With a
// codec the files hold compressed frames.
type fileSystem struct {
	fsid  proto.FsID
	cfg   FsConfig
	codec *codec.Codec
}

func (f *fileSystem) replicaPath(fid proto.FileID) string {
	return filepath.Join(f.cfg.Path, fmt.Sprintf("%016x", fid))
}

// write replaces the replica of fid atomically.
func (f *fileSystem) write(fid proto.FileID, data []byte) error {
	payload := data
	if f.codec != nil {
		payload = f.codec.Compress(data)
	}
	name := f.replicaPath(fid)
	tmp := name + tmpSuffix
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return apierrors.Wrapf(apierrors.ErrIO, "write %s: %s", tmp, err)
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return apierrors.Wrapf(apierrors.ErrIO, "rename %s: %s", tmp, err)
	}
	return nil
}

func (f *fileSystem) read(fid proto.FileID) ([]byte, error) {
	payload, err := os.ReadFile(f.replicaPath(fid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.ErrNotFound
		}
		return nil, apierrors.Wrapf(apierrors.ErrIO, "read replica %d: %s", fid, err)
	}
	if f.codec == nil {
		return payload, nil
	}
	return f.codec.Decompress(payload)
}

func (f *fileSystem) remove(fid proto.FileID) error {
	if err := os.Remove(f.replicaPath(fid)); err != nil && !os.IsNotExist(err) {
		return apierrors.Wrapf(apierrors.ErrIO, "remove replica %d: %s", fid, err)
	}
	return nil
}

func (f *fileSystem) statfs() (capacity, used uint64, err error) {
	var st syscall.Statfs_t
	if err = syscall.Statfs(f.cfg.Path, &st); err != nil {
		return 0, 0, err
	}
	capacity = st.Blocks * uint64(st.Bsize)
	used = capacity - st.Bavail*uint64(st.Bsize)
	return capacity, used, nil
}
