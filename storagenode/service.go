package storagenode

import (
	"bytes"
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/dsmeta/common/checksum"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
)

const (
	copyChunkSize    = 4 << 20
	defaultListCount = 1000
	maxListCount     = 10000
)

var _ transport.NodeServer = (*Node)(nil)

func (n *Node) getFs(fsid proto.FsID) (*fileSystem, error) {
	f, ok := n.fss[fsid]
	if !ok {
		return nil, apierrors.Wrapf(apierrors.ErrFsNotExist, "fs %d is not on node %d", fsid, n.nodeId)
	}
	return f, nil
}

// StatReplica measures the replica on disk and refreshes its metadata.
func (n *Node) StatReplica(ctx context.Context, args *transport.ReplicaArgs) (*proto.ReplicaStat, error) {
	f, err := n.getFs(args.Fsid)
	if err != nil {
		return nil, err
	}
	unlock := n.lockReplica(args.Fid, args.Fsid)
	defer unlock()

	m, err := n.store.Get(ctx, args.Fsid, args.Fid)
	if err != nil {
		if apierrors.Is(err, apierrors.ErrNotFound) {
			return &proto.ReplicaStat{Status: proto.ReplicaNotFound}, nil
		}
		return nil, err
	}
	layout, err := proto.DecodeLayout(m.LayoutID)
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "layout of %d: %s", args.Fid, err)
	}

	info := m.Info
	info.LayoutError &^= proto.LayoutErrMissing | proto.LayoutErrChecksum
	data, err := f.read(args.Fid)
	switch {
	case apierrors.Is(err, apierrors.ErrNotFound):
		info.LayoutError |= proto.LayoutErrMissing
		info.DiskSize = 0
		info.DiskChecksum = nil
	case err != nil:
		return nil, err
	default:
		sum, err := checksum.Sum(layout.Checksum, data)
		if err != nil {
			return nil, err
		}
		info.DiskSize = uint64(len(data))
		info.DiskChecksum = sum
		if len(info.Checksum) > 0 && !bytes.Equal(info.Checksum, sum) {
			info.LayoutError |= proto.LayoutErrChecksum
		}
	}

	if info.DiskSize != m.Info.DiskSize || !bytes.Equal(info.DiskChecksum, m.Info.DiskChecksum) ||
		info.LayoutError != m.Info.LayoutError {
		m.Info = info
		if err = n.store.Put(ctx, m); err != nil {
			return nil, err
		}
	}
	return &proto.ReplicaStat{Status: proto.ReplicaOK, Info: info}, nil
}

func (n *Node) ListReplicas(ctx context.Context, args *transport.ListReplicasArgs) (*transport.ListReplicasRet, error) {
	if _, err := n.getFs(args.Fsid); err != nil {
		return nil, err
	}
	count := args.Count
	if count <= 0 {
		count = defaultListCount
	}
	if count > maxListCount {
		count = maxListCount
	}
	fmds, next, err := n.store.List(ctx, args.Fsid, args.Marker, count)
	if err != nil {
		return nil, err
	}
	ret := &transport.ListReplicasRet{Replicas: make([]proto.ReplicaInfo, 0, len(fmds)), Next: next}
	for _, m := range fmds {
		ret.Replicas = append(ret.Replicas, m.Info)
	}
	return ret, nil
}

func (n *Node) ReadReplica(ctx context.Context, args *transport.ReadReplicaArgs) (*transport.ReadReplicaRet, error) {
	f, err := n.getFs(args.Fsid)
	if err != nil {
		return nil, err
	}
	if args.Offset < 0 {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "negative offset %d", args.Offset)
	}
	data, err := f.read(args.Fid)
	if err != nil {
		return nil, err
	}
	if args.Offset >= int64(len(data)) {
		return &transport.ReadReplicaRet{EOF: true}, nil
	}
	end := int64(len(data))
	if args.Size > 0 && args.Offset+args.Size < end {
		end = args.Offset + args.Size
	}
	return &transport.ReadReplicaRet{Data: data[args.Offset:end], EOF: end == int64(len(data))}, nil
}

// WriteReplica stores a whole replica after verifying its checksum.
func (n *Node) WriteReplica(ctx context.Context, args *transport.WriteReplicaArgs) (*transport.Empty, error) {
	f, err := n.getFs(args.Fsid)
	if err != nil {
		return nil, err
	}
	layout, err := proto.DecodeLayout(args.LayoutID)
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "layout %d: %s", args.LayoutID, err)
	}
	sum, err := checksum.Sum(layout.Checksum, args.Data)
	if err != nil {
		return nil, err
	}
	if len(args.Checksum) > 0 && !bytes.Equal(sum, args.Checksum) {
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "replica %d checksum %x, expected %x", args.Fid, sum, args.Checksum)
	}

	unlock := n.lockReplica(args.Fid, args.Fsid)
	defer unlock()
	m, err := n.store.Get(ctx, args.Fsid, args.Fid)
	if err != nil {
		if !apierrors.Is(err, apierrors.ErrNotFound) {
			return nil, err
		}
		m = &fmd{Info: proto.ReplicaInfo{Fid: args.Fid, Fsid: args.Fsid}}
	}
	if err = f.write(args.Fid, args.Data); err != nil {
		return nil, err
	}
	m.LayoutID = args.LayoutID
	m.Info.Size = uint64(len(args.Data))
	m.Info.DiskSize = m.Info.Size
	m.Info.Checksum = sum
	m.Info.DiskChecksum = sum
	m.Info.MTime = time.Now().Unix()
	m.Info.LayoutError = proto.LayoutErrNone
	return &transport.Empty{}, n.store.Put(ctx, m)
}

// CopyReplica pulls the replica from a peer node into the local fs.
func (n *Node) CopyReplica(ctx context.Context, args *transport.CopyReplicaArgs) (*transport.Empty, error) {
	span := trace.SpanFromContextSafe(ctx)
	f, err := n.getFs(args.DstFsid)
	if err != nil {
		return nil, err
	}
	layout, err := proto.DecodeLayout(args.LayoutID)
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "layout %d: %s", args.LayoutID, err)
	}

	var buf bytes.Buffer
	for off := int64(0); ; {
		ret, err := n.peers.ReadReplica(ctx, args.SrcAddr, &transport.ReadReplicaArgs{
			Fid: args.Fid, Fsid: args.SrcFsid, Offset: off, Size: copyChunkSize,
		})
		if err != nil {
			span.Warnf("pull replica %d from fs[%d] at %s failed: %s", args.Fid, args.SrcFsid, args.SrcAddr, err)
			return nil, err
		}
		buf.Write(ret.Data)
		off += int64(len(ret.Data))
		if ret.EOF {
			break
		}
		if len(ret.Data) == 0 {
			return nil, apierrors.Wrapf(apierrors.ErrIO, "short read of replica %d at %d", args.Fid, off)
		}
	}

	data := buf.Bytes()
	sum, err := checksum.Sum(layout.Checksum, data)
	if err != nil {
		return nil, err
	}
	if len(args.MgmChecksum) > 0 && !bytes.Equal(sum, args.MgmChecksum) {
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "source replica %d on fs[%d] has checksum %x, expected %x",
			args.Fid, args.SrcFsid, sum, args.MgmChecksum)
	}

	unlock := n.lockReplica(args.Fid, args.DstFsid)
	defer unlock()
	if err = f.write(args.Fid, data); err != nil {
		return nil, err
	}
	m := &fmd{
		LayoutID: args.LayoutID,
		Info: proto.ReplicaInfo{
			Fid:          args.Fid,
			Fsid:         args.DstFsid,
			Size:         uint64(len(data)),
			DiskSize:     uint64(len(data)),
			Checksum:     sum,
			DiskChecksum: sum,
			MgmSize:      args.MgmSize,
			MgmChecksum:  args.MgmChecksum,
			MTime:        time.Now().Unix(),
		},
	}
	if err = n.store.Put(ctx, m); err != nil {
		return nil, err
	}
	span.Debugf("copied replica %d from fs[%d] to fs[%d], %d bytes", args.Fid, args.SrcFsid, args.DstFsid, len(data))
	return &transport.Empty{}, nil
}

// DeleteReplica removes data and metadata, a missing replica is not an error.
func (n *Node) DeleteReplica(ctx context.Context, args *transport.ReplicaArgs) (*transport.Empty, error) {
	f, err := n.getFs(args.Fsid)
	if err != nil {
		return nil, err
	}
	unlock := n.lockReplica(args.Fid, args.Fsid)
	defer unlock()
	return &transport.Empty{}, n.deleteLocked(ctx, f, args.Fid)
}

// StageRemove drops the disk copy of a file whose data lives on tape. The
// replica has to be known to the node and the caller has to be root.
func (n *Node) StageRemove(ctx context.Context, args *transport.StageRemoveArgs) (*transport.Empty, error) {
	if args.Uid != proto.RootUid {
		return nil, apierrors.Wrapf(apierrors.ErrPermission, "stage remove of %d by uid %d", args.Fid, args.Uid)
	}
	f, err := n.getFs(args.Fsid)
	if err != nil {
		return nil, err
	}
	unlock := n.lockReplica(args.Fid, args.Fsid)
	defer unlock()
	if _, err = n.store.Get(ctx, args.Fsid, args.Fid); err != nil {
		return nil, err
	}
	trace.SpanFromContextSafe(ctx).Infof("stage remove replica %d on fs[%d] by %d:%d", args.Fid, args.Fsid, args.Uid, args.Gid)
	return &transport.Empty{}, n.deleteLocked(ctx, f, args.Fid)
}

func (n *Node) deleteLocked(ctx context.Context, f *fileSystem, fid proto.FileID) error {
	if err := f.remove(fid); err != nil {
		return err
	}
	err := n.store.Delete(ctx, f.fsid, fid)
	if err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
		return err
	}
	return nil
}

func (n *Node) UpdateReplicaMeta(ctx context.Context, args *transport.UpdateReplicaMetaArgs) (*transport.Empty, error) {
	if _, err := n.getFs(args.Fsid); err != nil {
		return nil, err
	}
	unlock := n.lockReplica(args.Fid, args.Fsid)
	defer unlock()
	m, err := n.store.Get(ctx, args.Fsid, args.Fid)
	if err != nil {
		return nil, err
	}
	m.Info.MgmSize = args.MgmSize
	m.Info.MgmChecksum = args.MgmChecksum
	return &transport.Empty{}, n.store.Put(ctx, m)
}

func (n *Node) StatFs(ctx context.Context, args *transport.StatFsArgs) (*proto.FsStat, error) {
	return n.statFs(ctx, args.Fsid)
}

func (n *Node) statFs(ctx context.Context, fsid proto.FsID) (*proto.FsStat, error) {
	f, err := n.getFs(fsid)
	if err != nil {
		return nil, err
	}
	capacity, used, err := f.statfs()
	if err != nil {
		return nil, apierrors.Wrapf(apierrors.ErrIO, "statfs %s: %s", f.cfg.Path, err)
	}
	files, err := n.store.Count(ctx, fsid)
	if err != nil {
		return nil, err
	}
	return &proto.FsStat{Fsid: fsid, Capacity: capacity, Used: used, Files: files}, nil
}
