package transfer

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/namespace"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
	"github.com/cubefs/dsmeta/util/limiter"
)

// Placement is the part of the cluster view jobs need.
type Placement interface {
	GetFs(ctx context.Context, fsid proto.FsID) (*cluster.FsInfo, error)
	NodeForFs(ctx context.Context, fsid proto.FsID) (*cluster.NodeInfo, error)
	PlaceReplicas(ctx context.Context, args *cluster.AllocArgs) ([]*cluster.FsInfo, error)
}

type replicaExecutor struct {
	tree      *namespace.Tree
	placement Placement
	nodes     transport.NodeClient
	limiter   limiter.Limiter
}

type ExecutorOption func(e *replicaExecutor)

// WithLimiter throttles replica copies, limits may change at runtime.
func WithLimiter(lim limiter.Limiter) ExecutorOption {
	return func(e *replicaExecutor) { e.limiter = lim }
}

// NewExecutor copies replicas between storage nodes and records the new
// locations in tree.
func NewExecutor(tree *namespace.Tree, placement Placement, nodes transport.NodeClient, opts ...ExecutorOption) Executor {
	e := &replicaExecutor{tree: tree, placement: placement, nodes: nodes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *replicaExecutor) Execute(ctx context.Context, job *Job) error {
	span := trace.SpanFromContextSafe(ctx)

	f, err := e.tree.GetFile(job.Fid)
	if err != nil {
		return err
	}
	if f.IsUnlinked() {
		return apierrors.Wrapf(apierrors.ErrNotFound, "file %d is deleted", job.Fid)
	}
	if f.Layout().IsRain() {
		return apierrors.Wrapf(apierrors.ErrNotSupported, "file %d has a rain layout", job.Fid)
	}
	if job.DropSource && !f.HasLocation(job.Sources[0]) {
		return apierrors.Wrapf(apierrors.ErrNotFound, "fs %d is no location of file %d", job.Sources[0], job.Fid)
	}

	targets := job.Targets
	if len(targets) == 0 {
		if targets, err = e.allocate(ctx, job, f); err != nil {
			return err
		}
		job.lock.Lock()
		job.Targets = targets
		job.lock.Unlock()
	}

	for _, target := range targets {
		if job.Cancelled() {
			return apierrors.ErrStopped
		}
		if err = e.copy(ctx, job, f, target); err != nil {
			return err
		}
		if job.Cancelled() {
			e.deleteReplica(ctx, job.Fid, target)
			return apierrors.ErrStopped
		}
		if err = e.commit(ctx, job, target); err != nil {
			return err
		}
		span.Debugf("file %d replica on fs[%d] committed", job.Fid, target)
	}
	return nil
}

// allocate places Count new replicas in the group of the first source.
func (e *replicaExecutor) allocate(ctx context.Context, job *Job, f *md.FileMD) ([]proto.FsID, error) {
	src, err := e.placement.GetFs(ctx, job.Sources[0])
	if err != nil {
		return nil, err
	}
	count := job.Count
	if count <= 0 {
		count = 1
	}
	args := &cluster.AllocArgs{Space: src.Space, Group: src.Group, Count: count}
	args.ExcludeFs = append(args.ExcludeFs, job.ExcludeFs...)
	args.ExcludeFs = append(args.ExcludeFs, f.Locations...)
	args.ExcludeFs = append(args.ExcludeFs, f.Unlinked...)
	for _, fsid := range f.Locations {
		if job.DropSource && fsid == job.Sources[0] {
			continue
		}
		if n, err := e.placement.NodeForFs(ctx, fsid); err == nil {
			args.ExcludeNodes = append(args.ExcludeNodes, n.Id)
		}
	}
	fss, err := e.placement.PlaceReplicas(ctx, args)
	if err != nil {
		return nil, err
	}
	ret := make([]proto.FsID, 0, len(fss))
	for _, fs := range fss {
		ret = append(ret, fs.Fsid)
	}
	return ret, nil
}

func (e *replicaExecutor) copy(ctx context.Context, job *Job, f *md.FileMD, target proto.FsID) error {
	dst, err := e.placement.NodeForFs(ctx, target)
	if err != nil {
		return err
	}
	if e.limiter != nil {
		if err = e.limiter.Wait(ctx); err != nil {
			return err
		}
		if err = e.limiter.Acquire(); err != nil {
			return apierrors.Wrapf(apierrors.ErrBusy, "copy of file %d: %s", job.Fid, err)
		}
		defer e.limiter.Release()
	}
	var lastErr error
	for _, source := range job.Sources {
		src, err := e.placement.NodeForFs(ctx, source)
		if err != nil {
			lastErr = err
			continue
		}
		err = e.nodes.CopyReplica(ctx, dst.GrpcAddr, &transport.CopyReplicaArgs{
			Fid:         job.Fid,
			LayoutID:    f.LayoutID,
			SrcFsid:     source,
			SrcAddr:     src.GrpcAddr,
			DstFsid:     target,
			MgmSize:     f.Size,
			MgmChecksum: f.Checksum,
		})
		if err == nil {
			return nil
		}
		trace.SpanFromContextSafe(ctx).Warnf("copy %d from fs[%d] to fs[%d] failed: %s", job.Fid, source, target, err)
		lastErr = err
	}
	return lastErr
}

// commit records target in the namespace. A move replaces the source in
// place and deletes its replica.
func (e *replicaExecutor) commit(ctx context.Context, job *Job, target proto.FsID) error {
	f, err := e.tree.GetFile(job.Fid)
	if err != nil {
		e.deleteReplica(ctx, job.Fid, target)
		return err
	}
	if !job.DropSource {
		if f.HasLocation(target) {
			return nil
		}
		return e.tree.AddLocation(ctx, job.Fid, target)
	}

	source := job.Sources[0]
	index := -1
	for i, fsid := range f.Locations {
		if fsid == source {
			index = i
			break
		}
	}
	switch {
	case index >= 0:
		if _, err = e.tree.ReplaceLocation(ctx, job.Fid, index, target); err != nil {
			return err
		}
	case !f.HasLocation(target):
		if err = e.tree.AddLocation(ctx, job.Fid, target); err != nil {
			return err
		}
	}
	e.deleteReplica(ctx, job.Fid, source)
	return nil
}

// deleteReplica is best effort, a leftover replica shows up as unregistered
// in the next check.
func (e *replicaExecutor) deleteReplica(ctx context.Context, fid proto.FileID, fsid proto.FsID) {
	n, err := e.placement.NodeForFs(ctx, fsid)
	if err == nil {
		err = e.nodes.DeleteReplica(ctx, n.GrpcAddr, fid, fsid)
	}
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("delete replica %d on fs[%d] failed: %s", fid, fsid, err)
	}
}
