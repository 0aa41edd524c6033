package fsck

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/master/transfer"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
)

// Repair fixes one finding. fsid names the replica the finding was about,
// zero if it concerns the file as a whole.
func (e *Engine) Repair(ctx context.Context, fid proto.FileID, fsid proto.FsID, kind Kind) error {
	var extra []proto.FsID
	if fsid != 0 {
		extra = append(extra, fsid)
	}
	return e.repair(ctx, fid, kind, extra)
}

func (e *Engine) repair(ctx context.Context, fid proto.FileID, kind Kind, extra []proto.FsID) (err error) {
	span := trace.SpanFromContextSafe(ctx)
	if err = e.limiter.Wait(ctx); err != nil {
		return err
	}

	result := "ok"
	defer func() {
		if err != nil {
			result = "failed"
			span.Warnf("repair %s of file %d failed: %s", kind, fid, err)
		}
		e.record(kind, result)
	}()

	st, err := e.collect(ctx, fid, extra...)
	if apierrors.Is(err, apierrors.ErrNotFound) && kind.replicaCount() && len(extra) > 0 {
		// replicas of a file the namespace no longer knows
		for _, fsid := range extra {
			if err = e.deleteReplica(ctx, fid, fsid); err != nil {
				return err
			}
		}
		span.Infof("deleted orphan replicas of file %d on fs %s", fid, fsidList(extra))
		return nil
	}
	if err != nil {
		return err
	}
	if st.layout.IsRain() {
		result = "noop"
		span.Infof("file %d has rain layout %s, left to the rewrite path", fid, st.layout)
		return nil
	}

	switch kind {
	case KindMgmSizeDiff, KindMgmChecksumDiff:
		return e.repairMgm(ctx, st, kind)
	case KindFstSizeDiff, KindFstChecksumDiff:
		return e.repairFst(ctx, st)
	case KindUnregisteredReplica, KindDifferingReplica, KindMissingReplica:
		return e.repairReplicas(ctx, st)
	default:
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "unknown kind %d", kind)
	}
}

// repairMgm takes the replicas as truth when they all agree and none of
// them matches the namespace record.
func (e *Engine) repairMgm(ctx context.Context, st *fileState, kind Kind) error {
	f := st.file
	var avail []*replica
	for _, r := range st.replicas {
		if r.registered && r.available() {
			avail = append(avail, r)
		}
	}
	if len(avail) == 0 {
		return apierrors.Wrapf(apierrors.ErrNotFound, "no replica of file %d could be read", f.ID)
	}
	for _, r := range avail {
		sizeMatch := r.info.DiskSize == f.Size
		cksumMatch := string(r.info.DiskChecksum) == string(f.Checksum)
		if (kind == KindMgmSizeDiff && sizeMatch) || (kind == KindMgmChecksumDiff && cksumMatch) {
			return apierrors.Wrapf(apierrors.ErrAmbiguous, "replica on fs %d of file %d matches the namespace", r.fsid, f.ID)
		}
	}
	ref := avail[0].info
	for _, r := range avail[1:] {
		if !r.info.Matches(ref.DiskSize, ref.DiskChecksum) {
			return apierrors.Wrapf(apierrors.ErrAmbiguous, "replicas of file %d on fs %d and fs %d differ", f.ID, avail[0].fsid, r.fsid)
		}
	}

	err := e.tree.UpdateFile(ctx, f.ID, func(n *md.FileMD) error {
		n.Size = ref.DiskSize
		n.Checksum = append([]byte(nil), ref.DiskChecksum...)
		if len(n.Checksum) == 0 {
			n.Checksum = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	trace.SpanFromContextSafe(ctx).Infof("file %d record set to size %d checksum %x from %d replicas",
		f.ID, ref.DiskSize, ref.DiskChecksum, len(avail))
	for _, r := range avail {
		e.updateReplicaMeta(ctx, f.ID, r.fsid, ref.DiskSize, ref.DiskChecksum)
	}
	return nil
}

// repairFst overwrites bad replicas with a copy of a good one.
func (e *Engine) repairFst(ctx context.Context, st *fileState) error {
	var good, bad []proto.FsID
	for _, r := range st.replicas {
		switch {
		case !r.registered || r.err != nil:
		case st.valid(r):
			good = append(good, r.fsid)
		default:
			bad = append(bad, r.fsid)
		}
	}
	if len(good) == 0 {
		return apierrors.Wrapf(apierrors.ErrCorrupted, "file %d has no replica matching its record", st.file.ID)
	}
	if len(bad) == 0 {
		return nil
	}
	return e.jobs.Submit(ctx, &transfer.Job{
		Fid:     st.file.ID,
		Kind:    transfer.KindRepair,
		Sources: good,
		Targets: bad,
		Tag:     "fsck",
	})
}

// repairReplicas reconciles the location list with the disks: absent
// locations are dropped, untrustworthy replicas discarded, surplus removed
// and missing replicas attached or copied.
func (e *Engine) repairReplicas(ctx context.Context, st *fileState) error {
	span := trace.SpanFromContextSafe(ctx)
	f := st.file

	anyValid := false
	for _, r := range st.replicas {
		if r.registered && r.err != nil {
			return r.err
		}
		if st.valid(r) {
			anyValid = true
		}
	}
	if !anyValid {
		if _, ok := f.Xattr(proto.XattrArchiveFileID); ok {
			return e.settleOnTape(ctx, st)
		}
		return apierrors.Wrapf(apierrors.ErrAmbiguous, "no replica of file %d matches its record", f.ID)
	}

	var validReg, validUnreg []*replica
	for _, r := range st.replicas {
		switch {
		case r.err != nil:
		case r.absent():
			if !r.registered {
				continue
			}
			span.Infof("drop absent location fs[%d] of file %d", r.fsid, f.ID)
			if err := e.tree.RemoveLocation(ctx, f.ID, r.fsid); err != nil {
				return err
			}
			if r.status == proto.ReplicaOK {
				e.deleteReplica(ctx, f.ID, r.fsid)
			}
		case !st.valid(r):
			span.Infof("discard replica fs[%d] of file %d: size %d checksum %x", r.fsid, f.ID, r.info.DiskSize, r.info.DiskChecksum)
			if err := e.dropReplica(ctx, f.ID, r); err != nil {
				return err
			}
		case r.registered:
			validReg = append(validReg, r)
		default:
			validUnreg = append(validUnreg, r)
		}
	}
	sort.Slice(validUnreg, func(i, j int) bool { return validUnreg[i].fsid < validUnreg[j].fsid })

	expected := st.layout.ExpectedReplicas()
	for surplus := len(validReg) + len(validUnreg) - expected; surplus > 0; surplus-- {
		var r *replica
		if len(validUnreg) > 0 {
			r, validUnreg = validUnreg[0], validUnreg[1:]
		} else {
			// locations are kept in registration order
			r, validReg = validReg[0], validReg[1:]
		}
		span.Infof("drop surplus replica fs[%d] of file %d", r.fsid, f.ID)
		if err := e.dropReplica(ctx, f.ID, r); err != nil {
			return err
		}
	}

	missing := expected - len(validReg)
	for ; missing > 0 && len(validUnreg) > 0; missing-- {
		r := validUnreg[0]
		validUnreg = validUnreg[1:]
		span.Infof("attach replica fs[%d] to file %d", r.fsid, f.ID)
		if err := e.tree.AddLocation(ctx, f.ID, r.fsid); err != nil {
			return err
		}
		validReg = append(validReg, r)
	}
	if missing <= 0 {
		return nil
	}
	sources := make([]proto.FsID, 0, len(validReg))
	for _, r := range validReg {
		sources = append(sources, r.fsid)
	}
	if len(sources) == 0 {
		return apierrors.Wrapf(apierrors.ErrNotFound, "file %d has no replica to copy from", f.ID)
	}
	span.Infof("schedule %d new replicas of file %d from fs %s", missing, f.ID, fsidList(sources))
	return e.jobs.Submit(ctx, &transfer.Job{
		Fid:     f.ID,
		Kind:    transfer.KindRepair,
		Sources: sources,
		Count:   missing,
		Tag:     "fsck",
	})
}

// settleOnTape finishes an interrupted eviction: an archived file without a
// usable disk replica is served from tape, so stale locations are dropped
// instead of copied.
func (e *Engine) settleOnTape(ctx context.Context, st *fileState) error {
	for _, r := range st.replicas {
		if !r.registered || r.err != nil {
			continue
		}
		trace.SpanFromContextSafe(ctx).Infof("drop location fs[%d] of archived file %d", r.fsid, st.file.ID)
		var err error
		if r.absent() {
			err = e.tree.RemoveLocation(ctx, st.file.ID, r.fsid)
		} else {
			err = e.dropReplica(ctx, st.file.ID, r)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// dropReplica deletes a replica, registered ones are unlinked first and
// removed from the namespace once the node deleted them.
func (e *Engine) dropReplica(ctx context.Context, fid proto.FileID, r *replica) error {
	if !r.registered {
		return e.deleteReplica(ctx, fid, r.fsid)
	}
	if err := e.tree.UnlinkLocation(ctx, fid, r.fsid); err != nil {
		return err
	}
	if err := e.deleteReplica(ctx, fid, r.fsid); err != nil {
		return err
	}
	return e.tree.RemoveLocation(ctx, fid, r.fsid)
}

func (e *Engine) deleteReplica(ctx context.Context, fid proto.FileID, fsid proto.FsID) error {
	n, err := e.placement.NodeForFs(ctx, fsid)
	if err == nil {
		err = e.nodes.DeleteReplica(ctx, n.GrpcAddr, fid, fsid)
	}
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("delete replica %d on fs[%d] failed: %s", fid, fsid, err)
	}
	return err
}

func (e *Engine) updateReplicaMeta(ctx context.Context, fid proto.FileID, fsid proto.FsID, size uint64, checksum []byte) {
	n, err := e.placement.NodeForFs(ctx, fsid)
	if err == nil {
		err = e.nodes.UpdateReplicaMeta(ctx, n.GrpcAddr, &transport.UpdateReplicaMetaArgs{
			Fid: fid, Fsid: fsid, MgmSize: size, MgmChecksum: checksum,
		})
	}
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("update meta of replica %d on fs[%d] failed: %s", fid, fsid, err)
	}
}

type RepairResult struct {
	Files    int                     `json:"files"`
	Repaired int                     `json:"repaired"`
	Failed   int                     `json:"failed"`
	Errors   map[proto.FileID]string `json:"errors,omitempty"`
}

// RepairAll works through a report. Replica count findings of one file are
// repaired together, failures are recorded and do not stop the batch.
func (e *Engine) RepairAll(ctx context.Context, report *Report) *RepairResult {
	type key struct {
		fid  proto.FileID
		kind Kind
	}
	extras := make(map[key][]proto.FsID)
	var order []key
	for _, item := range report.Items() {
		k := key{fid: item.Fid, kind: item.Kind}
		if item.Kind.replicaCount() {
			k.kind = KindDifferingReplica
		}
		if _, ok := extras[k]; !ok {
			order = append(order, k)
		}
		extras[k] = append(extras[k], item.Fsid)
	}

	ret := &RepairResult{Errors: make(map[proto.FileID]string)}
	for _, k := range order {
		if ctx.Err() != nil {
			break
		}
		ret.Files++
		if err := e.repair(ctx, k.fid, k.kind, extras[k]); err != nil {
			ret.Failed++
			ret.Errors[k.fid] = err.Error()
			continue
		}
		ret.Repaired++
	}
	return ret
}
