package fsck

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
)

// Scan compares the replica listings of all booted file systems with the
// namespace and returns what it found. Unreachable nodes are skipped.
func (e *Engine) Scan(ctx context.Context) (*Report, error) {
	span := trace.SpanFromContextSafe(ctx)
	fss, err := e.placement.ListFs(ctx, "")
	if err != nil {
		return nil, err
	}

	report := NewReport()
	for _, fs := range fss {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !fs.Booted {
			continue
		}
		if err := e.scanFs(ctx, fs, report); err != nil {
			span.Warnf("scan fs[%d] failed: %s", fs.Fsid, err)
		}
	}

	e.tree.RangeFiles(func(f *md.FileMD) bool {
		if f.IsUnlinked() || f.OnTape() {
			return true
		}
		if l := f.Layout(); !l.IsRain() && len(f.Locations) != l.ExpectedReplicas() {
			report.Add(KindDifferingReplica, 0, f.ID)
		}
		return true
	})
	for _, fid := range e.view.GetNoReplicaFiles() {
		if f, err := e.tree.GetFile(fid); err == nil && f.OnTape() {
			continue
		}
		report.Add(KindMissingReplica, 0, fid)
	}

	e.lock.Lock()
	e.stats.Scans++
	e.stats.LastScan = time.Now()
	e.lastReport = report
	e.lock.Unlock()
	span.Infof("fsck scan of %d file systems done, %d findings", len(fss), len(report.Items()))
	return report, nil
}

func (e *Engine) scanFs(ctx context.Context, fs *cluster.FsInfo, report *Report) error {
	n, err := e.placement.NodeForFs(ctx, fs.Fsid)
	if err != nil {
		return err
	}
	seen := make(map[proto.FileID]struct{})
	marker := proto.FileID(0)
	for {
		ret, err := e.nodes.ListReplicas(ctx, n.GrpcAddr, &transport.ListReplicasArgs{
			Fsid: fs.Fsid, Marker: marker, Count: e.cfg.ListPageSize,
		})
		if err != nil {
			return err
		}
		for i := range ret.Replicas {
			r := &ret.Replicas[i]
			seen[r.Fid] = struct{}{}
			f, err := e.tree.GetFile(r.Fid)
			if err != nil || !f.HasLocation(fs.Fsid) {
				report.Add(KindUnregisteredReplica, fs.Fsid, r.Fid)
				continue
			}
			classifyListed(report, f, r)
		}
		if ret.Next == 0 {
			break
		}
		marker = ret.Next
	}

	for _, fid := range e.view.GetLocations(fs.Fsid) {
		if _, ok := seen[fid]; !ok {
			report.Add(KindMissingReplica, fs.Fsid, fid)
		}
	}
	return nil
}

// classifyListed checks what a node last measured against the record.
func classifyListed(report *Report, f *md.FileMD, r *proto.ReplicaInfo) {
	if r.LayoutError&proto.LayoutErrMissing != 0 {
		report.Add(KindMissingReplica, r.Fsid, f.ID)
		return
	}
	if r.DiskSize != r.Size {
		report.Add(KindFstSizeDiff, r.Fsid, f.ID)
	}
	if len(r.DiskChecksum) > 0 && string(r.DiskChecksum) != string(r.Checksum) {
		report.Add(KindFstChecksumDiff, r.Fsid, f.ID)
	}
	if r.DiskSize != f.Size {
		report.Add(KindMgmSizeDiff, r.Fsid, f.ID)
	}
	if len(f.Checksum) > 0 && string(r.DiskChecksum) != string(f.Checksum) {
		report.Add(KindMgmChecksumDiff, r.Fsid, f.ID)
	}
}
