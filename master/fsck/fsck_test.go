package fsck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/common/checksum"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/fsview"
	"github.com/cubefs/dsmeta/master/mastertest"
	"github.com/cubefs/dsmeta/master/transfer"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode/nodetest"
)

var ctx = context.Background()

type testEnv struct {
	*mastertest.Env
	engine *Engine
	fss    []proto.FsID
	done   chan *transfer.Job
}

func newTestEnv(t *testing.T) *testEnv {
	spec := nodetest.NodeSpec{Space: "default", Group: "default.0", Fs: 1}
	env := mastertest.New(t, spec, spec, spec, spec)
	view := fsview.New()
	view.Attach(env.Tree)

	d := transfer.NewDispatcher(transfer.Config{Workers: 2}, transfer.NewExecutor(env.Tree, env.Cluster, env.Nodes()))
	done := make(chan *transfer.Job, 16)
	d.OnDone(func(ctx context.Context, job *transfer.Job) { done <- job })
	d.Start()
	t.Cleanup(d.Stop)

	return &testEnv{
		Env:    env,
		engine: New(Config{}, env.Tree, view, env.Cluster, env.Nodes(), d),
		fss:    env.Bed.Fs(),
		done:   done,
	}
}

func (e *testEnv) waitJob(t *testing.T) *transfer.Job {
	select {
	case job := <-e.done:
		require.Equal(t, transfer.StatusDone, job.Status(), "%v", job.Err())
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job finished")
		return nil
	}
}

func (e *testEnv) locations(t *testing.T, fid proto.FileID) []proto.FsID {
	f, err := e.Tree.GetFile(fid)
	require.NoError(t, err)
	return f.Locations
}

func TestFsck_Check(t *testing.T) {
	e := newTestEnv(t)
	data := []byte("hello fsck")
	f := e.CreateFile(t, "a", mastertest.ReplicaLayout, data, e.fss[0], e.fss[1])

	findings, err := e.engine.Check(ctx, f.ID)
	require.NoError(t, err)
	require.Empty(t, findings)

	e.WriteReplica(t, f.ID, e.fss[2], mastertest.ReplicaLayout, data)
	findings, err = e.engine.Check(ctx, f.ID, e.fss[2])
	require.NoError(t, err)
	require.Equal(t, []Finding{{Fid: f.ID, Fsid: e.fss[2], Kind: KindUnregisteredReplica}}, findings)

	e.Bed.Corrupt(t, f.ID, e.fss[1], []byte("hello fsk!"))
	findings, err = e.engine.Check(ctx, f.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []Finding{
		{Fid: f.ID, Fsid: e.fss[1], Kind: KindFstChecksumDiff},
		{Fid: f.ID, Fsid: e.fss[1], Kind: KindMgmChecksumDiff},
	}, findings)
}

func TestFsck_OverReplication(t *testing.T) {
	e := newTestEnv(t)
	data := []byte("four copies of me")
	f := e.CreateFile(t, "a", mastertest.ReplicaLayout, data, e.fss[0], e.fss[1])
	e.WriteReplica(t, f.ID, e.fss[2], mastertest.ReplicaLayout, data)
	e.WriteReplica(t, f.ID, e.fss[3], mastertest.ReplicaLayout, data)

	report, err := e.engine.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(KindUnregisteredReplica))
	ret := e.engine.RepairAll(ctx, report)
	require.Equal(t, 1, ret.Repaired, "%v", ret.Errors)

	// unregistered replicas go first
	require.Equal(t, []proto.FsID{e.fss[0], e.fss[1]}, e.locations(t, f.ID))
	require.Equal(t, proto.ReplicaNotFound, e.Stat(t, f.ID, e.fss[2]).Status)
	require.Equal(t, proto.ReplicaNotFound, e.Stat(t, f.ID, e.fss[3]).Status)

	// then the oldest registered ones
	g := e.CreateFile(t, "b", mastertest.ReplicaLayout, data, e.fss...)
	require.NoError(t, e.engine.Repair(ctx, g.ID, 0, KindDifferingReplica))
	require.Equal(t, []proto.FsID{e.fss[2], e.fss[3]}, e.locations(t, g.ID))
	require.Equal(t, proto.ReplicaNotFound, e.Stat(t, g.ID, e.fss[0]).Status)
	require.Equal(t, proto.ReplicaNotFound, e.Stat(t, g.ID, e.fss[1]).Status)
	require.Equal(t, proto.ReplicaOK, e.Stat(t, g.ID, e.fss[2]).Status)

	findings, err := e.engine.Check(ctx, g.ID)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestFsck_UnderReplication(t *testing.T) {
	e := newTestEnv(t)
	data := []byte("lonely")
	f := e.CreateFile(t, "a", mastertest.ReplicaLayout, data, e.fss[0])

	require.NoError(t, e.engine.Repair(ctx, f.ID, 0, KindDifferingReplica))
	job := e.waitJob(t)
	require.Equal(t, transfer.KindRepair, job.Kind)
	locs := e.locations(t, f.ID)
	require.Len(t, locs, 2)
	require.Equal(t, e.fss[0], locs[0])
	require.Equal(t, proto.ReplicaOK, e.Stat(t, f.ID, locs[1]).Status)

	// a location whose replica is gone is replaced
	require.NoError(t, e.Bed.Client.DeleteReplica(ctx, e.Bed.Addr(locs[1]), f.ID, locs[1]))
	require.NoError(t, e.engine.Repair(ctx, f.ID, locs[1], KindMissingReplica))
	e.waitJob(t)
	locs = e.locations(t, f.ID)
	require.Len(t, locs, 2)
	require.Equal(t, e.fss[0], locs[0])
	for _, fsid := range locs {
		require.Equal(t, proto.ReplicaOK, e.Stat(t, f.ID, fsid).Status)
	}
}

func TestFsck_RepairFst(t *testing.T) {
	e := newTestEnv(t)
	data := []byte("the right bytes")
	f := e.CreateFile(t, "a", mastertest.ReplicaLayout, data, e.fss[0], e.fss[1])
	e.Bed.Corrupt(t, f.ID, e.fss[0], []byte("the wrong bytes"))

	require.NoError(t, e.engine.Repair(ctx, f.ID, e.fss[0], KindFstChecksumDiff))
	job := e.waitJob(t)
	require.Equal(t, []proto.FsID{e.fss[0]}, job.Targets)

	require.Equal(t, []proto.FsID{e.fss[0], e.fss[1]}, e.locations(t, f.ID))
	st := e.Stat(t, f.ID, e.fss[0])
	require.True(t, st.Info.Consistent())
	require.Equal(t, f.Checksum, st.Info.DiskChecksum)

	// nothing good left to copy from
	e.Bed.Corrupt(t, f.ID, e.fss[0], []byte("the wrong bytes"))
	e.Bed.Corrupt(t, f.ID, e.fss[1], []byte("the wrong bytes"))
	err := e.engine.Repair(ctx, f.ID, e.fss[0], KindFstChecksumDiff)
	require.ErrorIs(t, err, apierrors.ErrCorrupted)
	require.Equal(t, 1, e.engine.Stat().Repairs[KindFstChecksumDiff].Failed)
}

func TestFsck_RepairMgm(t *testing.T) {
	e := newTestEnv(t)
	f := e.CreateFile(t, "a", mastertest.ReplicaLayout, []byte("good"), e.fss[0], e.fss[1])

	// one replica still agrees with the namespace
	e.WriteReplica(t, f.ID, e.fss[0], mastertest.ReplicaLayout, []byte("evil"))
	err := e.engine.Repair(ctx, f.ID, e.fss[0], KindMgmChecksumDiff)
	require.ErrorIs(t, err, apierrors.ErrAmbiguous)
	got, err := e.Tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, f.Checksum, got.Checksum)

	// replicas disagree with each other
	e.WriteReplica(t, f.ID, e.fss[1], mastertest.ReplicaLayout, []byte("nope"))
	require.ErrorIs(t, e.engine.Repair(ctx, f.ID, e.fss[0], KindMgmChecksumDiff), apierrors.ErrAmbiguous)

	// all replicas agree on new content
	data := []byte("rewritten")
	e.WriteReplica(t, f.ID, e.fss[0], mastertest.ReplicaLayout, data)
	e.WriteReplica(t, f.ID, e.fss[1], mastertest.ReplicaLayout, data)
	require.NoError(t, e.engine.Repair(ctx, f.ID, e.fss[0], KindMgmSizeDiff))

	sum, err := checksum.Sum(proto.ChecksumCRC32C, data)
	require.NoError(t, err)
	got, err = e.Tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), got.Size)
	require.Equal(t, sum, got.Checksum)
	st := e.Stat(t, f.ID, e.fss[1])
	require.Equal(t, uint64(len(data)), st.Info.MgmSize)
	require.Equal(t, sum, st.Info.MgmChecksum)

	findings, err := e.engine.Check(ctx, f.ID)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestFsck_RainIsLeftAlone(t *testing.T) {
	e := newTestEnv(t)
	layout := proto.NewLayout(proto.LayoutRaid6, 3, proto.ChecksumCRC32C).Encode()
	f := e.CreateFile(t, "a", layout, []byte("stripe"), e.fss[0])

	findings, err := e.engine.Check(ctx, f.ID)
	require.NoError(t, err)
	require.Empty(t, findings)

	require.NoError(t, e.engine.Repair(ctx, f.ID, 0, KindDifferingReplica))
	require.Equal(t, []proto.FsID{e.fss[0]}, e.locations(t, f.ID))
	require.Equal(t, 1, e.engine.Stat().Repairs[KindDifferingReplica].Noop)
}

func TestFsck_ScanAndRepairAll(t *testing.T) {
	e := newTestEnv(t)
	require.Nil(t, e.engine.LastReport())

	data := []byte("scan me")
	a := e.CreateFile(t, "a", mastertest.ReplicaLayout, data, e.fss[0], e.fss[1])
	b := e.CreateFile(t, "b", mastertest.ReplicaLayout, data, e.fss[0])
	e.WriteReplica(t, a.ID, e.fss[2], mastertest.ReplicaLayout, data)
	orphan := proto.FileID(1 << 40)
	e.WriteReplica(t, orphan, e.fss[3], mastertest.ReplicaLayout, data)

	report, err := e.engine.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, []Finding{
		{Fid: a.ID, Fsid: e.fss[2], Kind: KindUnregisteredReplica},
		{Fid: orphan, Fsid: e.fss[3], Kind: KindUnregisteredReplica},
		{Fid: b.ID, Fsid: 0, Kind: KindDifferingReplica},
	}, report.Items())
	require.Equal(t, 2, report.Count(KindUnregisteredReplica))
	require.Equal(t, report, e.engine.LastReport())
	require.Equal(t, 1, e.engine.Stat().Scans)

	ret := e.engine.RepairAll(ctx, report)
	require.Equal(t, 3, ret.Files)
	require.Equal(t, 3, ret.Repaired, "%v", ret.Errors)
	e.waitJob(t)

	require.Equal(t, proto.ReplicaNotFound, e.Stat(t, a.ID, e.fss[2]).Status)
	require.Equal(t, proto.ReplicaNotFound, e.Stat(t, orphan, e.fss[3]).Status)
	require.Len(t, e.locations(t, b.ID), 2)

	report, err = e.engine.Scan(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Items())
}

func TestReport(t *testing.T) {
	r := NewReport()
	r.Add(KindMissingReplica, 2, 10)
	r.Add(KindMissingReplica, 2, 10)
	r.Add(KindMissingReplica, 3, 10)
	r.Add(KindMgmSizeDiff, 1, 11)
	require.Equal(t, 1, r.Count(KindMissingReplica))
	require.Equal(t, 0, r.Count(KindFstSizeDiff))
	require.Len(t, r.Items(), 3)
	require.Equal(t, KindMgmSizeDiff, r.Items()[0].Kind)

	for _, k := range Kinds() {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	_, err := ParseKind("nope")
	require.Error(t, err)
}

func TestFsck_TapeFile(t *testing.T) {
	e := newTestEnv(t)
	data := []byte("kept on tape")
	f := e.CreateFile(t, "a", mastertest.ReplicaLayout, data, e.fss[0], e.fss[1])
	require.NoError(t, e.Tree.SetFileXattr(ctx, f.ID, proto.XattrArchiveFileID, "tape-a"))

	// the disk copy on fss[0] is evicted completely, the one on fss[1] is
	// gone from disk while its location is still registered
	for _, fsid := range e.fss[:2] {
		require.NoError(t, e.Nodes().StageRemove(ctx, e.Bed.Addr(fsid), f.ID, fsid, proto.RootIdentity()))
	}
	require.NoError(t, e.Tree.RemoveLocation(ctx, f.ID, e.fss[0]))

	report, err := e.engine.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(KindMissingReplica))
	ret := e.engine.RepairAll(ctx, report)
	require.Zero(t, ret.Failed, "%v", ret.Errors)
	require.Empty(t, e.locations(t, f.ID))

	// a file served from tape only is healthy
	report, err = e.engine.Scan(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Items())
	findings, err := e.engine.Check(ctx, f.ID)
	require.NoError(t, err)
	require.Empty(t, findings)
	require.Zero(t, e.engine.RepairAll(ctx, report).Failed)
}
