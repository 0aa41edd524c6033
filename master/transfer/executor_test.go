package transfer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/mastertest"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode/nodetest"
)

func newTestEnv(t *testing.T) (*mastertest.Env, *Dispatcher, *doneRecorder) {
	spec := nodetest.NodeSpec{Space: "default", Group: "default.0", Fs: 1}
	env := mastertest.New(t, spec, spec, spec)
	d := NewDispatcher(Config{Workers: 2}, NewExecutor(env.Tree, env.Cluster, env.Nodes()))
	r := newDoneRecorder(d)
	d.Start()
	t.Cleanup(d.Stop)
	return env, d, r
}

func TestExecutor_Replicate(t *testing.T) {
	env, d, r := newTestEnv(t)
	fss := env.Bed.Fs()
	data := bytes.Repeat([]byte("x"), 4096)
	f := env.CreateFile(t, "a", mastertest.ReplicaLayout, data, fss[0])

	require.NoError(t, d.Submit(ctx, &Job{Fid: f.ID, Kind: KindRepair, Sources: []proto.FsID{fss[0]}, Count: 1}))
	job := r.wait(t)
	require.Equal(t, StatusDone, job.Status(), "%v", job.Err())
	require.Len(t, job.Targets, 1)
	target := job.Targets[0]
	require.NotEqual(t, fss[0], target)

	f, err := env.Tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, []proto.FsID{fss[0], target}, f.Locations)
	st := env.Stat(t, f.ID, target)
	require.Equal(t, proto.ReplicaOK, st.Status)
	require.Equal(t, f.Checksum, st.Info.DiskChecksum)
	require.Equal(t, f.Checksum, st.Info.MgmChecksum)

	// every fs of the group is used now
	g := env.CreateFile(t, "b", mastertest.ReplicaLayout, data, fss...)
	require.NoError(t, d.Submit(ctx, &Job{Fid: g.ID, Sources: []proto.FsID{fss[0]}, Count: 1}))
	job = r.wait(t)
	require.Equal(t, StatusFailed, job.Status())
	require.ErrorIs(t, job.Err(), apierrors.ErrNoAvailableFs)
}

func TestExecutor_Move(t *testing.T) {
	env, d, r := newTestEnv(t)
	fss := env.Bed.Fs()
	data := []byte("move me")
	f := env.CreateFile(t, "a", mastertest.ReplicaLayout, data, fss[0], fss[1])

	require.NoError(t, d.Submit(ctx, &Job{Fid: f.ID, Kind: KindBalance, Sources: []proto.FsID{fss[0]}, Targets: []proto.FsID{fss[2]}, DropSource: true}))
	job := r.wait(t)
	require.Equal(t, StatusDone, job.Status(), "%v", job.Err())

	f, err := env.Tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, []proto.FsID{fss[2], fss[1]}, f.Locations)
	require.Equal(t, proto.ReplicaNotFound, env.Stat(t, f.ID, fss[0]).Status)
	require.Equal(t, proto.ReplicaOK, env.Stat(t, f.ID, fss[2]).Status)
}

func TestExecutor_CorruptedSource(t *testing.T) {
	env, d, r := newTestEnv(t)
	fss := env.Bed.Fs()
	f := env.CreateFile(t, "a", mastertest.ReplicaLayout, []byte("good"), fss[0], fss[1])
	// fs0 holds different bytes than the namespace expects
	env.WriteReplica(t, f.ID, fss[0], mastertest.ReplicaLayout, []byte("evil"))

	require.NoError(t, d.Submit(ctx, &Job{Fid: f.ID, Sources: []proto.FsID{fss[0]}, Targets: []proto.FsID{fss[2]}}))
	job := r.wait(t)
	require.Equal(t, StatusFailed, job.Status())
	require.ErrorIs(t, job.Err(), apierrors.ErrCorrupted)

	// the second source is tried after the first one failed
	require.NoError(t, d.Submit(ctx, &Job{Fid: f.ID, Sources: []proto.FsID{fss[0], fss[1]}, Targets: []proto.FsID{fss[2]}}))
	job = r.wait(t)
	require.Equal(t, StatusDone, job.Status(), "%v", job.Err())
	f, err := env.Tree.GetFile(f.ID)
	require.NoError(t, err)
	require.Equal(t, []proto.FsID{fss[0], fss[1], fss[2]}, f.Locations)
}
