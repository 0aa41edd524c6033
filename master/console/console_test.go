package console

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/fsck"
	"github.com/cubefs/dsmeta/master/mastertest"
	"github.com/cubefs/dsmeta/master/route"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode/nodetest"
	"github.com/cubefs/dsmeta/util"
	"github.com/cubefs/dsmeta/util/limiter"
)

var ctx = context.Background()

type repairCall struct {
	fid  proto.FileID
	fsid proto.FsID
	kind fsck.Kind
}

type fakeFsck struct {
	last    *fsck.Report
	scans   int
	repairs []repairCall
}

func (f *fakeFsck) Scan(ctx context.Context) (*fsck.Report, error) {
	f.scans++
	r := fsck.NewReport()
	r.Add(fsck.KindUnregisteredReplica, 2, 7)
	r.Add(fsck.KindUnregisteredReplica, 1, 9)
	r.Add(fsck.KindUnregisteredReplica, 2, 3)
	r.Add(fsck.KindMgmChecksumDiff, 1, 4)
	f.last = r
	return r, nil
}

func (f *fakeFsck) LastReport() *fsck.Report { return f.last }

func (f *fakeFsck) Repair(ctx context.Context, fid proto.FileID, fsid proto.FsID, kind fsck.Kind) error {
	f.repairs = append(f.repairs, repairCall{fid, fsid, kind})
	return nil
}

func (f *fakeFsck) RepairAll(ctx context.Context, report *fsck.Report) *fsck.RepairResult {
	return &fsck.RepairResult{Files: 3, Repaired: 2, Failed: 1, Errors: map[proto.FileID]string{4: "ambiguous"}}
}

func (f *fakeFsck) Stat() fsck.Stats {
	return fsck.Stats{Scans: f.scans, Repairs: map[fsck.Kind]fsck.RepairStat{fsck.KindMissingReplica: {Ok: 2, Failed: 1}}}
}

type testEnv struct {
	*Console
	env  *mastertest.Env
	fsck *fakeFsck
	qos  limiter.Limiter
}

func newTestEnv(t *testing.T) *testEnv {
	spec := nodetest.NodeSpec{Space: "default", Group: "default.0", Fs: 1}
	env := mastertest.New(t, spec, spec)
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	f := &fakeFsck{}
	qos := limiter.NewLimiter(limiter.LimitConfig{Concurrency: 2})
	c := New(Config{ConfigDir: dir, Admins: []string{"ops"}}, f, env.Cluster, nil,
		route.NewTable(env.Store), map[string]limiter.Limiter{"transfer": qos})
	return &testEnv{Console: c, env: env, fsck: f, qos: qos}
}

var (
	root  = proto.RootIdentity()
	ops   = proto.Identity{Uid: 1000, Gid: 1000, Name: "ops"}
	guest = proto.Identity{Uid: 1001, Gid: 1001, Name: "guest"}
)

func (e *testEnv) ok(t *testing.T, who proto.Identity, cmd string, args ...string) string {
	ret := e.Execute(ctx, who, cmd, args)
	require.Zero(t, ret.RetCode, "%s %v: %s", cmd, args, ret.StdErr)
	return ret.StdOut
}

func (e *testEnv) fail(t *testing.T, code syscall.Errno, who proto.Identity, cmd string, args ...string) {
	ret := e.Execute(ctx, who, cmd, args)
	require.Equal(t, int(code), ret.RetCode, "%s %v: %s", cmd, args, ret.StdOut)
	require.NotEmpty(t, ret.StdErr)
}

func TestConsole_Dispatch(t *testing.T) {
	e := newTestEnv(t)

	require.Contains(t, e.ok(t, guest, "help"), "fsck report")
	e.fail(t, syscall.EINVAL, root, "nope")
	e.fail(t, syscall.EINVAL, root, "group")
	e.fail(t, syscall.EINVAL, root, "group", "frobnicate")
	e.fail(t, syscall.EINVAL, root, "group", "ls", "--bogus")
	require.Contains(t, e.ok(t, root, "group", "--help"), "group ls")
	require.Contains(t, e.ok(t, root, "fsck", "repair", "--help"), "--kind")

	require.Equal(t, "uid=0 gid=0 name=root admin\n", e.ok(t, root, "whoami"))
	require.Equal(t, "uid=1000 gid=1000 name=ops admin\n", e.ok(t, ops, "whoami"))
	require.Equal(t, "uid=1001 gid=1001 name=guest\n", e.ok(t, guest, "whoami"))
	require.Contains(t, e.ok(t, guest, "whoami", "--json"), `"admin": false`)

	// modifying commands need admin rights, reading ones do not
	e.fail(t, syscall.EPERM, guest, "group", "set", "default.0", "drain")
	e.fail(t, syscall.EPERM, guest, "debug", "set", "debug")
	require.Contains(t, e.ok(t, guest, "group", "ls"), "name=default.0")
}

func TestConsole_Group(t *testing.T) {
	e := newTestEnv(t)

	out := e.ok(t, root, "group", "ls", "default")
	require.Equal(t, "name=default.0 space=default status=on balancer=idle nofs=2\n", out)

	e.ok(t, ops, "group", "set", "default.0", "drain")
	e.ok(t, root, "group", "set", "default.0", cluster.ConfigBalancerThreshold+"=0.3")
	g, err := e.env.Cluster.GetGroup(ctx, "default.0")
	require.NoError(t, err)
	require.Equal(t, cluster.GroupDrain, g.Status)
	require.Equal(t, "0.3", g.Config[cluster.ConfigBalancerThreshold])
	require.Contains(t, e.ok(t, root, "group", "ls"), "balancer.threshold=0.3")

	e.fail(t, syscall.EINVAL, root, "group", "set", "default.0", "sideways")
	e.fail(t, syscall.EINVAL, root, "group", "set", "default.0", "=1")
	e.fail(t, syscall.EINVAL, root, "group", "set", "default.0")
	// a group with file systems stays
	ret := e.Execute(ctx, root, "group", []string{"rm", "default.0"})
	require.NotZero(t, ret.RetCode)

	e.ok(t, root, "space", "set", "default", "balancer=on")
	require.Contains(t, e.ok(t, root, "space", "ls"), "name=default nogroups=1 balancer=on")
	v, err := e.env.Cluster.GetSpaceConfig(ctx, "default", cluster.ConfigBalancer)
	require.NoError(t, err)
	require.Equal(t, "on", v)
	e.fail(t, syscall.EINVAL, root, "space", "set", "default", "balancer")
}

func TestConsole_Config(t *testing.T) {
	e := newTestEnv(t)

	e.ok(t, root, "space", "set", "default", "balancer=on")
	require.Contains(t, e.ok(t, root, "config", "save"), "spaces:")
	require.Equal(t, "saved config snap.yaml\n", e.ok(t, root, "config", "save", "snap"))
	e.fail(t, syscall.EEXIST, root, "config", "save", "snap")
	e.ok(t, root, "config", "save", "snap", "--force")
	e.fail(t, syscall.EINVAL, root, "config", "save", "../escape")
	require.Contains(t, e.ok(t, guest, "config", "ls"), "name=snap size=")

	e.ok(t, root, "space", "set", "default", "balancer=off")
	e.ok(t, root, "config", "load", "snap")
	v, err := e.env.Cluster.GetSpaceConfig(ctx, "default", cluster.ConfigBalancer)
	require.NoError(t, err)
	require.Equal(t, "on", v)
	e.fail(t, syscall.ENOENT, root, "config", "load", "missing")

	out := e.ok(t, root, "config", "changelog", "-n", "1")
	require.Contains(t, out, `space default balancer="on" old="off" by=root`)
	out = e.ok(t, root, "config", "changelog", "-n", "0")
	require.Contains(t, out, `balancer="off" old="on"`)
}

func TestConsole_Fsck(t *testing.T) {
	e := newTestEnv(t)

	e.fail(t, syscall.ENOENT, root, "fsck", "repair", "--all")
	out := e.ok(t, guest, "fsck", "report")
	require.Equal(t, 1, e.fsck.scans)
	require.Contains(t, out, "kind=m_cx_diff count=1\nkind=unreg_n count=3\n")
	require.NotContains(t, out, "fids=")

	out = e.ok(t, guest, "fsck", "report", "-a")
	require.Equal(t, 1, e.fsck.scans)
	require.Contains(t, out, "kind=unreg_n count=3\n  fsid=1 fids=9\n  fsid=2 fids=3,7\n")
	e.ok(t, guest, "fsck", "report", "--refresh")
	require.Equal(t, 2, e.fsck.scans)

	e.fail(t, syscall.EPERM, guest, "fsck", "repair", "--all")
	e.fail(t, syscall.EINVAL, root, "fsck", "repair")
	e.fail(t, syscall.EINVAL, root, "fsck", "repair", "--all", "--fid", "3")
	e.fail(t, syscall.EINVAL, root, "fsck", "repair", "--fid", "3", "--kind", "nonsense")
	out = e.ok(t, root, "fsck", "repair", "--all")
	require.Equal(t, "files=3 repaired=2 failed=1\n  fid=4 error=\"ambiguous\"\n", out)
	e.ok(t, root, "fsck", "repair", "--fid", "7", "--fsid", "2", "--kind", "unreg_n")
	require.Equal(t, []repairCall{{7, 2, fsck.KindUnregisteredReplica}}, e.fsck.repairs)

	out = e.ok(t, guest, "fsck", "stat")
	require.Contains(t, out, "scans=2 last_scan=never\n")
	require.Contains(t, out, "kind=rep_missing_n ok=2 failed=1 noop=0\n")
	require.Contains(t, e.ok(t, guest, "fsck", "stat", "--json"), `"rep_missing_n"`)
}

func TestConsole_Ops(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, "class=transfer concurrency=2 ops=0 mbps=0 running=0\n", e.ok(t, guest, "qos", "get"))
	e.ok(t, root, "qos", "set", "transfer", "ops", "5")
	e.ok(t, root, "qos", "set", "transfer", "mbps", "100")
	require.Equal(t, limiter.LimitConfig{Concurrency: 2, OpsPerSec: 5, MBPS: 100}, e.qos.GetConfig())
	require.Contains(t, e.ok(t, guest, "qos", "get", "transfer"), "bandwidth=100 MB/s")
	e.fail(t, syscall.EINVAL, root, "qos", "set", "transfer", "iops", "1")
	e.fail(t, syscall.EINVAL, root, "qos", "set", "transfer", "ops", "-1")
	e.fail(t, syscall.EINVAL, root, "qos", "set", "transfer", "ops", "many")
	e.fail(t, syscall.ENOENT, root, "qos", "set", "scrub", "ops", "1")
	e.fail(t, syscall.ENOENT, root, "qos", "get", "scrub")

	e.ok(t, root, "debug", "set", "info")
	require.Equal(t, "log level: info\n", e.ok(t, guest, "debug", "get"))
	e.ok(t, root, "debug", "set", "WARN")
	require.Equal(t, "log level: warn\n", e.ok(t, guest, "debug", "get"))
	e.ok(t, root, "debug", "set", "info")
	e.fail(t, syscall.EINVAL, root, "debug", "set", "loud")

	e.ok(t, root, "route", "link", "/eos/user", "mgm1:1094,mgm2:1094:8000")
	e.ok(t, root, "route", "link", "/eos/project/", "mgm3:1094")
	require.Equal(t, "/eos/project/ => mgm3:1094\n/eos/user/ => mgm1:1094,mgm2:1094:8000\n",
		e.ok(t, guest, "route", "ls"))
	e.ok(t, root, "route", "unlink", "/eos/user", "mgm1:1094")
	require.Equal(t, "/eos/user/ => mgm2:1094:8000\n", e.ok(t, guest, "route", "ls", "/eos/user"))
	e.ok(t, root, "route", "unlink", "/eos/project")
	e.fail(t, syscall.ENOENT, root, "route", "ls", "/eos/project")
	e.fail(t, syscall.EINVAL, root, "route", "link", "/eos/x", "mgm")
	e.fail(t, syscall.EINVAL, root, "route", "link", "eos", "mgm:1")

	e.fail(t, syscall.EOPNOTSUPP, guest, "gc", "stat")
	e.fail(t, syscall.EOPNOTSUPP, root, "gc", "enable")
}
