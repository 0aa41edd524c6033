package cluster

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/dsmeta/common/kvstore"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/idgenerator"
	"github.com/cubefs/dsmeta/master/store"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

var (
	ctx   = context.Background()
	admin = proto.Identity{Uid: proto.RootUid, Name: "admin"}
)

func newStore(t *testing.T) *store.Store {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	st, err := store.NewStore(ctx, &store.Config{Path: dir, KVOption: kvstore.Option{InMemory: true}})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func newCluster(t *testing.T, st *store.Store) *cluster {
	ids, err := idgenerator.NewIDGenerator(st, 4)
	require.NoError(t, err)
	c := NewCluster(ctx, &Config{Store: st, IDs: ids, LockTimeoutMs: 100}).(*cluster)
	require.NoError(t, c.Load(ctx))
	t.Cleanup(c.Close)
	return c
}

// addFs registers nodes x fsPerNode booted file systems in group of space.
func addFs(t *testing.T, c *cluster, space, group string, nodes, fsPerNode int, used uint64) []*FsInfo {
	var res []*FsInfo
	for i := 0; i < nodes; i++ {
		n, err := c.RegisterNode(ctx, &NodeInfo{Addr: fmt.Sprintf("%s-node-%d:9000", group, i)})
		require.NoError(t, err)
		for j := 0; j < fsPerNode; j++ {
			f, err := c.RegisterFs(ctx, &FsInfo{
				NodeId:       n.Id,
				Path:         fmt.Sprintf("/data%d", j),
				Group:        group,
				Space:        space,
				ConfigStatus: proto.FsConfigRW,
			})
			require.NoError(t, err)
			require.NoError(t, c.UpdateFsStat(ctx, proto.FsStat{Fsid: f.Fsid, Capacity: 100, Used: used}))
			res = append(res, f)
		}
	}
	return res
}

func TestCluster_RegisterNode(t *testing.T) {
	c := newCluster(t, newStore(t))

	n1, err := c.RegisterNode(ctx, &NodeInfo{Addr: "a:1", GrpcAddr: "a:2"})
	require.NoError(t, err)
	n2, err := c.RegisterNode(ctx, &NodeInfo{Addr: "a:1", GrpcAddr: "a:3"})
	require.NoError(t, err)
	require.Equal(t, n1.Id, n2.Id)
	require.Equal(t, "a:3", n2.GrpcAddr)

	_, err = c.RegisterNode(ctx, &NodeInfo{})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	require.ErrorIs(t, c.Heartbeat(ctx, &HeartbeatArgs{NodeID: 999}), apierrors.ErrNodeNotExist)
	require.NoError(t, c.Heartbeat(ctx, &HeartbeatArgs{NodeID: n1.Id}))

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, proto.NodeStateOnline, nodes[0].State)
}

func TestCluster_RegisterFs(t *testing.T) {
	c := newCluster(t, newStore(t))
	fss := addFs(t, c, "default", "default.0", 2, 2, 10)

	// same path of same node returns the known fs
	again, err := c.RegisterFs(ctx, &FsInfo{NodeId: fss[0].NodeId, Path: fss[0].Path, Group: "default.0", Space: "default"})
	require.NoError(t, err)
	require.Equal(t, fss[0].Fsid, again.Fsid)

	_, err = c.RegisterFs(ctx, &FsInfo{NodeId: fss[0].NodeId, Path: "/other", Group: "default.0", Space: "spare"})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)
	_, err = c.RegisterFs(ctx, &FsInfo{NodeId: 999, Path: "/x", Group: "g", Space: "s"})
	require.ErrorIs(t, err, apierrors.ErrNodeNotExist)

	groups, err := c.ListGroups(ctx, "default")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, GroupOn, groups[0].Status)
	require.Equal(t, BalancerIdle, groups[0].BalancerState)
	require.Len(t, groups[0].Fs, 4)
	_, err = c.ListGroups(ctx, "nope")
	require.ErrorIs(t, err, apierrors.ErrSpaceNotExist)

	node, err := c.NodeForFs(ctx, fss[3].Fsid)
	require.NoError(t, err)
	require.Equal(t, fss[3].NodeId, node.Id)

	free, capacity, err := c.SpaceFree(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, uint64(400), capacity)
	require.Equal(t, uint64(360), free)

	ratios, err := c.GroupFillRatios(ctx, "default.0")
	require.NoError(t, err)
	require.Len(t, ratios, 4)
	require.InDelta(t, 0.1, ratios[fss[0].Fsid], 1e-9)
}

func TestCluster_PlaceReplicas(t *testing.T) {
	c := newCluster(t, newStore(t))
	fss := addFs(t, c, "default", "default.0", 3, 2, 0)

	for i := 0; i < 50; i++ {
		picked, err := c.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 3})
		require.NoError(t, err)
		require.Len(t, picked, 3)
		nodes := make(map[proto.NodeID]struct{})
		for _, f := range picked {
			nodes[f.NodeId] = struct{}{}
		}
		require.Len(t, nodes, 3)
	}

	_, err := c.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 4})
	require.ErrorIs(t, err, apierrors.ErrNoAvailableFs)

	picked, err := c.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 2, ExcludeNodes: []proto.NodeID{fss[0].NodeId}})
	require.NoError(t, err)
	for _, f := range picked {
		require.NotEqual(t, fss[0].NodeId, f.NodeId)
	}

	picked, err = c.PlaceReplicas(ctx, &AllocArgs{Group: "default.0", Count: 1, ExcludeFs: []proto.FsID{fss[0].Fsid, fss[1].Fsid, fss[2].Fsid, fss[3].Fsid, fss[4].Fsid}})
	require.NoError(t, err)
	require.Equal(t, fss[5].Fsid, picked[0].Fsid)

	// read-only fs and off groups take no replicas
	require.NoError(t, c.SetFsConfigStatus(ctx, admin, fss[5].Fsid, proto.FsConfigRO))
	_, err = c.PlaceReplicas(ctx, &AllocArgs{Group: "default.0", Count: 1, ExcludeFs: []proto.FsID{fss[0].Fsid, fss[1].Fsid, fss[2].Fsid, fss[3].Fsid, fss[4].Fsid}})
	require.ErrorIs(t, err, apierrors.ErrNoAvailableFs)
	require.NoError(t, c.SetGroupStatus(ctx, admin, "default.0", GroupOff))
	_, err = c.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 1})
	require.ErrorIs(t, err, apierrors.ErrNoAvailableFs)

	_, err = c.PlaceReplicas(ctx, &AllocArgs{Space: "nope", Count: 1})
	require.ErrorIs(t, err, apierrors.ErrSpaceNotExist)
}

func TestCluster_PlaceReplicasPrefersFreeSpace(t *testing.T) {
	c := newCluster(t, newStore(t))
	full := addFs(t, c, "default", "full", 1, 1, 99)
	addFs(t, c, "default", "empty", 1, 1, 0)

	hits := 0
	for i := 0; i < 20; i++ {
		picked, err := c.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 1})
		require.NoError(t, err)
		if picked[0].Fsid == full[0].Fsid {
			hits++
		}
	}
	// the emptier group is always tried first
	require.Zero(t, hits)
}

func TestCluster_GroupState(t *testing.T) {
	c := newCluster(t, newStore(t))
	addFs(t, c, "default", "default.0", 1, 1, 0)

	changed, err := c.SetGroupBalancerState(ctx, "default.0", BalancerBalancing)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = c.SetGroupBalancerState(ctx, "default.0", BalancerBalancing)
	require.NoError(t, err)
	require.False(t, changed)
	_, err = c.SetGroupBalancerState(ctx, "nope", BalancerIdle)
	require.ErrorIs(t, err, apierrors.ErrGroupNotExist)

	require.ErrorIs(t, c.SetGroupStatus(ctx, admin, "default.0", "bogus"), apierrors.ErrInvalidArgument)
	require.ErrorIs(t, c.RemoveGroup(ctx, "default.0"), apierrors.ErrNotEmpty)
	require.ErrorIs(t, c.RemoveGroup(ctx, "nope"), apierrors.ErrGroupNotExist)
}

func TestCluster_RemoveEmptyGroup(t *testing.T) {
	st := newStore(t)
	c := newCluster(t, st)
	addFs(t, c, "default", "default.0", 1, 1, 0)

	// a group whose file systems moved elsewhere is empty
	c.lock.Lock()
	c.groups["default.1"] = &group{name: "default.1", rec: &groupRecord{Space: "default", Status: GroupOn}, set: &fsSet{}}
	c.lock.Unlock()
	require.NoError(t, c.storage.PutGroup(ctx, "default.1", c.groups["default.1"].rec))
	require.NoError(t, c.RemoveGroup(ctx, "default.1"))
	_, err := c.GetGroup(ctx, "default.1")
	require.ErrorIs(t, err, apierrors.ErrGroupNotExist)
}

func TestCluster_ConfigAndHistory(t *testing.T) {
	st := newStore(t)
	c := newCluster(t, st)
	fss := addFs(t, c, "default", "default.0", 1, 1, 0)
	start := time.Now().Add(-time.Second)

	require.NoError(t, c.SetSpaceConfig(ctx, admin, "default", ConfigBalancer, "on"))
	require.NoError(t, c.SetSpaceConfig(ctx, admin, "default", ConfigBalancerThreshold, "0.2"))
	require.NoError(t, c.SetGroupConfig(ctx, admin, "default.0", "tag", "ssd"))
	require.ErrorIs(t, c.SetSpaceConfig(ctx, admin, "nope", ConfigBalancer, "on"), apierrors.ErrSpaceNotExist)
	// unchanged values are not recorded
	require.NoError(t, c.SetSpaceConfig(ctx, admin, "default", ConfigBalancer, "on"))

	v, err := c.GetSpaceConfig(ctx, "default", ConfigBalancer)
	require.NoError(t, err)
	require.Equal(t, "on", v)

	history, err := c.ConfigHistory(ctx, start)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "space", history[0].Scope)
	require.Equal(t, ConfigBalancer, history[0].Key)
	require.Equal(t, "admin", history[0].Who)

	dump, err := c.DumpConfig(ctx)
	require.NoError(t, err)

	// change everything, then restore the dump
	require.NoError(t, c.SetSpaceConfig(ctx, admin, "default", ConfigBalancer, "off"))
	require.NoError(t, c.SetGroupStatus(ctx, admin, "default.0", GroupDrain))
	require.NoError(t, c.SetFsConfigStatus(ctx, admin, fss[0].Fsid, proto.FsConfigDrain))
	require.NoError(t, c.LoadConfig(ctx, admin, dump))

	v, _ = c.GetSpaceConfig(ctx, "default", ConfigBalancer)
	require.Equal(t, "on", v)
	g, err := c.GetGroup(ctx, "default.0")
	require.NoError(t, err)
	require.Equal(t, GroupOn, g.Status)
	require.Equal(t, "ssd", g.Config["tag"])
	f, err := c.GetFs(ctx, fss[0].Fsid)
	require.NoError(t, err)
	require.Equal(t, proto.FsConfigRW, f.ConfigStatus)

	require.ErrorIs(t, c.LoadConfig(ctx, admin, []byte("fs: {1: bogus}")), apierrors.ErrInvalidArgument)
}

func TestCluster_Reload(t *testing.T) {
	st := newStore(t)
	c := newCluster(t, st)
	fss := addFs(t, c, "default", "default.0", 2, 1, 0)
	require.NoError(t, c.SetSpaceConfig(ctx, admin, "default", ConfigBalancer, "on"))
	_, err := c.SetGroupBalancerState(ctx, "default.0", BalancerBalancing)
	require.NoError(t, err)

	c2 := newCluster(t, st)
	nodes, err := c2.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	// nodes are offline until they heartbeat
	require.Equal(t, proto.NodeStateOffline, nodes[0].State)
	f, err := c2.GetFs(ctx, fss[1].Fsid)
	require.NoError(t, err)
	require.False(t, f.Booted)
	g, err := c2.GetGroup(ctx, "default.0")
	require.NoError(t, err)
	require.Equal(t, BalancerBalancing, g.BalancerState)
	v, err := c2.GetSpaceConfig(ctx, "default", ConfigBalancer)
	require.NoError(t, err)
	require.Equal(t, "on", v)

	_, err = c2.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 1})
	require.ErrorIs(t, err, apierrors.ErrNoAvailableFs)
	for _, n := range nodes {
		require.NoError(t, c2.Heartbeat(ctx, &HeartbeatArgs{NodeID: n.Id, Stats: []proto.FsStat{}}))
	}
	for _, f := range fss {
		require.NoError(t, c2.UpdateFsStat(ctx, proto.FsStat{Fsid: f.Fsid, Capacity: 10}))
	}
	picked, err := c2.PlaceReplicas(ctx, &AllocArgs{Space: "default", Count: 2})
	require.NoError(t, err)
	require.Len(t, picked, 2)
}

func TestCluster_ReadLockTimeout(t *testing.T) {
	c := newCluster(t, newStore(t))
	addFs(t, c, "default", "default.0", 1, 1, 0)

	c.lock.Lock()
	_, err := c.ListGroups(ctx, "")
	require.ErrorIs(t, err, apierrors.ErrTimeout)

	done := make(chan error)
	go func() {
		_, err := c.ListGroups(ctx, "")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.lock.Unlock()
	require.NoError(t, <-done)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	c.lock.Lock()
	require.ErrorIs(t, c.lock.RLockTimeout(cctx, time.Second), context.Canceled)
	c.lock.Unlock()
}
