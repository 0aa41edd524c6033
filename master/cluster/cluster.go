// Package cluster is the placement view of the master: storage nodes, their
// file systems, the placement groups the file systems belong to and the
// spaces grouping those. All state sits behind one readers-writer lock,
// readers wait a bounded time for it.
package cluster

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"gopkg.in/yaml.v3"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/idgenerator"
	"github.com/cubefs/dsmeta/master/store"
	"github.com/cubefs/dsmeta/proto"
)

const (
	defaultHeartbeatTimeoutS = 60
	defaultRefreshIntervalS  = 5
	defaultLockTimeoutMs     = 5000
)

type Cluster interface {
	RegisterNode(ctx context.Context, args *NodeInfo) (*NodeInfo, error)
	Heartbeat(ctx context.Context, args *HeartbeatArgs) error
	GetNode(ctx context.Context, nodeId proto.NodeID) (*NodeInfo, error)
	ListNodes(ctx context.Context) ([]*NodeInfo, error)

	RegisterFs(ctx context.Context, args *FsInfo) (*FsInfo, error)
	UpdateFsStat(ctx context.Context, stat proto.FsStat) error
	SetFsConfigStatus(ctx context.Context, who proto.Identity, fsid proto.FsID, status proto.FsConfigStatus) error
	GetFs(ctx context.Context, fsid proto.FsID) (*FsInfo, error)
	ListFs(ctx context.Context, group string) ([]*FsInfo, error)
	NodeForFs(ctx context.Context, fsid proto.FsID) (*NodeInfo, error)

	ListSpaces(ctx context.Context) ([]*SpaceInfo, error)
	ListGroups(ctx context.Context, space string) ([]*GroupInfo, error)
	GetGroup(ctx context.Context, name string) (*GroupInfo, error)
	GroupFillRatios(ctx context.Context, group string) (map[proto.FsID]float64, error)
	SetGroupBalancerState(ctx context.Context, group, state string) (bool, error)
	SetGroupStatus(ctx context.Context, who proto.Identity, group, status string) error
	SetGroupConfig(ctx context.Context, who proto.Identity, group, key, value string) error
	RemoveGroup(ctx context.Context, group string) error
	SetSpaceConfig(ctx context.Context, who proto.Identity, space, key, value string) error
	GetSpaceConfig(ctx context.Context, space, key string) (string, error)
	SpaceFree(ctx context.Context, space string) (free, capacity uint64, err error)

	PlaceReplicas(ctx context.Context, args *AllocArgs) ([]*FsInfo, error)

	ConfigHistory(ctx context.Context, since time.Time) ([]*ConfigChange, error)
	DumpConfig(ctx context.Context) ([]byte, error)
	LoadConfig(ctx context.Context, who proto.Identity, data []byte) error

	Load(ctx context.Context) error
	Close()
}

type Config struct {
	HeartbeatTimeoutS int `json:"heartbeat_timeout_s"`
	RefreshIntervalS  int `json:"refresh_interval_s"`
	LockTimeoutMs     int `json:"lock_timeout_ms"`

	Store *store.Store             `json:"-"`
	IDs   idgenerator.IDGenerator `json:"-"`
}

type group struct {
	name string
	rec  *groupRecord
	set  *fsSet
}

func (g *group) info() *GroupInfo {
	ret := &GroupInfo{
		Name:          g.name,
		Space:         g.rec.Space,
		Status:        g.rec.Status,
		BalancerState: g.rec.BalancerState,
		Config:        copyConfig(g.rec.Config),
		Fs:            make([]proto.FsID, 0, g.set.len()),
	}
	for _, f := range g.set.fs {
		ret.Fs = append(ret.Fs, f.info.Fsid)
	}
	return ret
}

type cluster struct {
	lock timedRWMutex

	nodes  map[proto.NodeID]*node
	hosts  map[string]*node
	fs     map[proto.FsID]*fs
	groups map[string]*group
	spaces map[string]map[string]string

	cfg         *Config
	storage     *storage
	idGenerator idgenerator.IDGenerator
	rnd         *rand.Rand
	historySeq  uint32

	done chan struct{}
}

func NewCluster(ctx context.Context, cfg *Config) Cluster {
	if cfg.HeartbeatTimeoutS <= 0 {
		cfg.HeartbeatTimeoutS = defaultHeartbeatTimeoutS
	}
	if cfg.RefreshIntervalS <= 0 {
		cfg.RefreshIntervalS = defaultRefreshIntervalS
	}
	if cfg.LockTimeoutMs <= 0 {
		cfg.LockTimeoutMs = defaultLockTimeoutMs
	}
	return &cluster{
		nodes:       make(map[proto.NodeID]*node),
		hosts:       make(map[string]*node),
		fs:          make(map[proto.FsID]*fs),
		groups:      make(map[string]*group),
		spaces:      make(map[string]map[string]string),
		cfg:         cfg,
		storage:     &storage{kvStore: cfg.Store.KVStore()},
		idGenerator: cfg.IDs,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		done:        make(chan struct{}),
	}
}

func (c *cluster) rlock(ctx context.Context) error {
	return c.lock.RLockTimeout(ctx, time.Duration(c.cfg.LockTimeoutMs)*time.Millisecond)
}

func (c *cluster) RegisterNode(ctx context.Context, args *NodeInfo) (*NodeInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	if args.Addr == "" {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "node address is empty")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if n, ok := c.hosts[args.Addr]; ok {
		if n.info.GrpcAddr != args.GrpcAddr {
			n.info.GrpcAddr = args.GrpcAddr
			if err := c.storage.PutNode(ctx, n.info); err != nil {
				return nil, err
			}
		}
		n.handleHeartbeat(c.heartbeatTimeout())
		span.Infof("node[%d] %s registered again", n.nodeId, args.Addr)
		info := *n.info
		return &info, nil
	}

	id, err := c.idGenerator.Next(ctx, nodeIdName)
	if err != nil {
		span.Errorf("get node[%s] id failed, err: %s", args.Addr, err)
		return nil, err
	}
	info := &NodeInfo{Id: proto.NodeID(id), Addr: args.Addr, GrpcAddr: args.GrpcAddr, State: proto.NodeStateOnline}
	if err = c.storage.PutNode(ctx, info); err != nil {
		return nil, errors.Info(err, "put node", info.Id).Detail(err)
	}
	n := &node{info: info, nodeId: info.Id, fs: make(map[proto.FsID]*fs)}
	n.handleHeartbeat(c.heartbeatTimeout())
	c.nodes[n.nodeId] = n
	c.hosts[info.Addr] = n
	span.Infof("register node[%d] %s", info.Id, info.Addr)
	ret := *info
	return &ret, nil
}

func (c *cluster) Heartbeat(ctx context.Context, args *HeartbeatArgs) error {
	span := trace.SpanFromContextSafe(ctx)

	c.lock.Lock()
	defer c.lock.Unlock()

	n, ok := c.nodes[args.NodeID]
	if !ok {
		span.Errorf("node[%d] not found", args.NodeID)
		return apierrors.ErrNodeNotExist
	}
	if n.isExpire() {
		span.Infof("node[%d] %s is back online", n.nodeId, n.info.Addr)
	}
	n.handleHeartbeat(c.heartbeatTimeout())
	for _, st := range args.Stats {
		f, ok := n.fs[st.Fsid]
		if !ok {
			span.Warnf("node[%d] reports unknown fs[%d]", n.nodeId, st.Fsid)
			continue
		}
		f.info.Stat = st
		f.info.Booted = true
	}
	return nil
}

func (c *cluster) GetNode(ctx context.Context, nodeId proto.NodeID) (*NodeInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	n, ok := c.nodes[nodeId]
	if !ok {
		return nil, apierrors.ErrNodeNotExist
	}
	info := *n.info
	return &info, nil
}

func (c *cluster) ListNodes(ctx context.Context) ([]*NodeInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	res := make([]*NodeInfo, 0, len(c.nodes))
	for _, n := range c.nodes {
		info := *n.info
		res = append(res, &info)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Id < res[j].Id })
	return res, nil
}

// RegisterFs adds a file system of a registered node, registering the same
// path of the same node again returns the known file system.
func (c *cluster) RegisterFs(ctx context.Context, args *FsInfo) (*FsInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	if args.Path == "" || args.Group == "" || args.Space == "" {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "fs needs path, group and space")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	n, ok := c.nodes[args.NodeId]
	if !ok {
		return nil, apierrors.ErrNodeNotExist
	}
	for _, f := range n.fs {
		if f.info.Path == args.Path {
			return f.clone(), nil
		}
	}
	g, ok := c.groups[args.Group]
	if ok && g.rec.Space != args.Space {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "group %s belongs to space %s", args.Group, g.rec.Space)
	}

	id, err := c.idGenerator.Next(ctx, fsIdName)
	if err != nil {
		return nil, err
	}
	info := *args
	info.Fsid = proto.FsID(id)
	info.Stat.Fsid = info.Fsid
	if err = c.storage.PutFs(ctx, &info); err != nil {
		return nil, errors.Info(err, "put fs", info.Fsid).Detail(err)
	}
	if !ok {
		g = &group{
			name: args.Group,
			rec:  &groupRecord{Space: args.Space, Status: GroupOn, BalancerState: BalancerIdle},
			set:  &fsSet{},
		}
		if err = c.storage.PutGroup(ctx, g.name, g.rec); err != nil {
			return nil, err
		}
		c.groups[g.name] = g
		if _, ok := c.spaces[args.Space]; !ok {
			c.spaces[args.Space] = map[string]string{}
			if err = c.storage.PutSpace(ctx, args.Space, c.spaces[args.Space]); err != nil {
				return nil, err
			}
		}
	}
	f := &fs{info: &info, node: n}
	n.fs[info.Fsid] = f
	c.fs[info.Fsid] = f
	g.set.put(f)
	span.Infof("register fs[%d] %s on node[%d], group %s space %s", info.Fsid, info.Path, n.nodeId, info.Group, info.Space)
	return f.clone(), nil
}

func (c *cluster) UpdateFsStat(ctx context.Context, stat proto.FsStat) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	f, ok := c.fs[stat.Fsid]
	if !ok {
		return apierrors.ErrFsNotExist
	}
	f.info.Stat = stat
	f.info.Booted = true
	return nil
}

func (c *cluster) SetFsConfigStatus(ctx context.Context, who proto.Identity, fsid proto.FsID, status proto.FsConfigStatus) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.setFsConfigStatus(ctx, who, fsid, status)
}

func (c *cluster) setFsConfigStatus(ctx context.Context, who proto.Identity, fsid proto.FsID, status proto.FsConfigStatus) error {
	f, ok := c.fs[fsid]
	if !ok {
		return apierrors.ErrFsNotExist
	}
	old := f.info.ConfigStatus
	if old == status {
		return nil
	}
	info := f.clone()
	info.ConfigStatus = status
	if err := c.storage.PutFs(ctx, info); err != nil {
		return err
	}
	f.info.ConfigStatus = status
	c.recordChange(ctx, who, "fs", strconv.FormatUint(uint64(fsid), 10), "configstatus", status.String(), old.String())
	return nil
}

func (c *cluster) GetFs(ctx context.Context, fsid proto.FsID) (*FsInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	f, ok := c.fs[fsid]
	if !ok {
		return nil, apierrors.ErrFsNotExist
	}
	return f.clone(), nil
}

// ListFs lists the file systems of group, or all of them if group is empty.
func (c *cluster) ListFs(ctx context.Context, group string) ([]*FsInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	if group != "" {
		g, ok := c.groups[group]
		if !ok {
			return nil, apierrors.ErrGroupNotExist
		}
		res := make([]*FsInfo, 0, g.set.len())
		for _, f := range g.set.fs {
			res = append(res, f.clone())
		}
		return res, nil
	}
	res := make([]*FsInfo, 0, len(c.fs))
	for _, f := range c.fs {
		res = append(res, f.clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Fsid < res[j].Fsid })
	return res, nil
}

func (c *cluster) NodeForFs(ctx context.Context, fsid proto.FsID) (*NodeInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	f, ok := c.fs[fsid]
	if !ok {
		return nil, apierrors.ErrFsNotExist
	}
	info := *f.node.info
	if f.node.isExpire() {
		info.State = proto.NodeStateOffline
	}
	return &info, nil
}

func (c *cluster) ListSpaces(ctx context.Context) ([]*SpaceInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	res := make([]*SpaceInfo, 0, len(c.spaces))
	for name, conf := range c.spaces {
		si := &SpaceInfo{Name: name, Config: copyConfig(conf)}
		for _, g := range c.groups {
			if g.rec.Space == name {
				si.Groups = append(si.Groups, g.name)
			}
		}
		sort.Strings(si.Groups)
		res = append(res, si)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// ListGroups lists the groups of space, or all groups if space is empty.
func (c *cluster) ListGroups(ctx context.Context, space string) ([]*GroupInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	if space != "" {
		if _, ok := c.spaces[space]; !ok {
			return nil, apierrors.ErrSpaceNotExist
		}
	}
	var res []*GroupInfo
	for _, g := range c.groups {
		if space == "" || g.rec.Space == space {
			res = append(res, g.info())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (c *cluster) GetGroup(ctx context.Context, name string) (*GroupInfo, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	g, ok := c.groups[name]
	if !ok {
		return nil, apierrors.ErrGroupNotExist
	}
	return g.info(), nil
}

// GroupFillRatios returns the fill ratio of every booted file system of
// group that holds readable replicas.
func (c *cluster) GroupFillRatios(ctx context.Context, group string) (map[proto.FsID]float64, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.RUnlock()

	g, ok := c.groups[group]
	if !ok {
		return nil, apierrors.ErrGroupNotExist
	}
	res := make(map[proto.FsID]float64, g.set.len())
	for _, f := range g.set.fs {
		if !f.info.Booted || !f.info.ConfigStatus.Readable() || f.info.Stat.Capacity == 0 {
			continue
		}
		res[f.info.Fsid] = f.info.Stat.FillRatio()
	}
	return res, nil
}

// SetGroupBalancerState writes state only if it differs from the current
// one and reports whether it did.
func (c *cluster) SetGroupBalancerState(ctx context.Context, group, state string) (bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	g, ok := c.groups[group]
	if !ok {
		return false, apierrors.ErrGroupNotExist
	}
	if g.rec.BalancerState == state {
		return false, nil
	}
	rec := *g.rec
	rec.BalancerState = state
	if err := c.storage.PutGroup(ctx, group, &rec); err != nil {
		return false, err
	}
	g.rec = &rec
	return true, nil
}

func (c *cluster) SetGroupStatus(ctx context.Context, who proto.Identity, group, status string) error {
	switch status {
	case GroupOn, GroupOff, GroupDrain:
	default:
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "group status %q", status)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.setGroupStatus(ctx, who, group, status)
}

func (c *cluster) setGroupStatus(ctx context.Context, who proto.Identity, group, status string) error {
	g, ok := c.groups[group]
	if !ok {
		return apierrors.ErrGroupNotExist
	}
	old := g.rec.Status
	if old == status {
		return nil
	}
	rec := *g.rec
	rec.Status = status
	if err := c.storage.PutGroup(ctx, group, &rec); err != nil {
		return err
	}
	g.rec = &rec
	c.recordChange(ctx, who, "group", group, "status", status, old)
	return nil
}

func (c *cluster) SetGroupConfig(ctx context.Context, who proto.Identity, group, key, value string) error {
	if key == "" {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "empty config key")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.setGroupConfig(ctx, who, group, key, value)
}

func (c *cluster) setGroupConfig(ctx context.Context, who proto.Identity, group, key, value string) error {
	g, ok := c.groups[group]
	if !ok {
		return apierrors.ErrGroupNotExist
	}
	old := g.rec.Config[key]
	if old == value {
		return nil
	}
	rec := *g.rec
	rec.Config = setConfig(rec.Config, key, value)
	if err := c.storage.PutGroup(ctx, group, &rec); err != nil {
		return err
	}
	g.rec = &rec
	c.recordChange(ctx, who, "group", group, key, value, old)
	return nil
}

// RemoveGroup removes a group without file systems.
func (c *cluster) RemoveGroup(ctx context.Context, group string) error {
	span := trace.SpanFromContextSafe(ctx)

	c.lock.Lock()
	defer c.lock.Unlock()

	g, ok := c.groups[group]
	if !ok {
		return apierrors.ErrGroupNotExist
	}
	if g.set.len() > 0 {
		return apierrors.Wrapf(apierrors.ErrNotEmpty, "group %s has %d file systems", group, g.set.len())
	}
	if err := c.storage.DeleteGroup(ctx, group); err != nil {
		return err
	}
	delete(c.groups, group)
	span.Infof("removed group %s of space %s", group, g.rec.Space)
	return nil
}

func (c *cluster) SetSpaceConfig(ctx context.Context, who proto.Identity, space, key, value string) error {
	if key == "" {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "empty config key")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.setSpaceConfig(ctx, who, space, key, value)
}

func (c *cluster) setSpaceConfig(ctx context.Context, who proto.Identity, space, key, value string) error {
	conf, ok := c.spaces[space]
	if !ok {
		return apierrors.ErrSpaceNotExist
	}
	old := conf[key]
	if old == value {
		return nil
	}
	next := setConfig(conf, key, value)
	if next == nil {
		next = map[string]string{}
	}
	if err := c.storage.PutSpace(ctx, space, next); err != nil {
		return err
	}
	c.spaces[space] = next
	c.recordChange(ctx, who, "space", space, key, value, old)
	return nil
}

func (c *cluster) GetSpaceConfig(ctx context.Context, space, key string) (string, error) {
	if err := c.rlock(ctx); err != nil {
		return "", err
	}
	defer c.lock.RUnlock()

	conf, ok := c.spaces[space]
	if !ok {
		return "", apierrors.ErrSpaceNotExist
	}
	return conf[key], nil
}

// SpaceFree sums up the booted file systems of space.
func (c *cluster) SpaceFree(ctx context.Context, space string) (free, capacity uint64, err error) {
	if err = c.rlock(ctx); err != nil {
		return
	}
	defer c.lock.RUnlock()

	if _, ok := c.spaces[space]; !ok {
		return 0, 0, apierrors.ErrSpaceNotExist
	}
	for _, g := range c.groups {
		if g.rec.Space != space {
			continue
		}
		for _, f := range g.set.fs {
			if !f.info.Booted {
				continue
			}
			free += f.info.Stat.Free()
			capacity += f.info.Stat.Capacity
		}
	}
	return
}

// PlaceReplicas picks args.Count writable file systems on distinct nodes of
// one group. Without a group the groups of the space are tried from the
// emptiest to the fullest.
func (c *cluster) PlaceReplicas(ctx context.Context, args *AllocArgs) ([]*FsInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	if args.Count <= 0 {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "replica count %d", args.Count)
	}

	excludeFs := make(map[proto.FsID]struct{}, len(args.ExcludeFs))
	for _, fsid := range args.ExcludeFs {
		excludeFs[fsid] = struct{}{}
	}
	excludeNodes := make(map[proto.NodeID]struct{}, len(args.ExcludeNodes))
	for _, id := range args.ExcludeNodes {
		excludeNodes[id] = struct{}{}
	}

	// the random source is not safe for concurrent use
	c.lock.Lock()
	defer c.lock.Unlock()

	var candidates []*group
	if args.Group != "" {
		g, ok := c.groups[args.Group]
		if !ok {
			return nil, apierrors.ErrGroupNotExist
		}
		if args.Space != "" && g.rec.Space != args.Space {
			return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "group %s is not in space %s", args.Group, args.Space)
		}
		candidates = append(candidates, g)
	} else {
		if _, ok := c.spaces[args.Space]; !ok {
			return nil, apierrors.ErrSpaceNotExist
		}
		for _, g := range c.groups {
			if g.rec.Space == args.Space {
				candidates = append(candidates, g)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			fi, fj := groupFill(candidates[i]), groupFill(candidates[j])
			if fi != fj {
				return fi < fj
			}
			return candidates[i].name < candidates[j].name
		})
	}

	var lastErr error = apierrors.ErrNoAvailableFs
	for _, g := range candidates {
		if g.rec.Status != GroupOn {
			continue
		}
		picked, err := g.set.alloc(c.rnd, args.Count, excludeFs, excludeNodes)
		if err != nil {
			lastErr = err
			continue
		}
		res := make([]*FsInfo, 0, len(picked))
		for _, f := range picked {
			res = append(res, f.clone())
		}
		return res, nil
	}
	span.Warnf("place %d replicas in space %s group %q failed: %s", args.Count, args.Space, args.Group, lastErr)
	return nil, lastErr
}

func groupFill(g *group) float64 {
	var used, capacity uint64
	for _, f := range g.set.fs {
		used += f.info.Stat.Used
		capacity += f.info.Stat.Capacity
	}
	if capacity == 0 {
		return 1
	}
	return float64(used) / float64(capacity)
}

func (c *cluster) ConfigHistory(ctx context.Context, since time.Time) ([]*ConfigChange, error) {
	return c.storage.LoadHistory(ctx, since)
}

// recordChange is called with the write lock held, a failed history write
// does not undo the change.
func (c *cluster) recordChange(ctx context.Context, who proto.Identity, scope, name, key, value, old string) {
	span := trace.SpanFromContextSafe(ctx)
	change := &ConfigChange{Time: time.Now(), Scope: scope, Name: name, Key: key, Value: value, Old: old, Who: who.Name}
	if err := c.storage.AppendHistory(ctx, atomic.AddUint32(&c.historySeq, 1), change); err != nil {
		span.Warnf("record config change %+v failed: %s", change, err)
		return
	}
	span.Infof("config %s %s: %s=%q (was %q) by %s", scope, name, key, value, old, who.Name)
}

func (c *cluster) DumpConfig(ctx context.Context) ([]byte, error) {
	if err := c.rlock(ctx); err != nil {
		return nil, err
	}
	dump := &ConfigDump{
		Spaces: make(map[string]map[string]string, len(c.spaces)),
		Groups: make(map[string]GroupDump, len(c.groups)),
		Fs:     make(map[proto.FsID]string, len(c.fs)),
	}
	for name, conf := range c.spaces {
		dump.Spaces[name] = copyConfig(conf)
	}
	for name, g := range c.groups {
		dump.Groups[name] = GroupDump{Space: g.rec.Space, Status: g.rec.Status, Config: copyConfig(g.rec.Config)}
	}
	for fsid, f := range c.fs {
		dump.Fs[fsid] = f.info.ConfigStatus.String()
	}
	c.lock.RUnlock()
	return yaml.Marshal(dump)
}

// LoadConfig applies a dump of DumpConfig. Groups and file systems unknown
// to the view are skipped, they come into existence by registration only.
func (c *cluster) LoadConfig(ctx context.Context, who proto.Identity, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	dump := &ConfigDump{}
	if err := yaml.Unmarshal(data, dump); err != nil {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "parse config: %s", err)
	}
	for fsid, s := range dump.Fs {
		if _, ok := proto.ParseFsConfigStatus(s); !ok {
			return apierrors.Wrapf(apierrors.ErrInvalidArgument, "fs %d: config status %q", fsid, s)
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	for space, conf := range dump.Spaces {
		if _, ok := c.spaces[space]; !ok {
			if err := c.storage.PutSpace(ctx, space, map[string]string{}); err != nil {
				return err
			}
			c.spaces[space] = map[string]string{}
		}
		for _, key := range sortedKeys(conf) {
			if err := c.setSpaceConfig(ctx, who, space, key, conf[key]); err != nil {
				return err
			}
		}
	}
	for name, gd := range dump.Groups {
		g, ok := c.groups[name]
		if !ok || g.rec.Space != gd.Space {
			span.Warnf("skip config of unknown group %s", name)
			continue
		}
		if gd.Status != "" {
			if err := c.setGroupStatus(ctx, who, name, gd.Status); err != nil {
				return err
			}
		}
		for _, key := range sortedKeys(gd.Config) {
			if err := c.setGroupConfig(ctx, who, name, key, gd.Config[key]); err != nil {
				return err
			}
		}
	}
	for fsid, s := range dump.Fs {
		if _, ok := c.fs[fsid]; !ok {
			span.Warnf("skip config of unknown fs[%d]", fsid)
			continue
		}
		status, _ := proto.ParseFsConfigStatus(s)
		if err := c.setFsConfigStatus(ctx, who, fsid, status); err != nil {
			return err
		}
	}
	return nil
}

func (c *cluster) Load(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	nodes, err := c.storage.LoadNodes(ctx)
	if err != nil {
		return errors.Info(err, "load nodes").Detail(err)
	}
	fss, err := c.storage.LoadFs(ctx)
	if err != nil {
		return errors.Info(err, "load fs").Detail(err)
	}
	groups, err := c.storage.LoadGroups(ctx)
	if err != nil {
		return errors.Info(err, "load groups").Detail(err)
	}
	spaces, err := c.storage.LoadSpaces(ctx)
	if err != nil {
		return errors.Info(err, "load spaces").Detail(err)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	for _, info := range nodes {
		// a node is offline until it heartbeats
		info.State = proto.NodeStateOffline
		n := &node{info: info, nodeId: info.Id, fs: make(map[proto.FsID]*fs)}
		c.nodes[info.Id] = n
		c.hosts[info.Addr] = n
	}
	for name, conf := range spaces {
		c.spaces[name] = conf
	}
	for name, rec := range groups {
		c.groups[name] = &group{name: name, rec: rec, set: &fsSet{}}
	}
	for _, info := range fss {
		n, ok := c.nodes[info.NodeId]
		if !ok {
			span.Warnf("fs[%d] of unknown node[%d] skipped", info.Fsid, info.NodeId)
			continue
		}
		g, ok := c.groups[info.Group]
		if !ok {
			g = &group{name: info.Group, rec: &groupRecord{Space: info.Space, Status: GroupOn, BalancerState: BalancerIdle}, set: &fsSet{}}
			c.groups[info.Group] = g
		}
		info.Booted = false
		f := &fs{info: info, node: n}
		n.fs[info.Fsid] = f
		c.fs[info.Fsid] = f
		g.set.put(f)
	}
	span.Infof("loaded %d nodes, %d fs, %d groups, %d spaces", len(c.nodes), len(c.fs), len(c.groups), len(c.spaces))

	go c.loop()
	return nil
}

func (c *cluster) Close() {
	close(c.done)
}

func (c *cluster) heartbeatTimeout() time.Duration {
	return time.Duration(c.cfg.HeartbeatTimeoutS) * time.Second
}

// refresh marks nodes without a recent heartbeat offline.
func (c *cluster) refresh(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, n := range c.nodes {
		if n.info.State == proto.NodeStateOnline && n.isExpire() {
			n.info.State = proto.NodeStateOffline
			span.Warnf("node[%d] %s heartbeat expired", n.nodeId, n.info.Addr)
		}
	}
}

func (c *cluster) loop() {
	ticker := time.NewTicker(time.Duration(c.cfg.RefreshIntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, ctx := trace.StartSpanFromContext(context.Background(), "cluster-refresh")
			c.refresh(ctx)
		case <-c.done:
			return
		}
	}
}

func copyConfig(conf map[string]string) map[string]string {
	if len(conf) == 0 {
		return nil
	}
	ret := make(map[string]string, len(conf))
	for k, v := range conf {
		ret[k] = v
	}
	return ret
}

// setConfig sets key in a copy of conf, an empty value removes the key.
func setConfig(conf map[string]string, key, value string) map[string]string {
	ret := copyConfig(conf)
	if value == "" {
		delete(ret, key)
		return ret
	}
	if ret == nil {
		ret = make(map[string]string, 1)
	}
	ret[key] = value
	return ret
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
