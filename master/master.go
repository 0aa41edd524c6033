// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package master assembles the metadata services of one master process.
package master

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/dsmeta/master/balancer"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/console"
	"github.com/cubefs/dsmeta/master/fsck"
	"github.com/cubefs/dsmeta/master/fsview"
	"github.com/cubefs/dsmeta/master/gc"
	"github.com/cubefs/dsmeta/master/idgenerator"
	"github.com/cubefs/dsmeta/master/namespace"
	"github.com/cubefs/dsmeta/master/route"
	"github.com/cubefs/dsmeta/master/store"
	"github.com/cubefs/dsmeta/master/transfer"
	"github.com/cubefs/dsmeta/transport"
	"github.com/cubefs/dsmeta/util/limiter"
)

const (
	defaultIDBatchSize = 1024
	// QosTransfer limits the replica copies of repairs and balancing.
	QosTransfer = "transfer"
)

type GCConfig struct {
	gc.Config
	Enable bool `json:"enable"`
	// S3 verifies archive copies before eviction when a bucket is set.
	S3 gc.S3Config `json:"s3"`
}

type Config struct {
	Store     store.Config     `json:"store"`
	Namespace namespace.Config `json:"namespace"`
	Cluster   cluster.Config   `json:"cluster"`
	Transfer  transfer.Config  `json:"transfer"`
	Fsck      fsck.Config      `json:"fsck"`
	Balancer  balancer.Config  `json:"balancer"`
	GC        GCConfig         `json:"gc"`
	Console   console.Config   `json:"console"`
	Transport transport.Config `json:"transport"`
	// Qos holds the limits of background work by class, see QosTransfer.
	Qos map[string]limiter.LimitConfig `json:"qos"`

	IDBatchSize int `json:"id_batch_size"`
	// CompactIntervalS rewrites the namespace changelogs periodically, zero disables it.
	CompactIntervalS int `json:"compact_interval_s"`
	// Follower starts the master without the leader role, see SetLeader.
	Follower bool `json:"follower"`
}

// Master is the process context of the master role. Every service gets its
// collaborators passed in, nothing is global.
type Master struct {
	cfg *Config

	store      *store.Store
	ids        idgenerator.IDGenerator
	ns         *namespace.Store
	view       *fsview.View
	cluster    cluster.Cluster
	nodes      transport.NodeClient
	dispatcher *transfer.Dispatcher
	fsck       *fsck.Engine
	gc         *gc.TapeGC
	routes     *route.Table
	console    *console.Console
	qos        map[string]limiter.Limiter

	leader atomic.Bool

	lock      sync.Mutex
	balancers map[string]*balancer.Balancer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func fixConfig(cfg *Config) {
	if cfg.IDBatchSize <= 0 {
		cfg.IDBatchSize = defaultIDBatchSize
	}
	if cfg.Console.ConfigDir == "" {
		cfg.Console.ConfigDir = filepath.Join(cfg.Store.Path, "config")
	}
	if cfg.Qos == nil {
		cfg.Qos = make(map[string]limiter.LimitConfig)
	}
	if _, ok := cfg.Qos[QosTransfer]; !ok {
		cfg.Qos[QosTransfer] = limiter.LimitConfig{}
	}
}

// NewMaster opens the local state and boots the namespace. Background
// services run after Start.
func NewMaster(ctx context.Context, cfg *Config) (*Master, error) {
	span := trace.SpanFromContextSafe(ctx)
	fixConfig(cfg)

	m := &Master{
		cfg:       cfg,
		balancers: make(map[string]*balancer.Balancer),
		qos:       make(map[string]limiter.Limiter, len(cfg.Qos)),
		done:      make(chan struct{}),
	}
	m.leader.Store(!cfg.Follower)
	for class, lc := range cfg.Qos {
		m.qos[class] = limiter.NewLimiter(lc)
	}

	var err error
	if m.store, err = store.NewStore(ctx, &cfg.Store); err != nil {
		return nil, errors.Info(err, "new store").Detail(err)
	}
	if m.ids, err = idgenerator.NewIDGenerator(m.store, cfg.IDBatchSize); err != nil {
		m.store.Close()
		return nil, errors.Info(err, "new id generator").Detail(err)
	}

	if cfg.Namespace.FileLogPath == "" {
		cfg.Namespace.FileLogPath = m.store.ChangelogPath("files")
	}
	if cfg.Namespace.ContainerLogPath == "" {
		cfg.Namespace.ContainerLogPath = m.store.ChangelogPath("directories")
	}

	cfg.Cluster.Store = m.store
	cfg.Cluster.IDs = m.ids
	m.cluster = cluster.NewCluster(ctx, &cfg.Cluster)
	if err = m.cluster.Load(ctx); err != nil {
		m.closeStores()
		return nil, errors.Info(err, "load cluster").Detail(err)
	}

	if m.ns, err = namespace.NewStore(ctx, &cfg.Namespace, m.ids); err != nil {
		m.closeStores()
		return nil, err
	}
	// derived indices subscribe before boot to see every loaded record
	m.view = fsview.New()
	m.view.Attach(m.ns.Tree())
	if err = m.ns.Boot(ctx); err != nil {
		m.closeStores()
		return nil, errors.Info(err, "boot namespace").Detail(err)
	}

	m.routes = route.NewTable(m.store)
	if err = m.routes.Load(ctx); err != nil {
		m.closeStores()
		return nil, errors.Info(err, "load routes").Detail(err)
	}

	tree := m.ns.Tree()
	m.nodes = transport.NewClient(cfg.Transport)
	m.dispatcher = transfer.NewDispatcher(cfg.Transfer,
		transfer.NewExecutor(tree, m.cluster, m.nodes, transfer.WithLimiter(m.qos[QosTransfer])))
	m.fsck = fsck.New(cfg.Fsck, tree, m.view, m.cluster, m.nodes, m.dispatcher)

	var checker gc.ArchiveChecker
	if cfg.GC.S3.Bucket != "" {
		if checker, err = gc.NewS3Checker(ctx, cfg.GC.S3); err != nil {
			m.closeStores()
			return nil, errors.Info(err, "new s3 archive checker").Detail(err)
		}
	}
	m.gc = gc.New(cfg.GC.Config, tree, m.cluster, m.nodes, checker)

	m.console = console.New(cfg.Console, m.fsck, m.cluster, m.gc, m.routes, m.qos)
	span.Infof("master ready, leader %t", m.IsLeader())
	return m, nil
}

func (m *Master) closeStores() {
	if m.ns != nil {
		m.ns.Close()
	}
	if m.cluster != nil {
		m.cluster.Close()
	}
	m.store.Close()
}

// Start runs the transfer workers, the balancers and the tape gc.
func (m *Master) Start(ctx context.Context) error {
	m.dispatcher.Start()
	if err := m.syncBalancers(ctx); err != nil {
		return err
	}
	if m.cfg.GC.Enable {
		m.gc.Enable(ctx)
	}
	m.wg.Add(1)
	go m.loop()
	return nil
}

// syncBalancers runs one balancer per space, spaces appear with the first
// registered file system.
func (m *Master) syncBalancers(ctx context.Context) error {
	spaces, err := m.cluster.ListSpaces(ctx)
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range spaces {
		if _, ok := m.balancers[s.Name]; ok {
			continue
		}
		b := balancer.New(m.cfg.Balancer, s.Name, m, m.cluster, m.view, m.ns.Tree(), m.dispatcher)
		b.Start()
		m.balancers[s.Name] = b
		trace.SpanFromContextSafe(ctx).Infof("balancer of space %s started", s.Name)
	}
	return nil
}

func (m *Master) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var compact <-chan time.Time
	if m.cfg.CompactIntervalS > 0 {
		t := time.NewTicker(time.Duration(m.cfg.CompactIntervalS) * time.Second)
		defer t.Stop()
		compact = t.C
	}
	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "sync-balancers")
			if err := m.syncBalancers(ctx); err != nil {
				span.Warnf("sync balancers failed: %s", errors.Detail(err))
			}
		case <-compact:
			span, ctx := trace.StartSpanFromContext(context.Background(), "compact-namespace")
			if err := m.ns.Compact(ctx); err != nil {
				span.Errorf("compact namespace failed: %s", errors.Detail(err))
			}
		case <-m.done:
			return
		}
	}
}

// IsLeader reports whether this master may move data. Election is outside
// of the process, SetLeader follows its outcome.
func (m *Master) IsLeader() bool {
	return m.leader.Load()
}

func (m *Master) SetLeader(leader bool) {
	if m.leader.Swap(leader) != leader {
		span, _ := trace.StartSpanFromContext(context.Background(), "leader")
		span.Infof("master leader role changed to %t", leader)
	}
}

func (m *Master) Cluster() cluster.Cluster { return m.cluster }
func (m *Master) Tree() *namespace.Tree { return m.ns.Tree() }
func (m *Master) View() *fsview.View { return m.view }
func (m *Master) Fsck() *fsck.Engine { return m.fsck }
func (m *Master) GC() *gc.TapeGC { return m.gc }
func (m *Master) Routes() *route.Table { return m.routes }
func (m *Master) Console() *console.Console { return m.console }
func (m *Master) Dispatcher() *transfer.Dispatcher { return m.dispatcher }
func (m *Master) Qos(class string) limiter.Limiter { return m.qos[class] }

// Balancers lists the spaces with a running balancer.
func (m *Master) Balancers() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	ret := make([]string, 0, len(m.balancers))
	for space := range m.balancers {
		ret = append(ret, space)
	}
	sort.Strings(ret)
	return ret
}

// Close stops the background services before the stores they write to.
func (m *Master) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.lock.Lock()
		for _, b := range m.balancers {
			b.Stop()
		}
		m.lock.Unlock()
		m.gc.Stop()
		m.dispatcher.Stop()
		m.nodes.Close()
		m.closeStores()
	})
}
