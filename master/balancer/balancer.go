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

// Package balancer evens out the fill level of the file systems inside the
// groups of a space by moving replicas from full to empty file systems.
package balancer

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/master/transfer"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

const (
	defaultIntervalMs     = 1000
	defaultFailoverGraceS = 60
	defaultThreshold      = 0.2
	defaultNtx            = 10
	defaultSampleFactor   = 4
)

type Config struct {
	IntervalMs int `json:"interval_ms"`
	// FailoverGraceS keeps a freshly elected master from balancing before
	// the nodes reported to it.
	FailoverGraceS int     `json:"failover_grace_s"`
	Threshold      float64 `json:"threshold"`
	Ntx            int     `json:"ntx"`
}

// Leadership tells whether this master is the elected one.
type Leadership interface {
	IsLeader() bool
}

// Placement is the part of the cluster view the balancer needs.
type Placement interface {
	ListGroups(ctx context.Context, space string) ([]*cluster.GroupInfo, error)
	GroupFillRatios(ctx context.Context, group string) (map[proto.FsID]float64, error)
	SetGroupBalancerState(ctx context.Context, group, state string) (bool, error)
	GetSpaceConfig(ctx context.Context, space, key string) (string, error)
	NodeForFs(ctx context.Context, fsid proto.FsID) (*cluster.NodeInfo, error)
}

// Locations lists the files stored on a file system.
type Locations interface {
	SampleLocations(fsid proto.FsID, marker proto.FileID, max int) []proto.FileID
}

type Files interface {
	GetFile(id proto.FileID) (*md.FileMD, error)
}

type Jobs interface {
	Submit(ctx context.Context, job *transfer.Job) error
	InFlight(tag string) int
}

// Balancer runs the balancing loop of one space.
type Balancer struct {
	cfg       Config
	space     string
	leader    Leadership
	placement Placement
	locations Locations
	files     Files
	jobs      Jobs

	lock      sync.Mutex
	groups    map[string]*GroupBalancer
	wasLeader bool
	leaderAt  time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, space string, leader Leadership, placement Placement, locations Locations, files Files, jobs Jobs) *Balancer {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = defaultIntervalMs
	}
	if cfg.FailoverGraceS < 0 {
		cfg.FailoverGraceS = 0
	} else if cfg.FailoverGraceS == 0 {
		cfg.FailoverGraceS = defaultFailoverGraceS
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Ntx <= 0 {
		cfg.Ntx = defaultNtx
	}
	return &Balancer{
		cfg:       cfg,
		space:     space,
		leader:    leader,
		placement: placement,
		locations: locations,
		files:     files,
		jobs:      jobs,
		groups:    make(map[string]*GroupBalancer),
		done:      make(chan struct{}),
	}
}

func (b *Balancer) Space() string {
	return b.space
}

func (b *Balancer) Start() {
	b.wg.Add(1)
	go b.loop()
}

// Stop ends the loop and all group tasks. Transfers already submitted
// finish in the dispatcher.
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.lock.Lock()
		defer b.lock.Unlock()
		for name := range b.groups {
			b.stopGroupLocked(name)
		}
	})
}

func (b *Balancer) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "balancer-"+b.space)
			if err := b.step(ctx); err != nil {
				span.Warnf("balance space %s failed: %s", b.space, errors.Detail(err))
			}
		case <-b.done:
			return
		}
	}
}

// Active lists the groups with a running group task.
func (b *Balancer) Active() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	ret := make([]string, 0, len(b.groups))
	for name := range b.groups {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

func (b *Balancer) step(ctx context.Context) error {
	if !b.leader.IsLeader() {
		b.lock.Lock()
		b.wasLeader = false
		b.lock.Unlock()
		b.retireAll(ctx, false)
		return nil
	}

	b.lock.Lock()
	if !b.wasLeader {
		b.wasLeader = true
		b.leaderAt = time.Now()
	}
	inGrace := time.Since(b.leaderAt) < time.Duration(b.cfg.FailoverGraceS)*time.Second
	b.lock.Unlock()
	if inGrace {
		return nil
	}

	on, err := b.placement.GetSpaceConfig(ctx, b.space, cluster.ConfigBalancer)
	if err != nil {
		return err
	}
	if on != "on" {
		b.retireAll(ctx, true)
		return nil
	}
	groups, err := b.placement.ListGroups(ctx, b.space)
	if err != nil {
		return err
	}
	alive := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		alive[g.Name] = struct{}{}
		ratios, err := b.placement.GroupFillRatios(ctx, g.Name)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("fill ratios of group %s: %s", g.Name, err)
			continue
		}
		_, dev := deviation(ratios)
		if g.Status == cluster.GroupOn && dev > b.threshold(ctx, g) {
			b.setState(ctx, g.Name, cluster.BalancerBalancing)
			b.startGroup(g.Name)
		} else {
			b.setState(ctx, g.Name, cluster.BalancerIdle)
			b.stopGroup(g.Name)
		}
	}

	b.lock.Lock()
	for name := range b.groups {
		if _, ok := alive[name]; !ok {
			b.stopGroupLocked(name)
		}
	}
	b.lock.Unlock()
	return nil
}

// retireAll stops every group task, optionally marking the groups idle.
func (b *Balancer) retireAll(ctx context.Context, markIdle bool) {
	b.lock.Lock()
	for name := range b.groups {
		b.stopGroupLocked(name)
	}
	b.lock.Unlock()
	if !markIdle {
		return
	}
	groups, err := b.placement.ListGroups(ctx, b.space)
	if err != nil {
		return
	}
	for _, g := range groups {
		b.setState(ctx, g.Name, cluster.BalancerIdle)
	}
}

func (b *Balancer) setState(ctx context.Context, group, state string) {
	changed, err := b.placement.SetGroupBalancerState(ctx, group, state)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("set balancer state of group %s: %s", group, err)
		return
	}
	if changed {
		trace.SpanFromContextSafe(ctx).Infof("group %s is %s", group, state)
	}
	v := 0.0
	if state == cluster.BalancerBalancing {
		v = 1
	}
	metrics.BalancerGroupState.WithLabelValues(b.space, group).Set(v)
}

// startGroup is a no-op if the group task runs already.
func (b *Balancer) startGroup(name string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.groups[name]; ok {
		return
	}
	g := newGroupBalancer(b, name)
	b.groups[name] = g
	g.start()
}

// stopGroup is a no-op if no group task runs.
func (b *Balancer) stopGroup(name string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.stopGroupLocked(name)
}

func (b *Balancer) stopGroupLocked(name string) {
	g, ok := b.groups[name]
	if !ok {
		return
	}
	delete(b.groups, name)
	g.stop()
}

// threshold of a group, its own config overrides the space's.
func (b *Balancer) threshold(ctx context.Context, g *cluster.GroupInfo) float64 {
	if g != nil {
		if v, err := strconv.ParseFloat(g.Config[cluster.ConfigBalancerThreshold], 64); err == nil && v > 0 {
			return v
		}
	}
	s, err := b.placement.GetSpaceConfig(ctx, b.space, cluster.ConfigBalancerThreshold)
	if err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			return v
		}
	}
	return b.cfg.Threshold
}

func (b *Balancer) ntx(ctx context.Context) int {
	s, err := b.placement.GetSpaceConfig(ctx, b.space, cluster.ConfigBalancerNtx)
	if err == nil {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return b.cfg.Ntx
}

// deviation returns the average fill ratio and the largest distance of a
// file system from it.
func deviation(ratios map[proto.FsID]float64) (avg, dev float64) {
	if len(ratios) < 2 {
		return 0, 0
	}
	for _, r := range ratios {
		avg += r
	}
	avg /= float64(len(ratios))
	for _, r := range ratios {
		dev = math.Max(dev, math.Abs(r-avg))
	}
	return avg, dev
}
