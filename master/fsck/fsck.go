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

// Package fsck reconciles the namespace's view of a file with the replicas
// the storage nodes hold, and repairs what it finds.
package fsck

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/fsview"
	"github.com/cubefs/dsmeta/master/namespace"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/master/transfer"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
)

const (
	defaultStatTimeoutMs = 10000
	defaultParallel      = 8
	defaultListPageSize  = 1000
)

type Config struct {
	StatTimeoutMs int `json:"stat_timeout_ms"`
	// Parallel bounds concurrent replica queries of one file.
	Parallel int `json:"parallel"`
	// RepairRate limits repairs per second, zero is unlimited.
	RepairRate   float64 `json:"repair_rate"`
	RepairBurst  int     `json:"repair_burst"`
	ListPageSize int     `json:"list_page_size"`
}

// Placement is the part of the cluster view fsck needs.
type Placement interface {
	NodeForFs(ctx context.Context, fsid proto.FsID) (*cluster.NodeInfo, error)
	ListFs(ctx context.Context, group string) ([]*cluster.FsInfo, error)
}

// Submitter takes copy jobs, see transfer.Dispatcher.
type Submitter interface {
	Submit(ctx context.Context, job *transfer.Job) error
}

type Engine struct {
	cfg       Config
	tree      *namespace.Tree
	view      *fsview.View
	placement Placement
	nodes     transport.NodeClient
	jobs      Submitter

	sf      singleflight.Group
	limiter *rate.Limiter

	lock       sync.Mutex
	stats      Stats
	lastReport *Report
}

type Stats struct {
	Scans    int                 `json:"scans"`
	LastScan time.Time           `json:"last_scan"`
	Repairs  map[Kind]RepairStat `json:"repairs"`
}

type RepairStat struct {
	Ok     int `json:"ok"`
	Failed int `json:"failed"`
	Noop   int `json:"noop"`
}

func New(cfg Config, tree *namespace.Tree, view *fsview.View, placement Placement, nodes transport.NodeClient, jobs Submitter) *Engine {
	if cfg.StatTimeoutMs <= 0 {
		cfg.StatTimeoutMs = defaultStatTimeoutMs
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = defaultParallel
	}
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = defaultListPageSize
	}
	limit := rate.Inf
	if cfg.RepairRate > 0 {
		limit = rate.Limit(cfg.RepairRate)
	}
	if cfg.RepairBurst <= 0 {
		cfg.RepairBurst = 1
	}
	return &Engine{
		cfg:       cfg,
		tree:      tree,
		view:      view,
		placement: placement,
		nodes:     nodes,
		jobs:      jobs,
		limiter:   rate.NewLimiter(limit, cfg.RepairBurst),
		stats:     Stats{Repairs: make(map[Kind]RepairStat)},
	}
}

// replica is what one storage node said about one replica. err is set when
// the node could not be asked.
type replica struct {
	fsid       proto.FsID
	registered bool
	status     proto.ReplicaStatus
	info       proto.ReplicaInfo
	err        error
}

// absent means the node proved the replica has no data.
func (r *replica) absent() bool {
	return r.err == nil && (r.status == proto.ReplicaNotFound || r.info.LayoutError&proto.LayoutErrMissing != 0)
}

func (r *replica) available() bool {
	return r.err == nil && r.status == proto.ReplicaOK && r.info.LayoutError&proto.LayoutErrMissing == 0
}

// fileState is the collected ground truth of one file. Registered replicas
// come first in location order, unregistered ones follow by fsid.
type fileState struct {
	file     *md.FileMD
	layout   proto.Layout
	replicas []*replica
}

// valid replicas match the namespace record and their own disk measurement.
func (s *fileState) valid(r *replica) bool {
	if !r.available() || r.info.DiskSize != s.file.Size || !r.info.Consistent() {
		return false
	}
	return len(s.file.Checksum) == 0 || string(r.info.DiskChecksum) == string(s.file.Checksum)
}

func (s *fileState) get(fsid proto.FsID) *replica {
	for _, r := range s.replicas {
		if r.fsid == fsid {
			return r
		}
	}
	return nil
}

// collect reads the file record and asks every node holding a location or
// one of extra about its replica. Concurrent collections of the same file
// share one round of queries.
func (e *Engine) collect(ctx context.Context, fid proto.FileID, extra ...proto.FsID) (*fileState, error) {
	extra = append([]proto.FsID(nil), extra...)
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	key := fmt.Sprintf("%d:%v", fid, extra)
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		return e.doCollect(ctx, fid, extra)
	})
	if err != nil {
		return nil, err
	}
	return v.(*fileState), nil
}

func (e *Engine) doCollect(ctx context.Context, fid proto.FileID, extra []proto.FsID) (*fileState, error) {
	f, err := e.tree.GetFile(fid)
	if err != nil {
		return nil, err
	}
	st := &fileState{file: f, layout: f.Layout()}
	for _, fsid := range f.Locations {
		st.replicas = append(st.replicas, &replica{fsid: fsid, registered: true})
	}
	for _, fsid := range extra {
		if fsid == 0 || f.HasLocation(fsid) || st.get(fsid) != nil {
			continue
		}
		st.replicas = append(st.replicas, &replica{fsid: fsid})
	}

	g := errgroup.Group{}
	g.SetLimit(e.cfg.Parallel)
	for _, r := range st.replicas {
		r := r
		g.Go(func() error {
			r.status, r.info, r.err = e.statReplica(ctx, fid, r.fsid)
			return nil
		})
	}
	g.Wait()
	return st, nil
}

func (e *Engine) statReplica(ctx context.Context, fid proto.FileID, fsid proto.FsID) (proto.ReplicaStatus, proto.ReplicaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.StatTimeoutMs)*time.Millisecond)
	defer cancel()
	n, err := e.placement.NodeForFs(ctx, fsid)
	if err != nil {
		return 0, proto.ReplicaInfo{}, err
	}
	ret, err := e.nodes.StatReplica(ctx, n.GrpcAddr, fid, fsid)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("stat replica %d on fs[%d] failed: %s", fid, fsid, err)
		return 0, proto.ReplicaInfo{}, err
	}
	return ret.Status, ret.Info, nil
}

// Check collects fid and classifies what is wrong with it.
func (e *Engine) Check(ctx context.Context, fid proto.FileID, extra ...proto.FsID) ([]Finding, error) {
	st, err := e.collect(ctx, fid, extra...)
	if err != nil {
		return nil, err
	}
	return classify(st), nil
}

// classify turns collected state into findings.
func classify(st *fileState) []Finding {
	var ret []Finding
	add := func(kind Kind, fsid proto.FsID) {
		ret = append(ret, Finding{Fid: st.file.ID, Fsid: fsid, Kind: kind})
	}
	f := st.file
	registered := 0
	for _, r := range st.replicas {
		if r.registered {
			registered++
		}
		switch {
		case r.err != nil:
			continue
		case r.absent():
			if r.registered {
				add(KindMissingReplica, r.fsid)
			}
			continue
		case !r.available():
			continue
		}
		if !r.registered {
			add(KindUnregisteredReplica, r.fsid)
			continue
		}
		if r.info.DiskSize != r.info.Size {
			add(KindFstSizeDiff, r.fsid)
		}
		if len(r.info.DiskChecksum) > 0 && string(r.info.DiskChecksum) != string(r.info.Checksum) {
			add(KindFstChecksumDiff, r.fsid)
		}
		if r.info.DiskSize != f.Size {
			add(KindMgmSizeDiff, r.fsid)
		}
		if len(f.Checksum) > 0 && string(r.info.DiskChecksum) != string(f.Checksum) {
			add(KindMgmChecksumDiff, r.fsid)
		}
	}
	if !st.layout.IsRain() && !f.OnTape() && registered != st.layout.ExpectedReplicas() {
		add(KindDifferingReplica, 0)
	}
	return ret
}

// Stat returns a copy of the engine counters.
func (e *Engine) Stat() Stats {
	e.lock.Lock()
	defer e.lock.Unlock()
	ret := e.stats
	ret.Repairs = make(map[Kind]RepairStat, len(e.stats.Repairs))
	for k, v := range e.stats.Repairs {
		ret.Repairs[k] = v
	}
	return ret
}

// LastReport returns the report of the latest scan, nil before the first one.
func (e *Engine) LastReport() *Report {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.lastReport
}

func (e *Engine) record(kind Kind, result string) {
	e.lock.Lock()
	s := e.stats.Repairs[kind]
	switch result {
	case "ok":
		s.Ok++
	case "noop":
		s.Noop++
	default:
		s.Failed++
	}
	e.stats.Repairs[kind] = s
	e.lock.Unlock()
	metrics.FsckRepairs.WithLabelValues(kind.String(), result).Inc()
}

func fsidList(fsids []proto.FsID) string {
	s := make([]string, len(fsids))
	for i, fsid := range fsids {
		s[i] = fmt.Sprint(fsid)
	}
	return strings.Join(s, ",")
}
