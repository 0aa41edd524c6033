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

// Package gc frees disk space of a space by dropping the disk replicas of
// the least recently used files that have a copy on tape.
package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/dustin/go-humanize"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/namespace"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/transport"
)

// ArchiveFileIDXattr marks files with a committed tape copy.
const ArchiveFileIDXattr = "sys.archive.file_id"

const (
	defaultSpace        = "default"
	defaultMaxQueueSize = 10000000
	defaultIntervalS    = 10
)

type Config struct {
	Space        string `json:"space"`
	MaxQueueSize int    `json:"max_queue_size"`
	IntervalS    int    `json:"interval_s"`
	// MinFree applies when the space has no gc.minfree setting, e.g. "100GiB".
	MinFree string `json:"min_free"`
}

type Placement interface {
	SpaceFree(ctx context.Context, space string) (free, capacity uint64, err error)
	GetSpaceConfig(ctx context.Context, space, key string) (string, error)
	NodeForFs(ctx context.Context, fsid proto.FsID) (*cluster.NodeInfo, error)
}

type Stats struct {
	Enabled      bool   `json:"enabled"`
	QueueSize    int    `json:"queue_size"`
	MaxQueueSize int    `json:"max_queue_size"`
	Exceeded     bool   `json:"exceeded"`
	Evicted      uint64 `json:"evicted"`
	Failed       uint64 `json:"failed"`
	Requeued     uint64 `json:"requeued"`
	FreedBytes   uint64 `json:"freed_bytes"`
	MinFree      uint64 `json:"min_free"`
	Free         uint64 `json:"free"`
}

// TapeGC tracks files with a tape copy in an LRU queue and stage-removes
// their disk replicas while the space runs short of free bytes.
type TapeGC struct {
	cfg       Config
	tree      *namespace.Tree
	placement Placement
	nodes     transport.NodeClient
	checker   ArchiveChecker
	lru       *LRU

	enabled atomic.Bool
	sub     namespace.SubscriptionID
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	lock  sync.Mutex
	stats Stats
}

// New returns a disabled collector, checker may be nil.
func New(cfg Config, tree *namespace.Tree, placement Placement, nodes transport.NodeClient, checker ArchiveChecker) *TapeGC {
	if cfg.Space == "" {
		cfg.Space = defaultSpace
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.IntervalS <= 0 {
		cfg.IntervalS = defaultIntervalS
	}
	return &TapeGC{
		cfg:       cfg,
		tree:      tree,
		placement: placement,
		nodes:     nodes,
		checker:   checker,
		lru:       NewLRU(cfg.MaxQueueSize),
		done:      make(chan struct{}),
	}
}

// Enable subscribes to the namespace and starts the worker. Only the first
// call has an effect.
func (g *TapeGC) Enable(ctx context.Context) bool {
	if g.stopping() || !g.enabled.CompareAndSwap(false, true) {
		return false
	}
	g.sub = g.tree.Subscribe("tapegc", namespace.Mask(namespace.LocationAdded, namespace.FileRemoved, namespace.FilePurged), g)
	g.wg.Add(1)
	go g.loop()
	trace.SpanFromContextSafe(ctx).Infof("tape gc enabled for space %s", g.cfg.Space)
	return true
}

// Stop waits for the worker. A stage-remove in progress completes.
func (g *TapeGC) Stop() {
	g.once.Do(func() {
		close(g.done)
		if g.enabled.Load() {
			g.tree.Unsubscribe(g.sub)
		}
		g.wg.Wait()
	})
}

// FileOpened records an access of the file at path.
func (g *TapeGC) FileOpened(path string, fid proto.FileID) {
	if !g.enabled.Load() {
		return
	}
	f, err := g.tree.GetFile(fid)
	if err != nil {
		return
	}
	g.accessed(f)
}

// FileReplicaCommitted records that a replica of fid was written.
func (g *TapeGC) FileReplicaCommitted(fid proto.FileID) {
	if !g.enabled.Load() {
		return
	}
	f, err := g.tree.GetFile(fid)
	if err != nil {
		return
	}
	g.accessed(f)
}

// HandleEvent runs under the namespace lock and only touches the queue.
func (g *TapeGC) HandleEvent(ctx context.Context, ev *namespace.Event) error {
	switch ev.Kind {
	case namespace.LocationAdded:
		if ev.File != nil {
			g.accessed(ev.File)
		}
	case namespace.FileRemoved, namespace.FilePurged:
		g.lru.Remove(ev.FileID)
	}
	return nil
}

func (g *TapeGC) accessed(f *md.FileMD) {
	if _, ok := f.Xattr(ArchiveFileIDXattr); !ok || f.IsUnlinked() {
		return
	}
	g.lru.FileAccessed(f.ID)
}

func (g *TapeGC) Stats() Stats {
	g.lock.Lock()
	ret := g.stats
	g.lock.Unlock()
	ret.Enabled = g.enabled.Load()
	ret.QueueSize = g.lru.Size()
	ret.MaxQueueSize = g.lru.MaxSize()
	ret.Exceeded = g.lru.ExceededMaxQueueSize()
	return ret
}

func (g *TapeGC) loop() {
	defer g.wg.Done()
	ticker := time.NewTicker(time.Duration(g.cfg.IntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-g.done:
			return
		}
		span, ctx := trace.StartSpanFromContext(context.Background(), "tapegc")
		if n, err := g.collect(ctx); err != nil {
			span.Warnf("tape gc round failed: %s", errors.Detail(err))
		} else if n > 0 {
			span.Infof("tape gc evicted %d files", n)
		}
	}
}

func (g *TapeGC) stopping() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

func (g *TapeGC) minFree(ctx context.Context) (uint64, error) {
	s, err := g.placement.GetSpaceConfig(ctx, g.cfg.Space, cluster.ConfigGCMinFree)
	if err != nil {
		return 0, err
	}
	if s == "" {
		s = g.cfg.MinFree
	}
	if s == "" {
		return 0, nil
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s %q: %s", cluster.ConfigGCMinFree, s, err)
	}
	return v, nil
}

// collect evicts files until the space has enough free bytes or every
// queued file was tried once, and returns the number of evicted files.
func (g *TapeGC) collect(ctx context.Context) (int, error) {
	span := trace.SpanFromContextSafe(ctx)
	minFree, err := g.minFree(ctx)
	if err != nil {
		return 0, err
	}
	free, _, err := g.placement.SpaceFree(ctx, g.cfg.Space)
	if err != nil {
		return 0, err
	}
	g.lock.Lock()
	g.stats.MinFree, g.stats.Free = minFree, free
	g.lock.Unlock()

	// free only follows heartbeats, count what was dropped meanwhile
	var freed uint64
	evicted := 0
	for attempts := g.lru.Size(); attempts > 0 && free+freed < minFree; attempts-- {
		if g.stopping() {
			break
		}
		fid, ok := g.lru.PopLRU()
		if !ok {
			break
		}
		n, err := g.evict(ctx, fid)
		if err == nil {
			evicted++
			freed += n
			g.record(func(s *Stats) { s.Evicted++; s.FreedBytes += n })
			metrics.GCEvictions.WithLabelValues("ok").Inc()
			continue
		}
		metrics.GCEvictions.WithLabelValues("failed").Inc()
		if g.referenced(fid) {
			span.Warnf("stage remove of file %d failed, requeued: %s", fid, err)
			g.lru.FileAccessed(fid)
			g.record(func(s *Stats) { s.Failed++; s.Requeued++ })
		} else {
			span.Debugf("file %d is gone: %s", fid, err)
			g.record(func(s *Stats) { s.Failed++ })
		}
	}
	if evicted > 0 {
		span.Infof("space %s free %s of %s wanted, freed %s", g.cfg.Space,
			humanize.IBytes(free), humanize.IBytes(minFree), humanize.IBytes(freed))
	}
	return evicted, nil
}

func (g *TapeGC) record(fn func(s *Stats)) {
	g.lock.Lock()
	fn(&g.stats)
	g.lock.Unlock()
}

func (g *TapeGC) referenced(fid proto.FileID) bool {
	f, err := g.tree.GetFile(fid)
	return err == nil && !f.IsUnlinked()
}

// evict stage-removes every disk replica of fid as root and returns the
// bytes freed.
func (g *TapeGC) evict(ctx context.Context, fid proto.FileID) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	f, err := g.tree.GetFile(fid)
	if err != nil {
		return 0, err
	}
	archiveID, ok := f.Xattr(ArchiveFileIDXattr)
	if !ok || f.IsUnlinked() {
		return 0, apierrors.Wrapf(apierrors.ErrNotSupported, "file %d has no tape copy", fid)
	}
	if g.checker != nil {
		ok, err := g.checker.Archived(ctx, archiveID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, apierrors.Wrapf(apierrors.ErrNotFound, "archive copy %s of file %d", archiveID, fid)
		}
	}

	root := proto.RootIdentity()
	var freed uint64
	for _, fsid := range f.Locations {
		n, err := g.placement.NodeForFs(ctx, fsid)
		if err != nil {
			return freed, err
		}
		if err = g.nodes.StageRemove(ctx, n.GrpcAddr, fid, fsid, root); err != nil && !apierrors.Is(err, apierrors.ErrNotFound) {
			return freed, err
		}
		if err = g.tree.RemoveLocation(ctx, fid, fsid); err != nil {
			return freed, err
		}
		freed += f.Size
		span.Debugf("stage removed file %d from fs[%d]", fid, fsid)
	}
	return freed, nil
}
