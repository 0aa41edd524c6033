package balancer

import (
	"context"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/transfer"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

// GroupBalancer moves replicas from the fullest to the emptiest file
// system of one group, with a bounded number of transfers in flight.
type GroupBalancer struct {
	b       *Balancer
	group   string
	markers map[proto.FsID]proto.FileID

	done    chan struct{}
	stopped chan struct{}
}

func newGroupBalancer(b *Balancer, group string) *GroupBalancer {
	return &GroupBalancer{
		b:       b,
		group:   group,
		markers: make(map[proto.FsID]proto.FileID),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (g *GroupBalancer) tag() string {
	return "balance/" + g.group
}

func (g *GroupBalancer) start() {
	go g.run()
}

// stop waits for the task to return.
func (g *GroupBalancer) stop() {
	close(g.done)
	<-g.stopped
}

func (g *GroupBalancer) run() {
	defer close(g.stopped)
	span, ctx := trace.StartSpanFromContext(context.Background(), "group-balancer-"+g.group)
	span.Infof("start balancing group %s", g.group)
	defer span.Infof("stop balancing group %s", g.group)

	ticker := time.NewTicker(time.Duration(g.b.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := g.round(ctx); err != nil {
				span.Warnf("balance round failed: %s", err)
			} else if n > 0 {
				span.Debugf("scheduled %d transfers", n)
			}
		case <-g.done:
			return
		}
	}
}

// round schedules moves up to the free transfer slots and returns how many
// it submitted.
func (g *GroupBalancer) round(ctx context.Context) (int, error) {
	b := g.b
	budget := b.ntx(ctx) - b.jobs.InFlight(g.tag())
	if budget <= 0 {
		return 0, nil
	}
	ratios, err := b.placement.GroupFillRatios(ctx, g.group)
	if err != nil {
		return 0, err
	}
	if len(ratios) < 2 {
		return 0, nil
	}
	fss := make([]proto.FsID, 0, len(ratios))
	for fsid := range ratios {
		fss = append(fss, fsid)
	}
	sort.Slice(fss, func(i, j int) bool {
		if ratios[fss[i]] != ratios[fss[j]] {
			return ratios[fss[i]] > ratios[fss[j]]
		}
		return fss[i] < fss[j]
	})
	src, dst := fss[0], fss[len(fss)-1]
	if ratios[src] == ratios[dst] {
		return 0, nil
	}
	dstNode, err := b.placement.NodeForFs(ctx, dst)
	if err != nil {
		return 0, err
	}

	marker := g.markers[src]
	fids := b.locations.SampleLocations(src, marker, budget*defaultSampleFactor)
	if len(fids) < budget*defaultSampleFactor {
		g.markers[src] = 0
	} else {
		g.markers[src] = fids[len(fids)-1]
	}

	scheduled := 0
	for _, fid := range fids {
		if scheduled >= budget {
			break
		}
		if !g.movable(ctx, fid, src, dst, dstNode.Id) {
			continue
		}
		err := b.jobs.Submit(ctx, &transfer.Job{
			Fid:        fid,
			Kind:       transfer.KindBalance,
			Sources:    []proto.FsID{src},
			Targets:    []proto.FsID{dst},
			DropSource: true,
			Tag:        g.tag(),
		})
		if apierrors.Is(err, apierrors.ErrBusy) {
			continue
		}
		if err != nil {
			return scheduled, err
		}
		scheduled++
		metrics.BalancerScheduled.WithLabelValues(b.space, g.group).Inc()
	}
	return scheduled, nil
}

// movable rejects files whose layout or placement forbids the move.
func (g *GroupBalancer) movable(ctx context.Context, fid proto.FileID, src, dst proto.FsID, dstNode proto.NodeID) bool {
	f, err := g.b.files.GetFile(fid)
	if err != nil || f.IsUnlinked() || f.Layout().IsRain() || f.HasLocation(dst) || !f.HasLocation(src) {
		return false
	}
	for _, l := range f.Locations {
		if l == src {
			continue
		}
		n, err := g.b.placement.NodeForFs(ctx, l)
		if err != nil || n.Id == dstNode {
			return false
		}
	}
	return true
}
