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

// Package transfer runs replica copy and move jobs on the storage nodes.
package transfer

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

const (
	defaultWorkers    = 16
	defaultMaxPending = 100000
)

type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

type ExecutorFunc func(ctx context.Context, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

type Config struct {
	Workers    int `json:"workers"`
	MaxPending int `json:"max_pending"`
}

// Dispatcher queues jobs and runs them on a bounded worker pool. A file has
// at most one job queued or running at a time.
type Dispatcher struct {
	cfg      Config
	executor Executor
	pool     taskpool.TaskPool

	jobs    map[proto.FileID]*Job
	queue   *list.List
	nextID  uint64
	running int
	onDone  []func(ctx context.Context, job *Job)
	started bool
	stopped bool
	lock    sync.Mutex

	inflight sync.WaitGroup
	notifyC  chan struct{}
	done     chan struct{}
	loopDone chan struct{}
}

func NewDispatcher(cfg Config, executor Executor) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	return &Dispatcher{
		cfg:      cfg,
		executor: executor,
		pool:     taskpool.New(cfg.Workers, cfg.Workers),
		jobs:     make(map[proto.FileID]*Job),
		queue:    list.New(),
		notifyC:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// OnDone registers fn to run after every job reached a final status. Not
// safe to call after Start.
func (d *Dispatcher) OnDone(fn func(ctx context.Context, job *Job)) {
	d.onDone = append(d.onDone, fn)
}

func (d *Dispatcher) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	go d.run()
}

// Submit queues job. It fails with ErrBusy while the file has another job.
func (d *Dispatcher) Submit(ctx context.Context, job *Job) error {
	if len(job.Sources) == 0 {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "job for %d without source", job.Fid)
	}
	if job.DropSource && (len(job.Sources) != 1 || len(job.Targets) > 1 || (len(job.Targets) == 0 && job.Count > 1)) {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "move of %d needs one source and one target", job.Fid)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.stopped {
		return apierrors.ErrStopped
	}
	if other, ok := d.jobs[job.Fid]; ok {
		return apierrors.Wrapf(apierrors.ErrBusy, "file %d has %s", job.Fid, other)
	}
	if d.queue.Len() >= d.cfg.MaxPending {
		return apierrors.Wrapf(apierrors.ErrBusy, "%d jobs pending", d.queue.Len())
	}
	d.nextID++
	job.id = d.nextID
	job.createdAt = time.Now()
	job.setStatus(StatusPending, nil)
	d.jobs[job.Fid] = job
	d.queue.PushBack(job)
	trace.SpanFromContextSafe(ctx).Debugf("submit %s", job)
	d.notify()
	return nil
}

// Cancel drops a pending job of fid or flags a running one. It reports
// whether a job was found.
func (d *Dispatcher) Cancel(ctx context.Context, fid proto.FileID) bool {
	d.lock.Lock()
	job, ok := d.jobs[fid]
	if !ok {
		d.lock.Unlock()
		return false
	}
	job.cancelled.Store(true)
	if job.Status() != StatusPending {
		d.lock.Unlock()
		return true
	}
	d.removePendingLocked(job)
	d.lock.Unlock()

	d.finish(ctx, job, StatusCancelled, apierrors.ErrStopped)
	return true
}

func (d *Dispatcher) removePendingLocked(job *Job) {
	for e := d.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*Job) == job {
			d.queue.Remove(e)
			break
		}
	}
	delete(d.jobs, job.Fid)
}

// Get returns the queued or running job of fid.
func (d *Dispatcher) Get(fid proto.FileID) (*Job, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	job, ok := d.jobs[fid]
	return job, ok
}

// InFlight counts queued and running jobs carrying tag.
func (d *Dispatcher) InFlight(tag string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	n := 0
	for _, job := range d.jobs {
		if job.Tag == tag {
			n++
		}
	}
	return n
}

func (d *Dispatcher) Stat() (pending, running int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.queue.Len(), d.running
}

// Jobs lists queued and running jobs ordered by id.
func (d *Dispatcher) Jobs() []JobInfo {
	d.lock.Lock()
	ret := make([]JobInfo, 0, len(d.jobs))
	for _, job := range d.jobs {
		ret = append(ret, job.Info())
	}
	d.lock.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Stop cancels pending jobs and waits for running ones to return.
func (d *Dispatcher) Stop() {
	d.lock.Lock()
	if d.stopped {
		d.lock.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	var pending []*Job
	for e := d.queue.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Job))
	}
	d.queue.Init()
	for _, job := range d.jobs {
		job.cancelled.Store(true)
	}
	for _, job := range pending {
		delete(d.jobs, job.Fid)
	}
	d.lock.Unlock()

	close(d.done)
	if started {
		<-d.loopDone
	}
	span, ctx := trace.StartSpanFromContext(context.Background(), "transfer-stop")
	for _, job := range pending {
		d.finish(ctx, job, StatusCancelled, apierrors.ErrStopped)
	}
	d.inflight.Wait()
	d.pool.Close()
	span.Infof("transfer dispatcher stopped, %d pending jobs cancelled", len(pending))
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.notifyC:
			d.schedule()
		case <-ticker.C:
			d.schedule()
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) schedule() {
	for {
		d.lock.Lock()
		if d.stopped || d.running >= d.cfg.Workers {
			d.lock.Unlock()
			return
		}
		e := d.queue.Front()
		if e == nil {
			d.lock.Unlock()
			return
		}
		job := d.queue.Remove(e).(*Job)
		job.setStatus(StatusRunning, nil)
		d.running++
		d.inflight.Add(1)
		d.lock.Unlock()

		d.pool.Run(func() { d.execute(job) })
	}
}

func (d *Dispatcher) execute(job *Job) {
	defer d.inflight.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "transfer-"+job.Kind.String())

	err := d.executor.Execute(ctx, job)
	status := StatusDone
	switch {
	case err == nil:
		span.Infof("%s done", job)
	case job.Cancelled():
		status = StatusCancelled
		span.Infof("%s cancelled: %s", job, err)
	default:
		status = StatusFailed
		span.Warnf("%s failed: %s", job, err)
	}

	d.lock.Lock()
	d.running--
	delete(d.jobs, job.Fid)
	d.lock.Unlock()
	d.finish(ctx, job, status, err)
	d.notify()
}

func (d *Dispatcher) finish(ctx context.Context, job *Job, status Status, err error) {
	job.setStatus(status, err)
	metrics.TransferJobs.WithLabelValues(job.Kind.String(), status.String()).Inc()
	for _, fn := range d.onDone {
		fn(ctx, job)
	}
}

func (d *Dispatcher) notify() {
	select {
	case d.notifyC <- struct{}{}:
	default:
	}
}
