package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/dsmeta/errors"
)

var ctx = context.Background()

type doneRecorder struct {
	mu   sync.Mutex
	jobs []*Job
	ch   chan *Job
}

func newDoneRecorder(d *Dispatcher) *doneRecorder {
	r := &doneRecorder{ch: make(chan *Job, 64)}
	d.OnDone(func(ctx context.Context, job *Job) {
		r.mu.Lock()
		r.jobs = append(r.jobs, job)
		r.mu.Unlock()
		r.ch <- job
	})
	return r
}

func (r *doneRecorder) wait(t *testing.T) *Job {
	select {
	case job := <-r.ch:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no job finished")
		return nil
	}
}

func TestDispatcher_RunAndDedupe(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(Config{Workers: 2}, ExecutorFunc(func(ctx context.Context, job *Job) error {
		<-release
		if job.Fid == 2 {
			return errors.New("copy failed")
		}
		return nil
	}))
	r := newDoneRecorder(d)
	d.Start()
	defer d.Stop()

	require.ErrorIs(t, d.Submit(ctx, &Job{Fid: 1}), apierrors.ErrInvalidArgument)
	require.ErrorIs(t, d.Submit(ctx, &Job{Fid: 1, Sources: []uint32{1, 2}, DropSource: true}), apierrors.ErrInvalidArgument)

	require.NoError(t, d.Submit(ctx, &Job{Fid: 1, Kind: KindReplicate, Sources: []uint32{1}, Tag: "g"}))
	require.NoError(t, d.Submit(ctx, &Job{Fid: 2, Kind: KindBalance, Sources: []uint32{1}, Tag: "g"}))
	require.ErrorIs(t, d.Submit(ctx, &Job{Fid: 1, Sources: []uint32{3}}), apierrors.ErrBusy)
	require.Equal(t, 2, d.InFlight("g"))
	require.Len(t, d.Jobs(), 2)

	close(release)
	got := map[uint64]Status{}
	for i := 0; i < 2; i++ {
		job := r.wait(t)
		got[job.Fid] = job.Status()
	}
	require.Equal(t, StatusDone, got[1])
	require.Equal(t, StatusFailed, got[2])
	require.Zero(t, d.InFlight("g"))

	// a finished file takes new jobs
	require.NoError(t, d.Submit(ctx, &Job{Fid: 1, Sources: []uint32{1}}))
	require.Equal(t, StatusDone, r.wait(t).Status())
}

func TestDispatcher_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	d := NewDispatcher(Config{Workers: 1}, ExecutorFunc(func(ctx context.Context, job *Job) error {
		started <- struct{}{}
		for !job.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return apierrors.ErrStopped
	}))
	r := newDoneRecorder(d)
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Submit(ctx, &Job{Fid: 1, Sources: []uint32{1}}))
	<-started
	require.NoError(t, d.Submit(ctx, &Job{Fid: 2, Sources: []uint32{1}}))
	pending, running := d.Stat()
	require.Equal(t, 1, pending)
	require.Equal(t, 1, running)

	require.True(t, d.Cancel(ctx, 2))
	job := r.wait(t)
	require.Equal(t, uint64(2), job.Fid)
	require.Equal(t, StatusCancelled, job.Status())

	require.True(t, d.Cancel(ctx, 1))
	job = r.wait(t)
	require.Equal(t, uint64(1), job.Fid)
	require.Equal(t, StatusCancelled, job.Status())
	require.False(t, d.Cancel(ctx, 1))
}

func TestDispatcher_Stop(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished sync.WaitGroup
	finished.Add(1)
	d := NewDispatcher(Config{Workers: 1}, ExecutorFunc(func(ctx context.Context, job *Job) error {
		started <- struct{}{}
		defer finished.Done()
		for !job.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return apierrors.ErrStopped
	}))
	r := newDoneRecorder(d)
	d.Start()

	require.NoError(t, d.Submit(ctx, &Job{Fid: 1, Sources: []uint32{1}}))
	<-started
	for fid := uint64(2); fid <= 4; fid++ {
		require.NoError(t, d.Submit(ctx, &Job{Fid: fid, Sources: []uint32{1}}))
	}
	d.Stop()
	finished.Wait()

	r.mu.Lock()
	require.Len(t, r.jobs, 4)
	for _, job := range r.jobs {
		require.Equal(t, StatusCancelled, job.Status())
	}
	r.mu.Unlock()
	require.ErrorIs(t, d.Submit(ctx, &Job{Fid: 9, Sources: []uint32{1}}), apierrors.ErrStopped)
}
