package gc

import (
	"container/list"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

// LRU orders files by their last access. It never grows beyond its
// capacity: accesses of new files are dropped while it is full.
type LRU struct {
	lock     sync.Mutex
	max      int
	queue    *list.List
	items    map[proto.FileID]*list.Element
	exceeded bool
	// edges counts false to true transitions of exceeded
	edges int
}

// NewLRU panics if max is not positive.
func NewLRU(max int) *LRU {
	if max <= 0 {
		panic("gc: lru capacity must be positive")
	}
	return &LRU{
		max:   max,
		queue: list.New(),
		items: make(map[proto.FileID]*list.Element),
	}
}

// FileAccessed makes fid the most recently used file.
func (l *LRU) FileAccessed(fid proto.FileID) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if e, ok := l.items[fid]; ok {
		l.queue.MoveToBack(e)
		return
	}
	if l.queue.Len() >= l.max {
		if !l.exceeded {
			l.exceeded = true
			l.edges++
			log.Warnf("tape gc queue reached its maximum of %d files, new files are not tracked", l.max)
		}
		return
	}
	l.items[fid] = l.queue.PushBack(fid)
	metrics.GCQueueSize.Set(float64(l.queue.Len()))
}

// PopLRU removes and returns the least recently used file.
func (l *LRU) PopLRU() (proto.FileID, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	e := l.queue.Front()
	if e == nil {
		return 0, false
	}
	fid := l.queue.Remove(e).(proto.FileID)
	delete(l.items, fid)
	l.popped()
	return fid, true
}

// Remove forgets fid, it reports whether fid was queued.
func (l *LRU) Remove(fid proto.FileID) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	e, ok := l.items[fid]
	if !ok {
		return false
	}
	l.queue.Remove(e)
	delete(l.items, fid)
	l.popped()
	return true
}

func (l *LRU) popped() {
	if l.exceeded && l.queue.Len() < l.max {
		l.exceeded = false
		log.Infof("tape gc queue below its maximum of %d files again", l.max)
	}
	metrics.GCQueueSize.Set(float64(l.queue.Len()))
}

func (l *LRU) Size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.queue.Len()
}

func (l *LRU) MaxSize() int {
	return l.max
}

// ExceededMaxQueueSize reports whether accesses were dropped since the
// queue last had room.
func (l *LRU) ExceededMaxQueueSize() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.exceeded
}
