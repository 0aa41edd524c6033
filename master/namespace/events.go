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

package namespace

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util"
)

type EventKind uint16

const (
	LocationAdded EventKind = iota + 1
	LocationRemoved
	LocationReplaced
	LocationUnlinked
	MTimeChanged
	SizeChanged
	FileCreated
	FileRemoved
	FilePurged
	ContainerCreated
	ContainerRemoved
)

var eventNames = [...]string{
	LocationAdded:    "location_added",
	LocationRemoved:  "location_removed",
	LocationReplaced: "location_replaced",
	LocationUnlinked: "location_unlinked",
	MTimeChanged:     "mtime_changed",
	SizeChanged:      "size_changed",
	FileCreated:      "file_created",
	FileRemoved:      "file_removed",
	FilePurged:       "file_purged",
	ContainerCreated: "container_created",
	ContainerRemoved: "container_removed",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) && eventNames[k] != "" {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", uint16(k))
}

// EventMask selects the kinds a subscriber is interested in.
type EventMask uint32

func Mask(kinds ...EventKind) EventMask {
	var m EventMask
	for _, k := range kinds {
		m |= 1 << k
	}
	return m
}

const AllEvents = ^EventMask(0)

var (
	LocationEvents = Mask(LocationAdded, LocationRemoved, LocationReplaced, LocationUnlinked)
	FileEvents     = Mask(FileCreated, FileRemoved, FilePurged)
)

func (m EventMask) Has(k EventKind) bool {
	return m&(1<<k) != 0
}

// Event describes one applied mutation. File and Container point to the
// record after the mutation. Records are replaced, never modified in place,
// so subscribers may keep them but must not modify them.
type Event struct {
	Kind        EventKind
	FileID      proto.FileID
	ContainerID proto.ContainerID
	// Fsid is the location concerned, OldFsid the replaced one.
	Fsid    proto.FsID
	OldFsid proto.FsID
	Index   int
	// Unlinked marks a location removed from the unlinked list.
	Unlinked bool
	OldSize  uint64
	Size     uint64
	MTime    util.Timespec

	File      *md.FileMD
	Container *md.ContainerMD
}

func (e *Event) String() string {
	switch e.Kind {
	case LocationAdded, LocationRemoved, LocationUnlinked:
		return fmt.Sprintf("%s fid=%d fsid=%d", e.Kind, e.FileID, e.Fsid)
	case LocationReplaced:
		return fmt.Sprintf("%s fid=%d index=%d %d->%d", e.Kind, e.FileID, e.Index, e.OldFsid, e.Fsid)
	case ContainerCreated, ContainerRemoved:
		return fmt.Sprintf("%s cid=%d", e.Kind, e.ContainerID)
	default:
		return fmt.Sprintf("%s fid=%d cid=%d", e.Kind, e.FileID, e.ContainerID)
	}
}

// Handler observes namespace mutations. It is called synchronously with the
// namespace lock held, so it must not call back into the tree. Errors and
// panics are logged, the mutation stands.
type Handler interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

type HandlerFunc func(ctx context.Context, ev *Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

type SubscriptionID uint64

type subscriber struct {
	id      SubscriptionID
	name    string
	mask    EventMask
	handler Handler
}

type dispatcher struct {
	lock   sync.RWMutex
	nextID SubscriptionID
	subs   []*subscriber
}

func (d *dispatcher) subscribe(name string, mask EventMask, h Handler) SubscriptionID {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.nextID++
	subs := make([]*subscriber, len(d.subs), len(d.subs)+1)
	copy(subs, d.subs)
	d.subs = append(subs, &subscriber{id: d.nextID, name: name, mask: mask, handler: h})
	return d.nextID
}

func (d *dispatcher) unsubscribe(id SubscriptionID) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			subs := make([]*subscriber, 0, len(d.subs)-1)
			subs = append(subs, d.subs[:i]...)
			d.subs = append(subs, d.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *dispatcher) dispatch(ctx context.Context, events []*Event) {
	if len(events) == 0 {
		return
	}
	d.lock.RLock()
	subs := d.subs
	d.lock.RUnlock()
	for _, ev := range events {
		for _, s := range subs {
			if s.mask.Has(ev.Kind) {
				s.deliver(ctx, ev)
			}
		}
	}
}

func (s *subscriber) deliver(ctx context.Context, ev *Event) {
	span := trace.SpanFromContextSafe(ctx)
	defer func() {
		if r := recover(); r != nil {
			span.Errorf("subscriber %s panicked on %s: %v", s.name, ev, r)
		}
	}()
	if err := s.handler.HandleEvent(ctx, ev); err != nil {
		span.Warnf("subscriber %s failed on %s: %v", s.name, ev, err)
	}
}
