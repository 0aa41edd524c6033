// Copyright 2022 The CubeFS Authors.
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

package idgenerator

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/dsmeta/master/store"
)

var (
	MaxCount = 1000000

	ErrInvalidCount = errors.New("request count is invalid")
)

const defaultBatch = 1024

// IDGenerator hands out ids per scope. Ids are persisted in batches, so an id
// is never handed out twice even across restarts, ids of an unused batch are lost.
type IDGenerator interface {
	// Alloc persists and returns the range (base, new] of count ids.
	Alloc(ctx context.Context, name string, count int) (base, new uint64, err error)
	// Next returns one id from the locally cached batch of name.
	Next(ctx context.Context, name string) (uint64, error)
	// Reserve makes sure no id up to min is handed out again.
	Reserve(ctx context.Context, name string, min uint64) error
	Current(name string) uint64
}

type batch struct {
	next, end uint64
}

type idGenerator struct {
	scopeItems map[string]uint64
	batches    map[string]*batch
	batchSize  int

	storage *storage
	lock    sync.Mutex
}

func NewIDGenerator(store *store.Store, batchSize int) (IDGenerator, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "NewIDGenerator")

	if batchSize <= 0 {
		batchSize = defaultBatch
	}
	s := &idGenerator{
		storage:   &storage{kvStore: store.KVStore()},
		batches:   make(map[string]*batch),
		batchSize: batchSize,
	}
	scopeItems, err := s.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.scopeItems = scopeItems
	span.Infof("scope item: %+v", scopeItems)
	return s, nil
}

func (s *idGenerator) Alloc(ctx context.Context, name string, count int) (base, new uint64, err error) {
	if count <= 0 {
		return 0, 0, ErrInvalidCount
	}
	if count > MaxCount {
		count = MaxCount
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.alloc(ctx, name, count)
}

func (s *idGenerator) alloc(ctx context.Context, name string, count int) (base, new uint64, err error) {
	span := trace.SpanFromContextSafe(ctx)
	base = s.scopeItems[name]
	new = base + uint64(count)
	if err = s.storage.Put(ctx, name, new); err != nil {
		span.Errorf("put id failed, name %s, err: %v", name, err)
		return 0, 0, err
	}
	s.scopeItems[name] = new
	span.Debugf("alloc success, name %s, base %d, new %d", name, base, new)
	return base, new, nil
}

func (s *idGenerator) Next(ctx context.Context, name string) (uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	b := s.batches[name]
	if b == nil || b.next > b.end {
		base, new, err := s.alloc(ctx, name, s.batchSize)
		if err != nil {
			return 0, err
		}
		b = &batch{next: base + 1, end: new}
		s.batches[name] = b
	}
	id := b.next
	b.next++
	return id, nil
}

func (s *idGenerator) Reserve(ctx context.Context, name string, min uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if b := s.batches[name]; b != nil && b.next <= min {
		// drop the cached batch, it overlaps reserved ids
		delete(s.batches, name)
	}
	if s.scopeItems[name] >= min {
		return nil
	}
	trace.SpanFromContextSafe(ctx).Warnf("reserve id scope %s up to %d, persisted %d", name, min, s.scopeItems[name])
	_, _, err := s.alloc(ctx, name, int(min-s.scopeItems[name]))
	return err
}

func (s *idGenerator) Current(name string) uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.scopeItems[name]
}
