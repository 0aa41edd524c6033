// Copyright 2023 The Cuber Authors.
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

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Column families are emulated with a key prefix of one length byte plus the
// column name. Column names are registered under metaPrefix, whose leading zero
// byte can not collide with a column prefix.
var metaPrefix = []byte{0, 'c', 'f', 0}

type (
	badgerStore struct {
		db   *badger.DB
		lock sync.RWMutex
		cols map[CF][]byte
	}
	badgerListReader struct {
		txn      *badger.Txn
		iterator *badger.Iterator
		colPre   []byte
		prefix   []byte
		isFirst  bool
	}
	badgerOp struct {
		del   bool
		key   []byte
		value []byte
	}
	badgerWriteBatch struct {
		s   *badgerStore
		ops []badgerOp
	}
)

func newBadger(ctx context.Context, path string, option *Option) (Store, error) {
	var opts badger.Options
	if option.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if path == "" {
			return nil, errors.New("path is empty")
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(option.Sync)
	}
	opts = opts.WithLogger(nil).WithCompression(options.None)
	if option.BlockCache > 0 {
		opts = opts.WithBlockCacheSize(int64(option.BlockCache))
	}
	if option.WriteBufferSize > 0 {
		opts = opts.WithMemTableSize(int64(option.WriteBufferSize))
	}
	if option.MaxBackgroundJobs > 0 {
		opts = opts.WithNumCompactors(option.MaxBackgroundJobs)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &badgerStore{db: db, cols: map[CF][]byte{defaultCF: columnPrefix(defaultCF)}}
	if err = s.loadColumns(); err != nil {
		db.Close()
		return nil, err
	}
	for _, col := range option.ColumnFamily {
		if err = s.CreateColumn(col); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func columnPrefix(col CF) []byte {
	return append([]byte{byte(len(col))}, col...)
}

func (s *badgerStore) loadColumns() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = metaPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			col := CF(it.Item().Key()[len(metaPrefix):])
			s.cols[col] = columnPrefix(col)
		}
		return nil
	})
}

func (s *badgerStore) prefixOf(col CF) []byte {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	pre, ok := s.cols[col]
	s.lock.RUnlock()
	if !ok {
		panic("col:" + col.String() + " not exist")
	}
	return pre
}

func (s *badgerStore) encodeKey(col CF, key []byte) []byte {
	pre := s.prefixOf(col)
	ret := make([]byte, 0, len(pre)+len(key))
	return append(append(ret, pre...), key...)
}

func (s *badgerStore) CreateColumn(col CF) error {
	if len(col) == 0 || len(col) > 0xff {
		return errors.New("invalid column name")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.cols[col]; ok {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(append([]byte(nil), metaPrefix...), col...), nil)
	})
	if err != nil {
		return err
	}
	s.cols[col] = columnPrefix(col)
	return nil
}

func (s *badgerStore) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cols {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *badgerStore) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.cols[col]
	return ok
}

func (s *badgerStore) Get(ctx context.Context, col CF, key []byte) (ValueGetter, error) {
	value, err := s.GetRaw(ctx, col, key)
	if err != nil {
		return nil, err
	}
	return &bytesValue{value: value}, nil
}

func (s *badgerStore) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	k := s.encodeKey(col, key)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *badgerStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	k := s.encodeKey(col, key)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, value)
	})
}

func (s *badgerStore) Delete(ctx context.Context, col CF, key []byte) error {
	k := s.encodeKey(col, key)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (s *badgerStore) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	colPre := s.prefixOf(col)
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = append(append([]byte(nil), colPre...), prefix...)
	lr := &badgerListReader{
		txn:      txn,
		iterator: txn.NewIterator(opts),
		colPre:   colPre,
		prefix:   opts.Prefix,
	}
	if len(marker) > 0 {
		lr.SeekTo(marker)
	} else {
		lr.isFirst = true
		lr.iterator.Rewind()
	}
	return lr
}

func (lr *badgerListReader) ReadNext() (KeyGetter, ValueGetter, error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	item := lr.iterator.Item()
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	key := item.KeyCopy(nil)[len(lr.colPre):]
	return bytesKey(key), &bytesValue{value: value}, nil
}

func (lr *badgerListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	return kg.Key(), vg.Value(), nil
}

func (lr *badgerListReader) SeekTo(key []byte) {
	lr.isFirst = true
	target := append(append([]byte(nil), lr.colPre...), key...)
	if bytes.Compare(target, lr.prefix) < 0 {
		target = lr.prefix
	}
	lr.iterator.Seek(target)
}

func (lr *badgerListReader) Close() {
	lr.iterator.Close()
	lr.txn.Discard()
}

func (s *badgerStore) NewWriteBatch() WriteBatch {
	return &badgerWriteBatch{s: s}
}

func (w *badgerWriteBatch) Put(col CF, key, value []byte) {
	w.ops = append(w.ops, badgerOp{key: w.s.encodeKey(col, key), value: append([]byte(nil), value...)})
}

func (w *badgerWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, badgerOp{del: true, key: w.s.encodeKey(col, key)})
}

func (w *badgerWriteBatch) Count() int {
	return len(w.ops)
}

func (w *badgerWriteBatch) Close() {
	w.ops = nil
}

// Write applies the batch in a single transaction, so it is atomic.
func (s *badgerStore) Write(ctx context.Context, batch WriteBatch) error {
	ops := batch.(*badgerWriteBatch).ops
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.del {
				err = txn.Delete(op.key)
			} else {
				err = txn.Set(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) FlushCF(ctx context.Context, col CF) error {
	if s.db.Opts().InMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *badgerStore) Stats(ctx context.Context) (Stats, error) {
	lsm, vlog := s.db.Size()
	return Stats{Used: uint64(lsm + vlog), MemoryUsage: uint64(s.db.Opts().MemTableSize)}, nil
}

func (s *badgerStore) Close() {
	s.db.Close()
}
