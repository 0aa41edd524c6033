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

package rocksdb

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/cubefs/dsmeta/common/kvstore"
	rdb "github.com/tecbot/gorocksdb"
)

func init() {
	kvstore.Register(kvstore.RocksdbLsmKVType, newRocksdb)
}

const defaultCF = kvstore.CF("default")

type (
	CF          = kvstore.CF
	Option      = kvstore.Option
	Store       = kvstore.Store
	ListReader  = kvstore.ListReader
	KeyGetter   = kvstore.KeyGetter
	ValueGetter = kvstore.ValueGetter
	WriteBatch  = kvstore.WriteBatch
	Stats       = kvstore.Stats
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	rocksdbListReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		isFirst  bool
	}
	rocksdbKey struct {
		key *rdb.Slice
	}
	rocksdbValue struct {
		index int
		value *rdb.Slice
	}
	rocksdbWriteBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cols := append([]CF{defaultCF}, option.ColumnFamily...)
	cfNames := make([]string, 0, len(cols))
	cfOpts := make([]*rdb.Options, 0, len(cols))
	for _, col := range cols {
		cfNames = append(cfNames, col.String())
		cfOpts = append(cfOpts, dbOpt)
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}
	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle, len(cfhs))
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(option.Sync)
	return &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}, nil
}

func (kg rocksdbKey) Key() []byte {
	return kg.key.Data()
}

func (kg rocksdbKey) Close() {
	kg.key.Free()
}

func (vg *rocksdbValue) Value() []byte {
	return vg.value.Data()
}

func (vg *rocksdbValue) Read(b []byte) (n int, err error) {
	if vg.index >= len(vg.Value()) {
		return 0, io.EOF
	}
	n = copy(b, vg.Value()[vg.index:])
	vg.index += n
	return
}

func (vg *rocksdbValue) Size() int {
	return vg.value.Size()
}

func (vg *rocksdbValue) Close() {
	vg.value.Free()
}

func (lr *rocksdbListReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return rocksdbKey{key: lr.iterator.Key()}, &rocksdbValue{value: lr.iterator.Value()}, nil
}

func (lr *rocksdbListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	key = append([]byte(nil), kg.Key()...)
	value = append([]byte(nil), vg.Value()...)
	kg.Close()
	vg.Close()
	return
}

func (lr *rocksdbListReader) SeekTo(key []byte) {
	lr.isFirst = true
	lr.iterator.Seek(key)
}

func (lr *rocksdbListReader) Close() {
	lr.iterator.Close()
}

func (w *rocksdbWriteBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.getColumnFamily(col), key, value)
}

func (w *rocksdbWriteBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.getColumnFamily(col), key)
}

func (w *rocksdbWriteBatch) Count() int {
	return w.batch.Count()
}

func (w *rocksdbWriteBatch) Close() {
	w.batch.Destroy()
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &rocksdbWriteBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cfHandles[col] != nil {
		return nil
	}
	h, err := s.db.CreateColumnFamily(s.opt, col.String())
	if err != nil {
		return err
	}
	s.cfHandles[col] = h
	return nil
}

func (s *rocksdb) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cfHandles {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *rocksdb) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.cfHandles[col]
	return ok
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte) (ValueGetter, error) {
	v, err := s.db.GetCF(s.readOpt, s.getColumnFamily(col), key)
	if err != nil {
		return nil, err
	}
	if !v.Exists() {
		v.Free()
		return nil, kvstore.ErrNotFound
	}
	return &rocksdbValue{value: v}, nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	vg, err := s.Get(ctx, col, key)
	if err != nil {
		return nil, err
	}
	defer vg.Close()
	return append([]byte(nil), vg.Value()...), nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.PutCF(s.writeOpt, s.getColumnFamily(col), key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.DeleteCF(s.writeOpt, s.getColumnFamily(col), key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	t := s.db.NewIteratorCF(s.readOpt, s.getColumnFamily(col))
	switch {
	case len(marker) > 0:
		t.Seek(marker)
	case prefix != nil:
		t.Seek(prefix)
	default:
		t.SeekToFirst()
	}
	return &rocksdbListReader{iterator: t, prefix: prefix, isFirst: true}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.writeOpt, batch.(*rocksdbWriteBatch).batch)
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	return s.db.FlushCF(s.flushOpt, s.getColumnFamily(col))
}

func (s *rocksdb) Stats(ctx context.Context) (stats Stats, err error) {
	var size int64
	files := s.db.GetLiveFilesMetaData()
	for i := range files {
		size += files[i].Size
	}
	var memory uint64
	s.lock.RLock()
	for _, cf := range s.cfHandles {
		usage, _ := strconv.ParseUint(s.db.GetPropertyCF("rocksdb.cur-size-all-mem-tables", cf), 10, 64)
		memory += usage
	}
	s.lock.RUnlock()
	blockCacheUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-usage"), 10, 64)
	return Stats{Used: uint64(size), MemoryUsage: memory + blockCacheUsage}, nil
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.flushOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	cf, ok := s.cfHandles[col]
	s.lock.RUnlock()
	if !ok {
		panic("col:" + col.String() + " not exist")
	}
	return cf
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	if opt.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundCompactions(opt.MaxBackgroundJobs)
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	switch opt.CompactionStyle {
	case kvstore.LevelStyle:
		opts.SetCompactionStyle(rdb.LevelCompactionStyle)
	case kvstore.UniversalStyle:
		opts.SetCompactionStyle(rdb.UniversalCompactionStyle)
	default:
	}
	opts.SetStatsDumpPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	opts.SetCreateIfMissingColumnFamilies(true)
	return
}
