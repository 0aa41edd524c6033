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
	"context"
	"errors"
	"io"
	"sync"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
	BadgerLsmKVType  = LsmKVType("badger")

	LevelStyle     = CompactionStyle("level")
	UniversalStyle = CompactionStyle("universal")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
	ErrColumnNotExist = errors.New("column family not exist")
)

type (
	CF              string
	LsmKVType       string
	CompactionStyle string

	// Store is the local bookkeeping kv used by the master and by storage nodes.
	Store interface {
		CreateColumn(col CF) error
		GetAllColumns() []CF
		CheckColumns(col CF) bool
		Get(ctx context.Context, col CF, key []byte) (value ValueGetter, err error)
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List iterates keys of col starting with prefix, from marker if not empty.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		NewWriteBatch() WriteBatch
		Write(ctx context.Context, batch WriteBatch) error
		FlushCF(ctx context.Context, col CF) error
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	ListReader interface {
		// ReadNext returns nil getters at the end of the range.
		ReadNext() (key KeyGetter, val ValueGetter, err error)
		ReadNextCopy() (key []byte, value []byte, err error)
		SeekTo(key []byte)
		Close()
	}
	KeyGetter interface {
		Key() []byte
		Close()
	}
	ValueGetter interface {
		Value() []byte
		Read([]byte) (n int, err error)
		Size() int
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Count() int
		Close()
	}

	Stats struct {
		Used        uint64 `json:"used"`
		MemoryUsage uint64 `json:"memory_usage"`
	}
	Option struct {
		Sync              bool            `json:"sync"`
		ColumnFamily      []CF            `json:"column_family"`
		CreateIfMissing   bool            `json:"create_if_missing"`
		InMemory          bool            `json:"in_memory"`
		BlockSize         int             `json:"block_size"`
		BlockCache        uint64          `json:"block_cache"`
		MaxBackgroundJobs int             `json:"max_background_jobs"`
		MaxOpenFiles      int             `json:"max_open_files"`
		WriteBufferSize   int             `json:"write_buffer_size"`
		CompactionStyle   CompactionStyle `json:"compaction_style"`
	}
)

// OpenFunc opens an engine at path.
type OpenFunc func(ctx context.Context, path string, option *Option) (Store, error)

var (
	enginesMu sync.RWMutex
	engines   = map[LsmKVType]OpenFunc{}
)

func init() {
	Register(BadgerLsmKVType, newBadger)
}

// Register makes an engine available to NewKVStore. The rocksdb engine lives in
// its own package since it needs cgo, binaries link it with a blank import.
func Register(lsmType LsmKVType, open OpenFunc) {
	enginesMu.Lock()
	engines[lsmType] = open
	enginesMu.Unlock()
}

// NewKVStore opens the engine named by lsmType at path, badger by default.
// Column families listed in option are created if missing.
func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	if option == nil {
		option = &Option{CreateIfMissing: true}
	}
	if lsmType == "" {
		lsmType = BadgerLsmKVType
	}
	enginesMu.RLock()
	open, ok := engines[lsmType]
	enginesMu.RUnlock()
	if !ok {
		return nil, ErrKVTypeNotFound
	}
	return open(ctx, path, option)
}

func (cf CF) String() string {
	return string(cf)
}

// bytes backed value getter shared by engines that hand out copies
type bytesValue struct {
	index int
	value []byte
}

func (vg *bytesValue) Value() []byte {
	return vg.value
}

func (vg *bytesValue) Read(b []byte) (n int, err error) {
	if vg.index >= len(vg.value) {
		return 0, io.EOF
	}
	n = copy(b, vg.value[vg.index:])
	vg.index += n
	return
}

func (vg *bytesValue) Size() int {
	return len(vg.value)
}

func (vg *bytesValue) Close() {}

type bytesKey []byte

func (k bytesKey) Key() []byte { return k }

func (k bytesKey) Close() {}
