package storagenode

import (
	"context"
	"encoding/binary"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/cubefs/dsmeta/common/kvstore"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
)

const fmdCF = kvstore.CF("fmd")

type StoreConfig struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

// fmd is the replica metadata a node keeps per fid and fsid.
type fmd struct {
	Info     proto.ReplicaInfo `cbor:"1,keyasint"`
	LayoutID proto.LayoutID    `cbor:"2,keyasint"`
}

// Store keeps the replica metadata of all file systems of a node.
type Store struct {
	kvStore kvstore.Store
}

func NewStore(ctx context.Context, cfg *StoreConfig) (*Store, error) {
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, fmdCF)
	kvStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, "kv"), cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}
	return &Store{kvStore: kvStore}, nil
}

func (s *Store) Get(ctx context.Context, fsid proto.FsID, fid proto.FileID) (*fmd, error) {
	raw, err := s.kvStore.GetRaw(ctx, fmdCF, fmdKey(fsid, fid))
	if err != nil {
		if apierrors.Is(err, kvstore.ErrNotFound) {
			return nil, apierrors.ErrNotFound
		}
		return nil, err
	}
	m := &fmd{}
	if err = cbor.Unmarshal(raw, m); err != nil {
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "fmd of %d on fs %d: %s", fid, fsid, err)
	}
	return m, nil
}

func (s *Store) Put(ctx context.Context, m *fmd) error {
	raw, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, fmdCF, fmdKey(m.Info.Fsid, m.Info.Fid), raw)
}

func (s *Store) Delete(ctx context.Context, fsid proto.FsID, fid proto.FileID) error {
	return s.kvStore.Delete(ctx, fmdCF, fmdKey(fsid, fid))
}

// List returns up to count records of fsid after marker, next is zero when
// the file system has no more records.
func (s *Store) List(ctx context.Context, fsid proto.FsID, marker proto.FileID, count int) (ret []*fmd, next proto.FileID, err error) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, fsid)
	var start []byte
	if marker > 0 {
		start = fmdKey(fsid, marker+1)
	}
	lr := s.kvStore.List(ctx, fmdCF, prefix, start)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, 0, err
		}
		if kg == nil || vg == nil {
			return ret, 0, nil
		}
		fid := binary.BigEndian.Uint64(kg.Key()[4:])
		if count > 0 && len(ret) == count {
			kg.Close()
			vg.Close()
			return ret, ret[len(ret)-1].Info.Fid, nil
		}
		m := &fmd{}
		err = cbor.Unmarshal(vg.Value(), m)
		kg.Close()
		vg.Close()
		if err != nil {
			return nil, 0, apierrors.Wrapf(apierrors.ErrCorrupted, "fmd of %d on fs %d: %s", fid, fsid, err)
		}
		ret = append(ret, m)
	}
}

// Count returns the number of records of fsid.
func (s *Store) Count(ctx context.Context, fsid proto.FsID) (uint64, error) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, fsid)
	lr := s.kvStore.List(ctx, fmdCF, prefix, nil)
	defer lr.Close()

	var n uint64
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return 0, err
		}
		if kg == nil || vg == nil {
			return n, nil
		}
		kg.Close()
		vg.Close()
		n++
	}
}

func (s *Store) Close() {
	s.kvStore.Close()
}

func fmdKey(fsid proto.FsID, fid proto.FileID) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key, fsid)
	binary.BigEndian.PutUint64(key[4:], fid)
	return key
}
