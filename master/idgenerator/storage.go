package idgenerator

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/dsmeta/common/kvstore"
	"github.com/cubefs/dsmeta/master/store"
)

var cf = store.CFId

type storage struct {
	kvStore kvstore.Store
}

func (s *storage) Load(ctx context.Context) (map[string]uint64, error) {
	lr := s.kvStore.List(ctx, cf, nil, nil)
	defer lr.Close()

	ret := make(map[string]uint64)
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if kg == nil || vg == nil {
			break
		}
		ret[decodeName(kg.Key())] = decodeValue(vg.Value())
		kg.Close()
		vg.Close()
	}
	return ret, nil
}

func (s *storage) Put(ctx context.Context, name string, commit uint64) error {
	return s.kvStore.SetRaw(ctx, cf, encodeName(name), encodeValue(commit))
}

func encodeName(name string) []byte {
	return []byte(name)
}

func decodeName(raw []byte) string {
	return string(raw)
}

func encodeValue(commit uint64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, commit)
	return v
}

func decodeValue(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}
