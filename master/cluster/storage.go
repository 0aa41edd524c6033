package cluster

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cubefs/dsmeta/common/kvstore"
	"github.com/cubefs/dsmeta/master/store"
)

var (
	nodeKeyPrefix  = []byte("n")
	fsKeyPrefix    = []byte("f")
	groupKeyPrefix = []byte("g")
	spaceKeyPrefix = []byte("s")
	keyInfix       = []byte("/")
)

// groupRecord is the persisted part of a group, its members are derived
// from the registered file systems.
type groupRecord struct {
	Space         string            `json:"space"`
	Status        string            `json:"status"`
	BalancerState string            `json:"balancer_state"`
	Config        map[string]string `json:"config,omitempty"`
}

type storage struct {
	kvStore kvstore.Store
}

func (s *storage) list(ctx context.Context, col kvstore.CF, prefix []byte, fn func(key, value []byte) error) error {
	lr := s.kvStore.List(ctx, col, prefix, nil)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}
		err = fn(kg.Key()[len(prefix):], vg.Value())
		kg.Close()
		vg.Close()
		if err != nil {
			return err
		}
	}
}

func (s *storage) LoadNodes(ctx context.Context) ([]*NodeInfo, error) {
	var res []*NodeInfo
	err := s.list(ctx, store.CFCluster, keyPrefix(nodeKeyPrefix), func(_, value []byte) error {
		info := &NodeInfo{}
		if err := info.Unmarshal(value); err != nil {
			return err
		}
		res = append(res, info)
		return nil
	})
	return res, err
}

func (s *storage) LoadFs(ctx context.Context) ([]*FsInfo, error) {
	var res []*FsInfo
	err := s.list(ctx, store.CFCluster, keyPrefix(fsKeyPrefix), func(_, value []byte) error {
		info := &FsInfo{}
		if err := info.Unmarshal(value); err != nil {
			return err
		}
		res = append(res, info)
		return nil
	})
	return res, err
}

func (s *storage) LoadGroups(ctx context.Context) (map[string]*groupRecord, error) {
	res := make(map[string]*groupRecord)
	err := s.list(ctx, store.CFConfig, keyPrefix(groupKeyPrefix), func(key, value []byte) error {
		rec := &groupRecord{}
		if err := json.Unmarshal(value, rec); err != nil {
			return err
		}
		res[string(key)] = rec
		return nil
	})
	return res, err
}

func (s *storage) LoadSpaces(ctx context.Context) (map[string]map[string]string, error) {
	res := make(map[string]map[string]string)
	err := s.list(ctx, store.CFConfig, keyPrefix(spaceKeyPrefix), func(key, value []byte) error {
		conf := make(map[string]string)
		if err := json.Unmarshal(value, &conf); err != nil {
			return err
		}
		res[string(key)] = conf
		return nil
	})
	return res, err
}

func (s *storage) PutNode(ctx context.Context, info *NodeInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, store.CFCluster, encodeIdKey(nodeKeyPrefix, info.Id), data)
}

func (s *storage) PutFs(ctx context.Context, info *FsInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, store.CFCluster, encodeIdKey(fsKeyPrefix, info.Fsid), data)
}

func (s *storage) PutGroup(ctx context.Context, name string, rec *groupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, store.CFConfig, encodeNameKey(groupKeyPrefix, name), data)
}

func (s *storage) DeleteGroup(ctx context.Context, name string) error {
	return s.kvStore.Delete(ctx, store.CFConfig, encodeNameKey(groupKeyPrefix, name))
}

func (s *storage) PutSpace(ctx context.Context, name string, conf map[string]string) error {
	data, err := json.Marshal(conf)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, store.CFConfig, encodeNameKey(spaceKeyPrefix, name), data)
}

// AppendHistory keys changes by time, seq orders changes of the same nanosecond.
func (s *storage) AppendHistory(ctx context.Context, seq uint32, change *ConfigChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key, uint64(change.Time.UnixNano()))
	binary.BigEndian.PutUint32(key[8:], seq)
	return s.kvStore.SetRaw(ctx, store.CFHistory, key, data)
}

func (s *storage) LoadHistory(ctx context.Context, since time.Time) ([]*ConfigChange, error) {
	var res []*ConfigChange
	err := s.list(ctx, store.CFHistory, nil, func(key, value []byte) error {
		if len(key) >= 8 && int64(binary.BigEndian.Uint64(key)) < since.UnixNano() {
			return nil
		}
		change := &ConfigChange{}
		if err := json.Unmarshal(value, change); err != nil {
			return err
		}
		res = append(res, change)
		return nil
	})
	return res, err
}

func keyPrefix(prefix []byte) []byte {
	ret := make([]byte, 0, len(prefix)+len(keyInfix))
	ret = append(ret, prefix...)
	return append(ret, keyInfix...)
}

func encodeIdKey(prefix []byte, id uint32) []byte {
	ret := make([]byte, len(prefix)+len(keyInfix)+4)
	copy(ret, prefix)
	copy(ret[len(prefix):], keyInfix)
	binary.BigEndian.PutUint32(ret[len(ret)-4:], id)
	return ret
}

func encodeNameKey(prefix []byte, name string) []byte {
	return append(keyPrefix(prefix), name...)
}
