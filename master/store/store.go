package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cubefs/dsmeta/common/kvstore"
)

// column families of the master kv store
const (
	CFId      = kvstore.CF("id")
	CFCluster = kvstore.CF("cluster")
	CFConfig  = kvstore.CF("config")
	CFHistory = kvstore.CF("history")
)

type Config struct {
	Path     string            `json:"path"`
	KVType   kvstore.LsmKVType `json:"kv_type"`
	KVOption kvstore.Option    `json:"kv_option"`
}

// Store owns the master's local state: a kv store for bookkeeping and the
// directory holding the namespace changelogs.
type Store struct {
	kvStore kvstore.Store
	cfg     *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if !cfg.KVOption.InMemory {
		if err := os.MkdirAll(cfg.changelogDir(), 0o755); err != nil {
			return nil, err
		}
	}
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = append(cfg.KVOption.ColumnFamily, CFId, CFCluster, CFConfig, CFHistory)
	kvStore, err := kvstore.NewKVStore(ctx, filepath.Join(cfg.Path, "kv"), cfg.KVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}
	return &Store{kvStore: kvStore, cfg: cfg}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

// ChangelogPath returns where the changelog of the given content lives.
func (s *Store) ChangelogPath(content string) string {
	return filepath.Join(s.cfg.changelogDir(), content+".mdlog")
}

func (s *Store) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.kvStore.Stats(ctx)
}

func (s *Store) Close() {
	s.kvStore.Close()
}

func (cfg *Config) changelogDir() string {
	return filepath.Join(cfg.Path, "changelog")
}
