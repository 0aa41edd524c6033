// Package nodetest runs storage nodes in process over in-memory grpc
// connections.
package nodetest

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cubefs/dsmeta/common/kvstore"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode"
	"github.com/cubefs/dsmeta/transport"
	"github.com/cubefs/dsmeta/util"
)

const bufSize = 1 << 20

// NodeSpec describes one node and where its file systems belong.
type NodeSpec struct {
	Space string
	Group string
	Fs    int
	Codec string
}

type Bed struct {
	Nodes  []*storagenode.Node
	Client transport.NodeClient

	dir       string
	lock      sync.RWMutex
	listeners map[string]*bufconn.Listener
	servers   []*grpc.Server
}

// Start registers one node per spec with master and serves them until the
// test ends.
func Start(t testing.TB, master storagenode.Master, specs ...NodeSpec) *Bed {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	b := &Bed{dir: dir, listeners: make(map[string]*bufconn.Listener)}
	b.Client = transport.NewClient(b.TransportConfig())
	t.Cleanup(b.close)

	for i, spec := range specs {
		addr := fmt.Sprintf("node-%d", i)
		root := filepath.Join(dir, addr)
		cfg := &storagenode.Config{
			Addr:      addr,
			GrpcAddr:  addr,
			Codec:     spec.Codec,
			Store:     storagenode.StoreConfig{Path: root, KVOption: kvstore.Option{InMemory: true}},
			Transport: b.TransportConfig(),
			Master:    master,
		}
		for j := 0; j < spec.Fs; j++ {
			cfg.Fs = append(cfg.Fs, storagenode.FsConfig{
				Path:  filepath.Join(root, fmt.Sprintf("data%d", j)),
				Group: spec.Group,
				Space: spec.Space,
			})
		}
		n, err := storagenode.NewNode(ctx, cfg)
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx))
		b.serve(addr, n)
		b.Nodes = append(b.Nodes, n)
	}
	return b
}

// TransportConfig dials the nodes of the bed in memory.
func (b *Bed) TransportConfig() transport.Config {
	return transport.Config{
		CallTimeoutMs: 5000,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			b.lock.RLock()
			l, ok := b.listeners[addr]
			b.lock.RUnlock()
			if !ok {
				return nil, fmt.Errorf("no node at %s", addr)
			}
			return l.DialContext(ctx)
		})},
	}
}

func (b *Bed) serve(addr string, n *storagenode.Node) {
	l := bufconn.Listen(bufSize)
	s := grpc.NewServer(transport.ServerOptions()...)
	transport.RegisterNodeServer(s, n)
	go s.Serve(l)

	b.lock.Lock()
	b.listeners[addr] = l
	b.servers = append(b.servers, s)
	b.lock.Unlock()
}

// NodeOf returns the node hosting fsid.
func (b *Bed) NodeOf(fsid proto.FsID) *storagenode.Node {
	for _, n := range b.Nodes {
		for _, id := range n.FileSystems() {
			if id == fsid {
				return n
			}
		}
	}
	return nil
}

// Fs lists the file systems of all nodes in node order.
func (b *Bed) Fs() []proto.FsID {
	var ret []proto.FsID
	for _, n := range b.Nodes {
		ret = append(ret, n.FileSystems()...)
	}
	return ret
}

// Addr is the grpc address of the node hosting fsid.
func (b *Bed) Addr(fsid proto.FsID) string {
	for i, n := range b.Nodes {
		for _, id := range n.FileSystems() {
			if id == fsid {
				return fmt.Sprintf("node-%d", i)
			}
		}
	}
	return ""
}

// Corrupt overwrites the data of a replica behind its node's back, nodes
// without a codec store data as is.
func (b *Bed) Corrupt(t testing.TB, fid proto.FileID, fsid proto.FsID, data []byte) {
	n := b.NodeOf(fsid)
	require.NotNil(t, n)
	require.NoError(t, os.WriteFile(n.ReplicaPath(fid, fsid), data, 0o644))
}

func (b *Bed) close() {
	b.Client.Close()
	for _, s := range b.servers {
		s.Stop()
	}
	for _, n := range b.Nodes {
		n.Close()
	}
	os.RemoveAll(b.dir)
}
