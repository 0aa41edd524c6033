package cluster

import (
	"time"

	"github.com/cubefs/dsmeta/proto"
)

// node and fs are only touched with the cluster lock held.
type node struct {
	info    *NodeInfo
	nodeId  proto.NodeID
	fs      map[proto.FsID]*fs
	expires time.Time
}

func (n *node) handleHeartbeat(timeout time.Duration) {
	n.expires = time.Now().Add(timeout)
	n.info.State = proto.NodeStateOnline
}

func (n *node) isExpire() bool {
	if n.expires.IsZero() {
		return true
	}
	return time.Since(n.expires) > 0
}

func (n *node) isAvailable() bool {
	return !n.isExpire() && n.info.State == proto.NodeStateOnline
}

type fs struct {
	info *FsInfo
	node *node
}

const defaultFactor = 10000

// weight favours file systems with more free space, a full one still gets 1.
func (f *fs) weight() int {
	st := f.info.Stat
	w := 0
	if st.Capacity > 0 && st.Used < st.Capacity {
		w = int((st.Capacity - st.Used) * defaultFactor / st.Capacity)
	}
	if w == 0 {
		return 1
	}
	return w
}

func (f *fs) canAlloc() bool {
	return f.info.Booted && f.info.ConfigStatus.Writable() && f.node.isAvailable() && f.info.Stat.Free() > 0
}

func (f *fs) clone() *FsInfo {
	info := *f.info
	return &info
}
