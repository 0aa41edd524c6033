package cluster

import (
	"encoding/json"
	"time"

	"github.com/cubefs/dsmeta/proto"
)

// proto for set encoding/decoding and function return value

const (
	nodeIdName = "node"
	fsIdName   = "fsid"
)

// Space and group configuration keys.
const (
	ConfigBalancer          = "balancer"
	ConfigBalancerThreshold = "balancer.threshold"
	ConfigBalancerNtx       = "balancer.ntx"
	ConfigGCMinFree         = "gc.minfree"
	ConfigGroupSize         = "groupsize"
)

// Group balancer states.
const (
	BalancerIdle      = "idle"
	BalancerBalancing = "balancing"
)

// Group status set by operators, an off group takes no new replicas.
const (
	GroupOn    = "on"
	GroupOff   = "off"
	GroupDrain = "drain"
)

type NodeInfo struct {
	Id       proto.NodeID    `json:"id" yaml:"id"`
	Addr     string          `json:"addr" yaml:"addr"`
	GrpcAddr string          `json:"grpc_addr" yaml:"grpc_addr"`
	State    proto.NodeState `json:"state" yaml:"state"`
}

func (n *NodeInfo) Marshal() ([]byte, error) {
	return json.Marshal(n)
}

func (n *NodeInfo) Unmarshal(data []byte) error {
	return json.Unmarshal(data, n)
}

// FsInfo is one file system of a storage node.
type FsInfo struct {
	Fsid         proto.FsID           `json:"fsid"`
	NodeId       proto.NodeID         `json:"node_id"`
	Path         string               `json:"path"`
	Group        string               `json:"group"`
	Space        string               `json:"space"`
	ConfigStatus proto.FsConfigStatus `json:"config_status"`
	// Booted is reported by the node, an unbooted fs holds no usable replica.
	Booted bool         `json:"booted"`
	Stat   proto.FsStat `json:"stat"`
}

func (f *FsInfo) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func (f *FsInfo) Unmarshal(data []byte) error {
	return json.Unmarshal(data, f)
}

type GroupInfo struct {
	Name          string            `json:"name"`
	Space         string            `json:"space"`
	Status        string            `json:"status"`
	BalancerState string            `json:"balancer_state"`
	Config        map[string]string `json:"config,omitempty"`
	Fs            []proto.FsID      `json:"fs"`
}

type SpaceInfo struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config,omitempty"`
	Groups []string          `json:"groups"`
}

// ConfigChange is one entry of the configuration history.
type ConfigChange struct {
	Time  time.Time `json:"time" yaml:"time"`
	Scope string    `json:"scope" yaml:"scope"`
	Name  string    `json:"name" yaml:"name"`
	Key   string    `json:"key" yaml:"key"`
	Value string    `json:"value" yaml:"value"`
	Old   string    `json:"old,omitempty" yaml:"old,omitempty"`
	Who   string    `json:"who,omitempty" yaml:"who,omitempty"`
}

type AllocArgs struct {
	Space string `json:"space"`
	Count int    `json:"count"`
	// Group restricts the placement, all replicas of a file share a group.
	Group        string         `json:"group"`
	ExcludeFs    []proto.FsID   `json:"exclude_fs"`
	ExcludeNodes []proto.NodeID `json:"exclude_nodes"`
}

type HeartbeatArgs struct {
	NodeID proto.NodeID   `json:"node_id"`
	Stats  []proto.FsStat `json:"stats"`
}

// ConfigDump is the yaml document of config save and load.
type ConfigDump struct {
	Spaces map[string]map[string]string `yaml:"spaces"`
	Groups map[string]GroupDump         `yaml:"groups"`
	Fs     map[proto.FsID]string        `yaml:"fs"`
}

type GroupDump struct {
	Space  string            `yaml:"space"`
	Status string            `yaml:"status"`
	Config map[string]string `yaml:"config,omitempty"`
}
