// Copyright 2023 The CubeFS Authors.
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

package proto

type NodeState uint8

const (
	NodeStateUnknown NodeState = iota
	NodeStateOnline
	NodeStateOffline
)

func (s NodeState) String() string {
	switch s {
	case NodeStateOnline:
		return "online"
	case NodeStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// FsConfigStatus is the operator-set status of a file system.
type FsConfigStatus uint8

const (
	FsConfigOff FsConfigStatus = iota
	FsConfigEmpty
	FsConfigDrain
	FsConfigRO
	FsConfigWO
	FsConfigRW
)

var fsConfigNames = map[FsConfigStatus]string{
	FsConfigOff:   "off",
	FsConfigEmpty: "empty",
	FsConfigDrain: "drain",
	FsConfigRO:    "ro",
	FsConfigWO:    "wo",
	FsConfigRW:    "rw",
}

func (s FsConfigStatus) String() string {
	if n, ok := fsConfigNames[s]; ok {
		return n
	}
	return "unknown"
}

func ParseFsConfigStatus(s string) (FsConfigStatus, bool) {
	for k, v := range fsConfigNames {
		if v == s {
			return k, true
		}
	}
	return FsConfigOff, false
}

// Readable reports whether replicas on a file system with this status may serve as copy source.
func (s FsConfigStatus) Readable() bool {
	return s >= FsConfigDrain && s != FsConfigWO
}

// Writable reports whether new replicas may be placed on a file system with this status.
func (s FsConfigStatus) Writable() bool {
	return s == FsConfigRW || s == FsConfigWO
}

// FsStat is the capacity report of one file system.
type FsStat struct {
	Fsid     FsID   `json:"fsid"`
	Capacity uint64 `json:"capacity"`
	Used     uint64 `json:"used"`
	Files    uint64 `json:"files"`
}

func (s FsStat) FillRatio() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Capacity)
}

func (s FsStat) Free() uint64 {
	if s.Used >= s.Capacity {
		return 0
	}
	return s.Capacity - s.Used
}
