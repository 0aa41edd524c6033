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

import (
	"fmt"
)

// LayoutID packs a redundancy scheme into 20 bits:
//
//	| 19..16     | 15..12   | 11..4        | 3..0 |
//	| block size | checksum | stripes - 1  | type |
type LayoutID = uint32

type LayoutType uint8

const (
	LayoutPlain LayoutType = iota
	LayoutReplica
	LayoutRaidDP
	LayoutRaid6
	LayoutArchive
	LayoutQrain
	layoutTypeMax
)

type ChecksumType uint8

const (
	ChecksumNone ChecksumType = iota
	ChecksumAdler
	ChecksumCRC32
	ChecksumCRC32C
	ChecksumMD5
	ChecksumSHA1
	ChecksumXXHash64
	ChecksumBlake3
	checksumTypeMax
)

var (
	checksumLens  = [...]int{0, 4, 4, 4, 16, 20, 8, 32}
	checksumNames = [...]string{"none", "adler", "crc32", "crc32c", "md5", "sha1", "xxhash64", "blake3"}
	layoutNames   = [...]string{"plain", "replica", "raiddp", "raid6", "archive", "qrain"}
	blockSizes    = [...]uint32{4 << 10, 64 << 10, 128 << 10, 512 << 10, 1 << 20, 4 << 20, 16 << 20}
)

const (
	layoutTypeBits   = 4
	layoutStripeBits = 8
	layoutCksumBits  = 4
	layoutBlockBits  = 4

	layoutStripeShift = layoutTypeBits
	layoutCksumShift  = layoutStripeShift + layoutStripeBits
	layoutBlockShift  = layoutCksumShift + layoutCksumBits
	layoutUsedBits    = layoutBlockShift + layoutBlockBits

	minRainStripes = 3
)

// Layout is the decoded form of a LayoutID.
type Layout struct {
	Type       LayoutType   `json:"type"`
	Stripes    int          `json:"stripes"`
	Checksum   ChecksumType `json:"checksum"`
	BlockIndex int          `json:"block_index"`
}

func NewLayout(typ LayoutType, stripes int, cksum ChecksumType) Layout {
	return Layout{Type: typ, Stripes: stripes, Checksum: cksum, BlockIndex: 4}
}

func (l Layout) Validate() error {
	if l.Type >= layoutTypeMax {
		return fmt.Errorf("invalid layout type %d", l.Type)
	}
	if l.Checksum >= checksumTypeMax {
		return fmt.Errorf("invalid checksum type %d", l.Checksum)
	}
	if l.BlockIndex < 0 || l.BlockIndex >= len(blockSizes) {
		return fmt.Errorf("invalid block size index %d", l.BlockIndex)
	}
	if l.Stripes < 1 || l.Stripes > 1<<layoutStripeBits {
		return fmt.Errorf("invalid stripe count %d", l.Stripes)
	}
	if l.Type == LayoutPlain && l.Stripes != 1 {
		return fmt.Errorf("plain layout with %d stripes", l.Stripes)
	}
	if l.IsRain() && l.Stripes < minRainStripes {
		return fmt.Errorf("rain layout %s needs at least %d stripes, got %d", l.Type, minRainStripes, l.Stripes)
	}
	return nil
}

// Encode panics on an invalid layout, callers construct layouts from constants
// or from DecodeLayout.
func (l Layout) Encode() LayoutID {
	if err := l.Validate(); err != nil {
		panic(err)
	}
	return uint32(l.Type) |
		uint32(l.Stripes-1)<<layoutStripeShift |
		uint32(l.Checksum)<<layoutCksumShift |
		uint32(l.BlockIndex)<<layoutBlockShift
}

func DecodeLayout(id LayoutID) (Layout, error) {
	if id>>layoutUsedBits != 0 {
		return Layout{}, fmt.Errorf("layout id %#x has reserved bits set", id)
	}
	l := Layout{
		Type:       LayoutType(id & (1<<layoutTypeBits - 1)),
		Stripes:    int(id>>layoutStripeShift&(1<<layoutStripeBits-1)) + 1,
		Checksum:   ChecksumType(id >> layoutCksumShift & (1<<layoutCksumBits - 1)),
		BlockIndex: int(id >> layoutBlockShift & (1<<layoutBlockBits - 1)),
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// IsRain reports erasure coded layouts, whose stripes are not interchangeable replicas.
func (l Layout) IsRain() bool {
	return l.Type == LayoutRaidDP || l.Type == LayoutRaid6 || l.Type == LayoutArchive || l.Type == LayoutQrain
}

func (l Layout) ExpectedReplicas() int {
	return l.Stripes
}

func (l Layout) BlockSize() uint32 {
	return blockSizes[l.BlockIndex]
}

func (l Layout) ChecksumLen() int {
	return l.Checksum.Len()
}

func (l Layout) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", l.Type, l.Stripes, l.Checksum, l.BlockSize())
}

func (t LayoutType) String() string {
	if int(t) < len(layoutNames) {
		return layoutNames[t]
	}
	return "unknown"
}

func (c ChecksumType) Len() int {
	if int(c) < len(checksumLens) {
		return checksumLens[c]
	}
	return 0
}

func (c ChecksumType) String() string {
	if int(c) < len(checksumNames) {
		return checksumNames[c]
	}
	return "unknown"
}
