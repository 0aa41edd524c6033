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

// Package codec is the compression service used for replica payloads.
// Compressed buffers are framed as | type u8 | raw length uvarint | payload |
// so that Decompress needs nothing but the buffer.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apierrors "github.com/cubefs/dsmeta/errors"
)

type Type uint8

const (
	TypeNone Type = iota
	TypeLZ4
	TypeZstd
)

// upper bound of a decompressed frame, guards allocations on corrupted input
const maxRawSize = 1 << 30

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLZ4:
		return "lz4"
	case TypeZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func ParseType(name string) (Type, error) {
	switch name {
	case "", "none":
		return TypeNone, nil
	case "lz4":
		return TypeLZ4, nil
	case "zstd":
		return TypeZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

type Codec struct {
	typ     Type
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a codec compressing with typ. It can decompress frames of any type.
func New(typ Type) (*Codec, error) {
	if typ > TypeZstd {
		return nil, fmt.Errorf("unknown codec type %d", typ)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxRawSize))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Codec{typ: typ, encoder: enc, decoder: dec}, nil
}

func (c *Codec) Type() Type {
	return c.typ
}

// Compress falls back to an uncompressed frame when compression does not pay off.
func (c *Codec) Compress(src []byte) []byte {
	var payload []byte
	typ := c.typ
	switch c.typ {
	case TypeLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		if err == nil && n > 0 && n < len(src) {
			payload = dst[:n]
		}
	case TypeZstd:
		if dst := c.encoder.EncodeAll(src, nil); len(dst) < len(src) {
			payload = dst
		}
	}
	if payload == nil {
		typ, payload = TypeNone, src
	}

	frame := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	frame[0] = byte(typ)
	frame = binary.AppendUvarint(frame, uint64(len(src)))
	return append(frame, payload...)
}

func (c *Codec) Decompress(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "codec frame too short: %d", len(frame))
	}
	typ := Type(frame[0])
	rawLen, n := binary.Uvarint(frame[1:])
	if n <= 0 || rawLen > maxRawSize {
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "codec frame has invalid length")
	}
	payload := frame[1+n:]

	switch typ {
	case TypeNone:
		if uint64(len(payload)) != rawLen {
			return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "raw frame size %d, expected %d", len(payload), rawLen)
		}
		return append([]byte(nil), payload...), nil
	case TypeLZ4:
		dst := make([]byte, rawLen)
		read, err := lz4.UncompressBlock(payload, dst)
		if err != nil || uint64(read) != rawLen {
			return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "lz4 decompress: %v, got %d bytes", err, read)
		}
		return dst, nil
	case TypeZstd:
		dst, err := c.decoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil || uint64(len(dst)) != rawLen {
			return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "zstd decompress: %v, got %d bytes", err, len(dst))
		}
		return dst, nil
	default:
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "unknown codec type %d", typ)
	}
}

func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
