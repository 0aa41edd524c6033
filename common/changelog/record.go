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

package changelog

import (
	"encoding/binary"
	"errors"

	"github.com/cubefs/dsmeta/common/checksum"
)

// File header, fixed size:
//
//	| magic 4 | version u16 | header len u16 | user flags u32 | content tag 16 | hash u32 |
//
// Record frame:
//
//	| magic u16 | type u8 | reserved u8 | payload len u32 | offset u64 | payload | hash u64 |
//
// The record hash is xxhash64 over the 16 header bytes and the payload. The
// offset field echoes the position of the record in the file so that a record
// spliced to another position is rejected.
const (
	fileMagic      = "DSCL"
	fileVersion    = 1
	fileHeaderSize = 32
	maxTagLen      = 16

	recordMagic      uint16 = 0x4c52
	recordHeaderSize        = 16
	recordTrailSize         = 8
	recordOverhead          = recordHeaderSize + recordTrailSize

	// MaxRecordSize bounds a single payload, larger lengths are treated as corruption.
	MaxRecordSize = 64 << 20
)

type RecordType uint8

const (
	RecordUpdate RecordType = iota + 1
	RecordDelete
	RecordCompactStamp
)

func (t RecordType) String() string {
	switch t {
	case RecordUpdate:
		return "update"
	case RecordDelete:
		return "delete"
	case RecordCompactStamp:
		return "compact_stamp"
	default:
		return "unknown"
	}
}

type header struct {
	version    uint16
	userFlags  uint32
	contentTag string
}

func (h *header) encode() []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf, fileMagic)
	binary.BigEndian.PutUint16(buf[4:], h.version)
	binary.BigEndian.PutUint16(buf[6:], fileHeaderSize)
	binary.BigEndian.PutUint32(buf[8:], h.userFlags)
	copy(buf[12:12+maxTagLen], h.contentTag)
	binary.BigEndian.PutUint32(buf[28:], uint32(checksum.Record64(buf[:28])))
	return buf
}

func (h *header) decode(buf []byte) error {
	if len(buf) < fileHeaderSize {
		return errShortHeader
	}
	if string(buf[:4]) != fileMagic {
		return errors.New("bad changelog magic")
	}
	if binary.BigEndian.Uint32(buf[28:]) != uint32(checksum.Record64(buf[:28])) {
		return errors.New("bad changelog header checksum")
	}
	if binary.BigEndian.Uint16(buf[6:]) != fileHeaderSize {
		return errors.New("unsupported changelog header size")
	}
	h.version = binary.BigEndian.Uint16(buf[4:])
	if h.version != fileVersion {
		return errors.New("unsupported changelog version")
	}
	h.userFlags = binary.BigEndian.Uint32(buf[8:])
	tag := buf[12 : 12+maxTagLen]
	n := 0
	for n < len(tag) && tag[n] != 0 {
		n++
	}
	h.contentTag = string(tag[:n])
	return nil
}

// encodeRecord frames payload for position offset.
func encodeRecord(typ RecordType, payload []byte, offset uint64) []byte {
	buf := make([]byte, recordHeaderSize+len(payload)+recordTrailSize)
	binary.BigEndian.PutUint16(buf[0:], recordMagic)
	buf[2] = byte(typ)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[8:], offset)
	copy(buf[recordHeaderSize:], payload)
	sum := checksum.Record64(buf[:recordHeaderSize+len(payload)])
	binary.BigEndian.PutUint64(buf[recordHeaderSize+len(payload):], sum)
	return buf
}

type recordError int

const (
	errNone recordError = iota
	errIncomplete
	errWrongMagic
	errWrongSize
	errWrongChecksum
)

func (e recordError) String() string {
	switch e {
	case errIncomplete:
		return "incomplete record"
	case errWrongMagic:
		return "wrong record magic"
	case errWrongSize:
		return "wrong record size"
	case errWrongChecksum:
		return "wrong record checksum"
	default:
		return "ok"
	}
}

var errShortHeader = errors.New("short changelog header")

// record is a parsed frame, payload aliases the read window.
type record struct {
	typ     RecordType
	offset  uint64
	payload []byte
}

func (r *record) size() int64 {
	return int64(len(r.payload)) + recordOverhead
}

// parseRecord checks the frame at offset. It only reads what the header announces.
func parseRecord(w *window, offset int64) (record, recordError, error) {
	hdr, err := w.peek(offset, recordHeaderSize)
	if err != nil {
		return record{}, errNone, err
	}
	if len(hdr) < recordHeaderSize {
		return record{}, errIncomplete, nil
	}
	if binary.BigEndian.Uint16(hdr) != recordMagic || hdr[3] != 0 {
		return record{}, errWrongMagic, nil
	}
	typ := RecordType(hdr[2])
	if typ < RecordUpdate || typ > RecordCompactStamp {
		return record{}, errWrongMagic, nil
	}
	if binary.BigEndian.Uint64(hdr[8:]) != uint64(offset) {
		return record{}, errWrongMagic, nil
	}
	length := int64(binary.BigEndian.Uint32(hdr[4:]))
	if length > MaxRecordSize {
		return record{}, errWrongSize, nil
	}

	frame, err := w.peek(offset, int(recordOverhead+length))
	if err != nil {
		return record{}, errNone, err
	}
	if int64(len(frame)) < recordOverhead+length {
		return record{}, errIncomplete, nil
	}
	body := frame[:recordHeaderSize+length]
	if binary.BigEndian.Uint64(frame[recordHeaderSize+length:]) != checksum.Record64(body) {
		return record{}, errWrongChecksum, nil
	}
	return record{typ: typ, offset: uint64(offset), payload: body[recordHeaderSize:]}, errNone, nil
}
