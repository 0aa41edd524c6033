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

// Package changelog implements the append-only record log the namespace is
// persisted to and rebuilt from.
package changelog

import (
	"fmt"
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/metrics"
)

// Open flags
const (
	ReadOnly = 1 << iota
	Create
	// Truncate discards existing records, the header is rewritten.
	Truncate
)

type ChangeLog struct {
	path   string
	header header
	ro     bool

	// append path
	wmu  sync.Mutex
	wf   *os.File
	size int64

	// read path, separate descriptor and buffer
	rmu sync.Mutex
	rf  *os.File
	rw  *window
}

// Open opens or creates the changelog at path. An existing file must carry
// contentTag unless contentTag is empty.
func Open(path string, flags int, contentTag string) (*ChangeLog, error) {
	if len(contentTag) > maxTagLen {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "content tag %q too long", contentTag)
	}
	c := &ChangeLog{path: path, ro: flags&ReadOnly != 0}

	if !c.ro {
		oflag := os.O_RDWR
		if flags&Create != 0 {
			oflag |= os.O_CREATE
		}
		if flags&Truncate != 0 {
			oflag |= os.O_TRUNC
		}
		wf, err := os.OpenFile(path, oflag, 0o644)
		if err != nil {
			return nil, errors.Info(err, "open changelog", path).Detail(err)
		}
		c.wf = wf
	}
	rf, err := os.Open(path)
	if err != nil {
		c.closeFiles()
		return nil, errors.Info(err, "open changelog for read", path).Detail(err)
	}
	c.rf = rf
	c.rw = newWindow(rf, defaultWindowSize)

	st, err := rf.Stat()
	if err != nil {
		c.closeFiles()
		return nil, err
	}
	if st.Size() == 0 && !c.ro {
		c.header = header{version: fileVersion, contentTag: contentTag}
		if _, err = c.wf.WriteAt(c.header.encode(), 0); err != nil {
			c.closeFiles()
			return nil, errors.Info(err, "write changelog header").Detail(err)
		}
		c.size = fileHeaderSize
		return c, nil
	}

	buf, err := c.rw.peek(0, fileHeaderSize)
	if err == nil {
		err = c.header.decode(buf)
	}
	if err != nil {
		c.closeFiles()
		return nil, apierrors.Wrapf(apierrors.ErrCorrupted, "changelog %s: %v", path, err)
	}
	if contentTag != "" && c.header.contentTag != contentTag {
		c.closeFiles()
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument,
			"changelog %s holds %q records, expected %q", path, c.header.contentTag, contentTag)
	}
	c.size = st.Size()
	return c, nil
}

func (c *ChangeLog) Path() string {
	return c.path
}

func (c *ChangeLog) ContentTag() string {
	return c.header.contentTag
}

func (c *ChangeLog) UserFlags() uint32 {
	return c.header.userFlags
}

// SetUserFlags rewrites the header in place.
func (c *ChangeLog) SetUserFlags(flags uint32) error {
	if c.ro {
		return apierrors.ErrPermission
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.header.userFlags = flags
	_, err := c.wf.WriteAt(c.header.encode(), 0)
	c.rmu.Lock()
	c.rw.invalidate()
	c.rmu.Unlock()
	return err
}

// Size is the offset the next record will be stored at.
func (c *ChangeLog) Size() uint64 {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.ro {
		st, err := c.rf.Stat()
		if err != nil {
			return 0
		}
		return uint64(st.Size())
	}
	return uint64(c.size)
}

// FirstOffset is the offset of the first record.
func (c *ChangeLog) FirstOffset() uint64 {
	return fileHeaderSize
}

// StoreRecord appends a record and returns its offset. Offsets strictly increase.
func (c *ChangeLog) StoreRecord(typ RecordType, payload []byte) (uint64, error) {
	if c.ro {
		return 0, apierrors.ErrPermission
	}
	if typ < RecordUpdate || typ > RecordCompactStamp {
		return 0, apierrors.Wrapf(apierrors.ErrInvalidArgument, "record type %d", typ)
	}
	if len(payload) > MaxRecordSize {
		return 0, apierrors.Wrapf(apierrors.ErrInvalidArgument, "record of %d bytes", len(payload))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	offset := c.size
	frame := encodeRecord(typ, payload, uint64(offset))
	if _, err := c.wf.WriteAt(frame, offset); err != nil {
		// the tail may hold a partial frame, the next append overwrites it
		return 0, errors.Info(err, "append changelog record", c.path).Detail(err)
	}
	c.size += int64(len(frame))
	metrics.ChangelogRecords.WithLabelValues(c.header.contentTag, "append").Inc()
	return uint64(offset), nil
}

// ReadRecord returns a copy of the record stored at offset.
func (c *ChangeLog) ReadRecord(offset uint64) (RecordType, []byte, error) {
	if offset < fileHeaderSize {
		return 0, nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "offset %d inside header", offset)
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.rw.invalidate()
	rec, rerr, err := parseRecord(c.rw, int64(offset))
	if err != nil {
		return 0, nil, err
	}
	if rerr != errNone {
		return 0, nil, apierrors.Wrapf(apierrors.ErrCorrupted, "%s at offset %d of %s", rerr, offset, c.path)
	}
	return rec.typ, append([]byte(nil), rec.payload...), nil
}

func (c *ChangeLog) Sync() error {
	if c.ro {
		return nil
	}
	return c.wf.Sync()
}

// truncate drops everything from offset on, only used for corrupt tails.
func (c *ChangeLog) truncate(offset int64) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.wf.Truncate(offset); err != nil {
		return err
	}
	c.size = offset
	return nil
}

func (c *ChangeLog) Close() error {
	var err error
	if c.wf != nil {
		err = c.wf.Sync()
	}
	c.closeFiles()
	return err
}

func (c *ChangeLog) closeFiles() {
	if c.wf != nil {
		c.wf.Close()
		c.wf = nil
	}
	if c.rf != nil {
		c.rf.Close()
		c.rf = nil
	}
	if c.rw != nil {
		c.rw.release()
		c.rw = nil
	}
}

func (c *ChangeLog) String() string {
	return fmt.Sprintf("changelog(%s, tag=%s, size=%d)", c.path, c.header.contentTag, c.Size())
}
