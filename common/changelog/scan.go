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
	"fmt"
	"time"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/metrics"
)

// Scanner is called for every healthy record in offset order. The payload is
// only valid during the call.
type Scanner func(offset uint64, typ RecordType, payload []byte) error

const progressInterval = 10000

type ScanState int

const (
	StateScanning ScanState = iota
	StateResynchronizing
	StateRecovered
	StateAbandoned
)

func (s ScanState) String() string {
	return [...]string{"scanning", "resynchronizing", "recovered", "abandoned"}[s]
}

// RepairStats counts what a scan or an offline repair accepted and dropped.
type RepairStats struct {
	FixedWrongMagic    uint64        `json:"fixed_wrong_magic"`
	FixedWrongSize     uint64        `json:"fixed_wrong_size"`
	FixedWrongChecksum uint64        `json:"fixed_wrong_checksum"`
	NotFixed           uint64        `json:"not_fixed"`
	BytesAccepted      uint64        `json:"bytes_accepted"`
	BytesDiscarded     uint64        `json:"bytes_discarded"`
	ScannedRecords     uint64        `json:"scanned_records"`
	HealthyRecords     uint64        `json:"healthy_records"`
	Elapsed            time.Duration `json:"elapsed"`
}

func (s *RepairStats) Fixed() uint64 {
	return s.FixedWrongMagic + s.FixedWrongSize + s.FixedWrongChecksum
}

func (s *RepairStats) Clean() bool {
	return s.Fixed() == 0 && s.NotFixed == 0 && s.BytesDiscarded == 0
}

func (s *RepairStats) String() string {
	return fmt.Sprintf("scanned=%d healthy=%d fixed(magic=%d size=%d checksum=%d) not_fixed=%d accepted=%dB discarded=%dB elapsed=%s",
		s.ScannedRecords, s.HealthyRecords, s.FixedWrongMagic, s.FixedWrongSize, s.FixedWrongChecksum,
		s.NotFixed, s.BytesAccepted, s.BytesDiscarded, s.Elapsed)
}

func (s *RepairStats) fixed(kind recordError) {
	switch kind {
	case errWrongMagic:
		s.FixedWrongMagic++
	case errWrongSize, errIncomplete:
		s.FixedWrongSize++
	case errWrongChecksum:
		s.FixedWrongChecksum++
	}
}

// scan walks the records of w from offset to the end of data. With autorepair
// a corrupted region moves the scan into Resynchronizing, which searches the
// next position holding a healthy record: found, the region is counted as
// fixed and the scan is Recovered; not found, the rest of the file is
// discarded and the scan is Abandoned.
type scan struct {
	w          *window
	autorepair bool
	stats      RepairStats
	progress   func(RepairStats)

	state      ScanState
	offset     int64 // next position to parse
	good       int64 // end of the last healthy record
	resyncFrom int64
	kind       recordError
}

func (s *scan) run(scanner Scanner) error {
	for {
		switch s.state {
		case StateScanning, StateRecovered:
			s.state = StateScanning
			rec, rerr, err := parseRecord(s.w, s.offset)
			if err != nil {
				return err
			}
			if rerr == errNone {
				s.stats.ScannedRecords++
				s.stats.HealthyRecords++
				s.stats.BytesAccepted += uint64(rec.size())
				if err = scanner(rec.offset, rec.typ, rec.payload); err != nil {
					return err
				}
				s.offset += rec.size()
				s.good = s.offset
				if s.progress != nil && s.stats.HealthyRecords%progressInterval == 0 {
					s.progress(s.stats)
				}
				continue
			}
			if rerr == errIncomplete {
				tail, err := s.w.peek(s.offset, 1)
				if err != nil {
					return err
				}
				if len(tail) == 0 {
					return nil
				}
			}
			if rerr == errIncomplete && s.atEnd(s.offset) {
				// torn tail of an interrupted append
				s.resyncFrom = s.offset
				s.state = StateAbandoned
				continue
			}
			s.stats.ScannedRecords++
			if !s.autorepair {
				return apierrors.Wrapf(apierrors.ErrCorrupted, "%s at offset %d", rerr, s.offset)
			}
			s.state, s.kind, s.resyncFrom = StateResynchronizing, rerr, s.offset

		case StateResynchronizing:
			next, err := s.resync(s.resyncFrom + 1)
			if err != nil {
				return err
			}
			if next < 0 {
				s.state = StateAbandoned
				continue
			}
			s.stats.fixed(s.kind)
			s.stats.BytesDiscarded += uint64(next - s.resyncFrom)
			s.offset = next
			s.state = StateRecovered

		case StateAbandoned:
			s.stats.NotFixed++
			return nil
		}
	}
}

// atEnd reports whether no byte follows a truncated record at offset other
// than the record itself, so that it may still be in the middle of an append.
func (s *scan) atEnd(offset int64) bool {
	next, err := s.resync(offset + 1)
	return err == nil && next < 0
}

func (s *scan) resync(from int64) (int64, error) {
	for {
		pos, err := s.w.indexMagic(from)
		if err != nil || pos < 0 {
			return -1, err
		}
		_, rerr, err := parseRecord(s.w, pos)
		if err != nil {
			return -1, err
		}
		if rerr == errNone {
			return pos, nil
		}
		from = pos + 1
	}
}

// ScanAllRecords feeds every record to scanner and returns the offset after the
// last healthy record. Without autorepair the first corrupted record stops the
// scan with a corruption error. With autorepair corrupted regions are skipped
// and counted, and a corrupted tail of a writable log is truncated.
func (c *ChangeLog) ScanAllRecords(scanner Scanner, autorepair bool) (uint64, RepairStats, error) {
	start := time.Now()
	c.rmu.Lock()
	s := &scan{w: c.rw, autorepair: autorepair, offset: fileHeaderSize, good: fileHeaderSize}
	s.w.invalidate()
	err := s.run(scanner)
	c.rmu.Unlock()
	s.stats.Elapsed = time.Since(start)
	if err != nil {
		return uint64(s.good), s.stats, err
	}

	if end := int64(c.Size()); end > s.good {
		s.stats.BytesDiscarded += uint64(end - s.good)
		if !c.ro {
			if err = c.truncate(s.good); err != nil {
				return uint64(s.good), s.stats, err
			}
		}
	}
	if fixed := s.stats.Fixed() + s.stats.NotFixed; fixed > 0 {
		metrics.ChangelogRecords.WithLabelValues(c.header.contentTag, "repaired").Add(float64(fixed))
	}
	return uint64(s.good), s.stats, nil
}

// Follow feeds records from offset on and returns where to resume. A record
// still being appended is not an error, the call simply stops before it.
func (c *ChangeLog) Follow(scanner Scanner, offset uint64) (uint64, error) {
	if offset < fileHeaderSize {
		offset = fileHeaderSize
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	c.rw.invalidate()
	off := int64(offset)
	for {
		rec, rerr, err := parseRecord(c.rw, off)
		if err != nil {
			return uint64(off), err
		}
		switch rerr {
		case errNone:
		case errIncomplete:
			// may complete later, reload on the next call
			c.rw.invalidate()
			return uint64(off), nil
		default:
			return uint64(off), apierrors.Wrapf(apierrors.ErrCorrupted, "%s at offset %d", rerr, off)
		}
		if err = scanner(rec.offset, rec.typ, rec.payload); err != nil {
			return uint64(off), err
		}
		off += rec.size()
	}
}
