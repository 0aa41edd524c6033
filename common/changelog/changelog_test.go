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
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/util"
)

type scanned struct {
	offset  uint64
	typ     RecordType
	payload string
}

func collect(out *[]scanned) Scanner {
	return func(offset uint64, typ RecordType, payload []byte) error {
		*out = append(*out, scanned{offset: offset, typ: typ, payload: string(payload)})
		return nil
	}
}

func payloadOf(i int) []byte {
	// no 'L' followed by 'R' so payloads never contain the record magic
	return []byte(fmt.Sprintf("payload-%03d-%s", i, bytes.Repeat([]byte{'x'}, i)))
}

func newTestLog(t *testing.T, n int) (*ChangeLog, string, []uint64) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "file.mdlog")
	c, err := Open(path, Create, "file")
	require.NoError(t, err)
	offsets := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		typ := RecordUpdate
		if i%5 == 4 {
			typ = RecordDelete
		}
		off, err := c.StoreRecord(typ, payloadOf(i))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	return c, path, offsets
}

func corrupt(t *testing.T, path string, offset int64, b []byte) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(b, offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestChangeLog_StoreRead(t *testing.T) {
	c, path, offsets := newTestLog(t, 10)
	for i := 1; i < len(offsets); i++ {
		require.Greater(t, offsets[i], offsets[i-1])
	}
	require.Equal(t, c.FirstOffset(), offsets[0])

	typ, payload, err := c.ReadRecord(offsets[4])
	require.NoError(t, err)
	require.Equal(t, RecordDelete, typ)
	require.Equal(t, payloadOf(4), payload)

	_, _, err = c.ReadRecord(offsets[4] + 1)
	require.ErrorIs(t, err, apierrors.ErrCorrupted)
	_, _, err = c.ReadRecord(0)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	_, err = c.StoreRecord(RecordType(0), nil)
	require.Error(t, err)
	require.NoError(t, c.Close())

	// reopen and scan
	_, err = Open(path, 0, "container")
	require.ErrorIs(t, err, apierrors.ErrInvalidArgument)

	c, err = Open(path, 0, "file")
	require.NoError(t, err)
	defer c.Close()
	var recs []scanned
	next, stats, err := c.ScanAllRecords(collect(&recs), false)
	require.NoError(t, err)
	require.Equal(t, c.Size(), next)
	require.True(t, stats.Clean())
	require.Equal(t, uint64(10), stats.HealthyRecords)
	require.Len(t, recs, 10)
	for i, r := range recs {
		require.Equal(t, offsets[i], r.offset)
		require.Equal(t, string(payloadOf(i)), r.payload)
	}

	off, err := c.StoreRecord(RecordCompactStamp, nil)
	require.NoError(t, err)
	require.Equal(t, next, off)
}

func TestChangeLog_ReadOnly(t *testing.T) {
	c, path, _ := newTestLog(t, 3)
	require.NoError(t, c.SetUserFlags(0x5))
	require.NoError(t, c.Close())

	ro, err := Open(path, ReadOnly, "")
	require.NoError(t, err)
	defer ro.Close()
	require.Equal(t, "file", ro.ContentTag())
	require.Equal(t, uint32(0x5), ro.UserFlags())
	_, err = ro.StoreRecord(RecordUpdate, []byte("a"))
	require.ErrorIs(t, err, apierrors.ErrPermission)

	_, err = Open(filepath.Join(filepath.Dir(path), "missing"), ReadOnly, "")
	require.Error(t, err)
}

func TestChangeLog_RepairHealthyIsIdentity(t *testing.T) {
	c, path, _ := newTestLog(t, 50)
	require.NoError(t, c.SetUserFlags(7))
	require.NoError(t, c.Close())

	dst := path + ".repaired"
	var stats RepairStats
	calls := 0
	require.NoError(t, Repair(path, dst, &stats, func(RepairStats) { calls++ }))
	require.True(t, stats.Clean())
	require.Equal(t, uint64(50), stats.HealthyRecords)
	require.Equal(t, uint64(0), stats.Fixed())
	require.Greater(t, calls, 0)

	src, err := os.ReadFile(path)
	require.NoError(t, err)
	out, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, uint64(len(src)-fileHeaderSize), stats.BytesAccepted)
	require.True(t, bytes.Equal(src, out))
}

func TestChangeLog_ScanCorruption(t *testing.T) {
	cases := []struct {
		name  string
		patch func(off uint64) (int64, []byte)
		check func(t *testing.T, st RepairStats)
	}{
		{
			name:  "checksum",
			patch: func(off uint64) (int64, []byte) { return int64(off) + recordHeaderSize + 2, []byte{'#'} },
			check: func(t *testing.T, st RepairStats) { require.Equal(t, uint64(1), st.FixedWrongChecksum) },
		},
		{
			name:  "magic",
			patch: func(off uint64) (int64, []byte) { return int64(off), []byte{0, 0} },
			check: func(t *testing.T, st RepairStats) { require.Equal(t, uint64(1), st.FixedWrongMagic) },
		},
		{
			name: "size",
			patch: func(off uint64) (int64, []byte) {
				b := make([]byte, 4)
				binary.BigEndian.PutUint32(b, MaxRecordSize+1)
				return int64(off) + 4, b
			},
			check: func(t *testing.T, st RepairStats) { require.Equal(t, uint64(1), st.FixedWrongSize) },
		},
	}
	for _, cs := range cases {
		t.Run(cs.name, func(t *testing.T) {
			c, path, offsets := newTestLog(t, 6)
			require.NoError(t, c.Close())
			pos, b := cs.patch(offsets[2])
			corrupt(t, path, pos, b)

			c, err := Open(path, 0, "file")
			require.NoError(t, err)
			defer c.Close()

			// without autorepair the scan stops after the last good record
			var recs []scanned
			next, _, err := c.ScanAllRecords(collect(&recs), false)
			require.ErrorIs(t, err, apierrors.ErrCorrupted)
			require.Equal(t, offsets[2], next)
			require.Len(t, recs, 2)

			recs = recs[:0]
			size := c.Size()
			next, stats, err := c.ScanAllRecords(collect(&recs), true)
			require.NoError(t, err)
			require.Equal(t, size, next)
			require.Len(t, recs, 5)
			require.Equal(t, offsets[3], recs[2].offset)
			require.Equal(t, uint64(0), stats.NotFixed)
			require.Equal(t, offsets[3]-offsets[2], stats.BytesDiscarded)
			cs.check(t, stats)

			// offline repair drops the bad record and keeps the rest
			dst := path + ".repaired"
			var rstats RepairStats
			require.NoError(t, Repair(path, dst, &rstats, nil))
			require.Equal(t, uint64(5), rstats.HealthyRecords)
			r, err := Open(dst, ReadOnly, "file")
			require.NoError(t, err)
			defer r.Close()
			recs = recs[:0]
			_, stats, err = r.ScanAllRecords(collect(&recs), false)
			require.NoError(t, err)
			require.True(t, stats.Clean())
			require.Len(t, recs, 5)
			require.Equal(t, string(payloadOf(3)), recs[2].payload)
		})
	}
}

func TestChangeLog_TornTail(t *testing.T) {
	c, path, offsets := newTestLog(t, 4)
	end := c.Size()
	require.NoError(t, c.Close())

	frame := encodeRecord(RecordUpdate, []byte("half written"), end)
	corrupt(t, path, int64(end), frame[:len(frame)/2])

	c, err := Open(path, 0, "file")
	require.NoError(t, err)
	defer c.Close()
	var recs []scanned
	next, stats, err := c.ScanAllRecords(collect(&recs), true)
	require.NoError(t, err)
	require.Equal(t, end, next)
	require.Len(t, recs, len(offsets))
	require.Equal(t, uint64(1), stats.NotFixed)
	require.Equal(t, uint64(len(frame)/2), stats.BytesDiscarded)

	// the tail was truncated, appends continue at the last good record
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(end), st.Size())
	off, err := c.StoreRecord(RecordUpdate, []byte("again"))
	require.NoError(t, err)
	require.Equal(t, end, off)
}

func TestChangeLog_Follow(t *testing.T) {
	c, path, offsets := newTestLog(t, 3)
	defer c.Close()

	var recs []scanned
	next, err := c.Follow(collect(&recs), 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, c.Size(), next)

	// a record still being appended is not available yet
	end := c.Size()
	frame := encodeRecord(RecordUpdate, []byte("slow append"), end)
	corrupt(t, path, int64(end), frame[:10])
	recs = recs[:0]
	next, err = c.Follow(collect(&recs), next)
	require.NoError(t, err)
	require.Equal(t, end, next)
	require.Empty(t, recs)

	corrupt(t, path, int64(end)+10, frame[10:])
	next, err = c.Follow(collect(&recs), next)
	require.NoError(t, err)
	require.Equal(t, end+uint64(len(frame)), next)
	require.Len(t, recs, 1)
	require.Equal(t, "slow append", recs[0].payload)
	require.Greater(t, recs[0].offset, offsets[2])
}

func TestChangeLog_ScannerError(t *testing.T) {
	c, _, offsets := newTestLog(t, 5)
	defer c.Close()
	stop := fmt.Errorf("stop")
	n := 0
	next, _, err := c.ScanAllRecords(func(offset uint64, typ RecordType, payload []byte) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	}, true)
	require.ErrorIs(t, err, stop)
	require.Equal(t, offsets[2], next)
}

func TestChangeLog_CleanEndOfFile(t *testing.T) {
	for _, n := range []int{0, 1} {
		c, _, _ := newTestLog(t, n)
		for _, autorepair := range []bool{false, true} {
			var recs []scanned
			next, stats, err := c.ScanAllRecords(collect(&recs), autorepair)
			require.NoError(t, err)
			require.Equal(t, c.Size(), next)
			require.Len(t, recs, n)
			require.Equal(t, uint64(0), stats.NotFixed)
			require.Equal(t, uint64(0), stats.BytesDiscarded)
			require.True(t, stats.Clean())
		}
		require.NoError(t, c.Close())
	}
}
