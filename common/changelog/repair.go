package changelog

import (
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
)

// Repair copies every salvageable record of src into a fresh dst. A healthy
// src yields a byte identical dst. feedback, if set, receives progress and the
// final statistics.
func Repair(src, dst string, stats *RepairStats, feedback func(RepairStats)) error {
	start := time.Now()
	in, err := Open(src, ReadOnly, "")
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := Open(dst, Create|Truncate, in.ContentTag())
	if err != nil {
		return err
	}
	defer out.Close()
	if err = out.SetUserFlags(in.UserFlags()); err != nil {
		return errors.Info(err, "write repaired header").Detail(err)
	}

	in.rmu.Lock()
	s := &scan{w: in.rw, autorepair: true, offset: fileHeaderSize, good: fileHeaderSize, progress: feedback}
	err = s.run(func(offset uint64, typ RecordType, payload []byte) error {
		_, err := out.StoreRecord(typ, payload)
		return err
	})
	in.rmu.Unlock()
	if err != nil {
		return err
	}
	if end := int64(in.Size()); end > s.good {
		s.stats.BytesDiscarded += uint64(end - s.good)
	}
	s.stats.Elapsed = time.Since(start)
	if stats != nil {
		*stats = s.stats
	}
	if feedback != nil {
		feedback(s.stats)
	}
	return out.Sync()
}
