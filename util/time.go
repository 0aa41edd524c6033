package util

import (
	"context"
	"io"
	"time"
)

type (
	TimeReader struct {
		R  io.Reader
		dt time.Duration
	}
	TimeWriter struct {
		W  io.Writer
		dt time.Duration
	}
)

func (tr *TimeReader) Read(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tr.R.Read(p)
	tr.dt += time.Since(start)
	return n, err
}

func (tr *TimeReader) GetCost() time.Duration {
	return tr.dt
}

func (tw *TimeWriter) Write(p []byte) (n int, err error) {
	start := time.Now()
	n, err = tw.W.Write(p)
	tw.dt += time.Since(start)
	return n, err
}

func (tw *TimeWriter) GetCost() time.Duration {
	return tw.dt
}

// Sleep waits for d or until ctx or done is closed, it returns false when interrupted.
func Sleep(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Timespec is a seconds plus nanoseconds pair as stored in metadata records.
type Timespec struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

func NewTimespec(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func Now() Timespec {
	return NewTimespec(time.Now())
}

func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

func (ts Timespec) After(o Timespec) bool {
	return ts.Sec > o.Sec || (ts.Sec == o.Sec && ts.Nsec > o.Nsec)
}

func (ts Timespec) IsZero() bool {
	return ts.Sec == 0 && ts.Nsec == 0
}
