package cluster

import (
	"context"
	"sync"
	"time"

	apierrors "github.com/cubefs/dsmeta/errors"
)

const (
	minBackoff = time.Millisecond
	maxBackoff = 50 * time.Millisecond
)

// timedRWMutex is a readers-writer lock whose readers give up after a
// deadline. A waiting writer makes TryRLock fail, readers back off and
// retry, so writers are never starved by a stream of readers.
type timedRWMutex struct {
	sync.RWMutex
}

func (m *timedRWMutex) RLockTimeout(ctx context.Context, d time.Duration) error {
	if m.TryRLock() {
		return nil
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	backoff := minBackoff
	for {
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-deadline.C:
			t.Stop()
			return apierrors.Wrapf(apierrors.ErrTimeout, "read lock not acquired within %s", d)
		case <-t.C:
		}
		if m.TryRLock() {
			return nil
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
