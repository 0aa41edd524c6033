// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Concurrency(t *testing.T) {
	l := NewLimiter(LimitConfig{Concurrency: 1})
	require.NoError(t, l.Acquire())
	require.ErrorIs(t, l.Acquire(), ErrLimitExceeded)

	require.NoError(t, l.Set(KeyConcurrency, 2))
	require.NoError(t, l.Acquire())
	require.Equal(t, 2, l.Status().Running)
	l.Release()
	l.Release()
	require.Equal(t, 0, l.Status().Running)

	require.NoError(t, l.Set(KeyConcurrency, 0))
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire())
	}
}

func TestLimiter_Ops(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	require.NoError(t, l.Set(KeyOpsPerSec, 1000))
	require.Equal(t, 1000, l.GetConfig().OpsPerSec)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx))
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, l.Wait(cctx))

	require.Error(t, l.Set("unknown", 1))
	require.Error(t, l.Set(KeyOpsPerSec, -1))
}

func TestLimiter_ReaderWriter(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(LimitConfig{})
	_, ok := l.Reader(ctx, bytes.NewReader(nil)).(*noopLimitReader)
	require.True(t, ok)

	require.NoError(t, l.Set(KeyMBPS, 1))
	src := make([]byte, 64<<10)
	r := l.Reader(ctx, bytes.NewReader(src))
	var dst bytes.Buffer
	w := l.Writer(ctx, &dst)

	start := time.Now()
	n, err := io.Copy(w, r)
	require.NoError(t, err)
	require.Equal(t, int64(len(src)), n)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, r.WaitN(1<<20))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(map[string]LimitConfig{"fsck": {OpsPerSec: 10}})
	require.Equal(t, []string{"fsck"}, reg.Classes())

	require.NoError(t, reg.Set("balancer.concurrency", 4))
	require.Equal(t, []string{"balancer", "fsck"}, reg.Classes())
	require.Equal(t, 4, reg.Get("balancer").GetConfig().Concurrency)

	require.Error(t, reg.Set("balancer", 4))
	require.Error(t, reg.Set(".ops", 4))
	require.Error(t, reg.Set("fsck.nope", 4))

	st := reg.Status()
	require.Equal(t, 10, st["fsck"].Config.OpsPerSec)
}
