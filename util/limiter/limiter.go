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
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

const (
	KeyConcurrency = "concurrency"
	KeyOpsPerSec   = "ops"
	KeyMBPS        = "mbps"
)

type (
	// Limiter bounds one class of background work by concurrency, operation rate and bandwidth.
	Limiter interface {
		Acquire() error
		Release()
		Wait(ctx context.Context) error
		Reader(ctx context.Context, r io.Reader) LimitReader
		Writer(ctx context.Context, w io.Writer) LimitWriter
		Set(key string, value int) error
		GetConfig() LimitConfig
		Status() Status
	}
	LimitReader interface {
		WaitN(n int) error
		io.Reader
	}
	LimitWriter interface {
		WaitN(n int) error
		io.Writer
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency int `json:"concurrency" yaml:"concurrency"`
		OpsPerSec   int `json:"ops_per_sec" yaml:"ops_per_sec"`
		MBPS        int `json:"mbps" yaml:"mbps"`
	}
	Status struct {
		Config  LimitConfig `json:"config"`
		Running int         `json:"running"`
		// milliseconds a new request would currently wait for a token
		OpsWait int `json:"ops_wait"`
		IOWait  int `json:"io_wait"`
	}
	// reader limited reader
	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	// writer limited writer
	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	noopLimitReader struct {
		underlying io.Reader
	}
	noopLimitWriter struct {
		underlying io.Writer
	}
	limiter struct {
		mu         sync.RWMutex
		config     LimitConfig
		countLimit CountLimit
		opsRate    *rate.Limiter
		ioRate     *rate.Limiter
	}
)

func (r *reader) Read(p []byte) (n int, err error) {
	if err = r.WaitN(len(p)); err != nil {
		return 0, err
	}
	return r.underlying.Read(p)
}

// WaitN splits n into burst sized chunks, rate.Limiter refuses requests above its burst.
func (r *reader) WaitN(n int) error {
	return waitN(r.ctx, r.rate, n)
}

func (w *writer) Write(p []byte) (n int, err error) {
	if err = w.WaitN(len(p)); err != nil {
		return 0, err
	}
	return w.underlying.Write(p)
}

func (w *writer) WaitN(n int) error {
	return waitN(w.ctx, w.rate, n)
}

func waitN(ctx context.Context, r *rate.Limiter, n int) error {
	for n > 0 {
		m := n
		if burst := r.Burst(); m > burst {
			m = burst
		}
		if err := r.WaitN(ctx, m); err != nil {
			return err
		}
		n -= m
	}
	return nil
}

func (nr *noopLimitReader) Read(p []byte) (n int, err error) {
	return nr.underlying.Read(p)
}

func (nr *noopLimitReader) WaitN(n int) error {
	return nil
}

func (nw *noopLimitWriter) Write(p []byte) (n int, err error) {
	return nw.underlying.Write(p)
}

func (nw *noopLimitWriter) WaitN(n int) error {
	return nil
}

// NewLimiter returns a limiter, zero values in cfg mean unlimited.
func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{}
	for key, value := range map[string]int{
		KeyConcurrency: cfg.Concurrency,
		KeyOpsPerSec:   cfg.OpsPerSec,
		KeyMBPS:        cfg.MBPS,
	} {
		if value > 0 {
			lim.set(key, value)
		}
	}
	return lim
}

func (lim *limiter) Acquire() error {
	lim.mu.RLock()
	cl := lim.countLimit
	lim.mu.RUnlock()
	if cl != nil {
		return cl.Acquire()
	}
	return nil
}

func (lim *limiter) Release() {
	lim.mu.RLock()
	cl := lim.countLimit
	lim.mu.RUnlock()
	if cl != nil {
		cl.Release()
	}
}

func (lim *limiter) Wait(ctx context.Context) error {
	lim.mu.RLock()
	r := lim.opsRate
	lim.mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.Wait(ctx)
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) LimitReader {
	lim.mu.RLock()
	defer lim.mu.RUnlock()
	if lim.ioRate != nil {
		return &reader{ctx: ctx, rate: lim.ioRate, underlying: r}
	}
	return &noopLimitReader{underlying: r}
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) LimitWriter {
	lim.mu.RLock()
	defer lim.mu.RUnlock()
	if lim.ioRate != nil {
		return &writer{ctx: ctx, rate: lim.ioRate, underlying: w}
	}
	return &noopLimitWriter{underlying: w}
}

func (lim *limiter) Set(key string, value int) error {
	if value < 0 {
		return fmt.Errorf("negative limit %d for %s", value, key)
	}
	switch key {
	case KeyConcurrency, KeyOpsPerSec, KeyMBPS:
	default:
		return fmt.Errorf("unknown limit key %q", key)
	}
	lim.set(key, value)
	return nil
}

func (lim *limiter) set(key string, value int) {
	lim.mu.Lock()
	defer lim.mu.Unlock()
	switch key {
	case KeyConcurrency:
		if value == 0 {
			lim.countLimit = nil
		} else if lim.countLimit == nil {
			lim.countLimit = NewCountLimit(value)
		} else {
			lim.countLimit.SetLimit(uint32(value))
		}
		lim.config.Concurrency = value
	case KeyOpsPerSec:
		lim.opsRate = updateRate(lim.opsRate, value)
		lim.config.OpsPerSec = value
	case KeyMBPS:
		lim.ioRate = updateRate(lim.ioRate, value<<20)
		lim.config.MBPS = value
	}
}

func updateRate(r *rate.Limiter, n int) *rate.Limiter {
	if n == 0 {
		return nil
	}
	if r == nil {
		return rate.NewLimiter(rate.Limit(n), n)
	}
	r.SetLimit(rate.Limit(n))
	r.SetBurst(n)
	return r
}

func (lim *limiter) GetConfig() LimitConfig {
	lim.mu.RLock()
	defer lim.mu.RUnlock()
	return lim.config
}

func (lim *limiter) Status() Status {
	lim.mu.RLock()
	defer lim.mu.RUnlock()
	st := Status{Config: lim.config}
	if lim.countLimit != nil {
		st.Running = lim.countLimit.Running()
	}
	st.OpsWait = rateWait(lim.opsRate)
	st.IOWait = rateWait(lim.ioRate)
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, r.Burst()/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}

// Registry holds the named limiters of a process, addressed as "<class>.<key>".
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]Limiter
}

func NewRegistry(classes map[string]LimitConfig) *Registry {
	r := &Registry{limiters: make(map[string]Limiter, len(classes))}
	for name, cfg := range classes {
		r.limiters[name] = NewLimiter(cfg)
	}
	return r
}

// Get returns the limiter of class, creating an unlimited one if absent.
func (r *Registry) Get(class string) Limiter {
	r.mu.RLock()
	lim, ok := r.limiters[class]
	r.mu.RUnlock()
	if ok {
		return lim
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok = r.limiters[class]; !ok {
		lim = NewLimiter(LimitConfig{})
		r.limiters[class] = lim
	}
	return lim
}

// Set applies "<class>.<key>" = value.
func (r *Registry) Set(name string, value int) error {
	class, key, ok := strings.Cut(name, ".")
	if !ok || class == "" {
		return fmt.Errorf("invalid qos name %q, expect <class>.<key>", name)
	}
	return r.Get(class).Set(key, value)
}

func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Status() map[string]Status {
	ret := make(map[string]Status)
	for _, name := range r.Classes() {
		ret[name] = r.Get(name).Status()
	}
	return ret
}
