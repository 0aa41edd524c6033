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

package transfer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/dsmeta/proto"
)

type Kind uint8

const (
	KindReplicate Kind = iota + 1
	KindBalance
	KindDrain
	KindRepair
)

func (k Kind) String() string {
	switch k {
	case KindReplicate:
		return "replicate"
	case KindBalance:
		return "balance"
	case KindDrain:
		return "drain"
	case KindRepair:
		return "repair"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Status uint8

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Job copies the replica of a file to new file systems. Sources are tried
// in order. Without Targets the executor allocates Count of them, avoiding
// ExcludeFs and the file's current locations.
type Job struct {
	Fid       proto.FileID
	Kind      Kind
	Sources   []proto.FsID
	Targets   []proto.FsID
	ExcludeFs []proto.FsID
	Count     int
	// DropSource moves the single source to the single target, keeping its
	// position in the location list.
	DropSource bool
	// Tag groups jobs of one producer, e.g. the group a balancer works on.
	Tag string

	id        uint64
	cancelled atomic.Bool

	lock       sync.Mutex
	status     Status
	err        error
	createdAt  time.Time
	finishedAt time.Time
}

func (j *Job) ID() uint64 {
	return j.id
}

// Cancelled is polled by executors between steps.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

func (j *Job) Status() Status {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.status
}

func (j *Job) Err() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.err
}

func (j *Job) setStatus(s Status, err error) {
	j.lock.Lock()
	j.status = s
	j.err = err
	if s >= StatusDone {
		j.finishedAt = time.Now()
	}
	j.lock.Unlock()
}

// JobInfo is a point in time copy of a job for listings.
type JobInfo struct {
	ID         uint64       `json:"id"`
	Fid        proto.FileID `json:"fid"`
	Kind       string       `json:"kind"`
	Status     string       `json:"status"`
	Sources    []proto.FsID `json:"sources"`
	Targets    []proto.FsID `json:"targets,omitempty"`
	DropSource bool         `json:"drop_source"`
	Tag        string       `json:"tag,omitempty"`
	Err        string       `json:"err,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (j *Job) Info() JobInfo {
	j.lock.Lock()
	defer j.lock.Unlock()
	info := JobInfo{
		ID:         j.id,
		Fid:        j.Fid,
		Kind:       j.Kind.String(),
		Status:     j.status.String(),
		Sources:    j.Sources,
		Targets:    j.Targets,
		DropSource: j.DropSource,
		Tag:        j.Tag,
		CreatedAt:  j.createdAt,
	}
	if j.err != nil {
		info.Err = j.err.Error()
	}
	return info
}

func (j *Job) String() string {
	return fmt.Sprintf("job[%d] %s fid=%d %v->%v drop=%t", j.id, j.Kind, j.Fid, j.Sources, j.Targets, j.DropSource)
}
