package fsck

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/dsmeta/proto"
)

type Kind uint8

const (
	KindMgmSizeDiff Kind = iota + 1
	KindMgmChecksumDiff
	KindFstSizeDiff
	KindFstChecksumDiff
	KindUnregisteredReplica
	KindDifferingReplica
	KindMissingReplica
	kindMax
)

var kindNames = [...]string{
	KindMgmSizeDiff:         "m_mem_sz_diff",
	KindMgmChecksumDiff:     "m_cx_diff",
	KindFstSizeDiff:         "d_mem_sz_diff",
	KindFstChecksumDiff:     "d_cx_diff",
	KindUnregisteredReplica: "unreg_n",
	KindDifferingReplica:    "rep_diff_n",
	KindMissingReplica:      "rep_missing_n",
}

// Kinds lists all kinds in report order.
func Kinds() []Kind {
	ret := make([]Kind, 0, kindMax-1)
	for k := KindMgmSizeDiff; k < kindMax; k++ {
		ret = append(ret, k)
	}
	return ret
}

func (k Kind) String() string {
	if k > 0 && k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	for k := KindMgmSizeDiff; k < kindMax; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown fsck error kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// replicaCount reports kinds repaired by reconciling locations with disks.
func (k Kind) replicaCount() bool {
	return k == KindUnregisteredReplica || k == KindDifferingReplica || k == KindMissingReplica
}

type Finding struct {
	Fid  proto.FileID `json:"fid"`
	Fsid proto.FsID   `json:"fsid"`
	Kind Kind         `json:"kind"`
}

// Report aggregates findings by kind and file system.
type Report struct {
	Time     time.Time                              `json:"time"`
	Findings map[Kind]map[proto.FsID][]proto.FileID `json:"findings"`

	lock sync.Mutex
	seen map[Finding]struct{}
}

func NewReport() *Report {
	return &Report{
		Time:     time.Now(),
		Findings: make(map[Kind]map[proto.FsID][]proto.FileID),
		seen:     make(map[Finding]struct{}),
	}
}

func (r *Report) Add(kind Kind, fsid proto.FsID, fid proto.FileID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	f := Finding{Fid: fid, Fsid: fsid, Kind: kind}
	if _, ok := r.seen[f]; ok {
		return
	}
	r.seen[f] = struct{}{}
	byFs, ok := r.Findings[kind]
	if !ok {
		byFs = make(map[proto.FsID][]proto.FileID)
		r.Findings[kind] = byFs
	}
	byFs[fsid] = append(byFs[fsid], fid)
}

// Count returns the number of distinct files with kind.
func (r *Report) Count(kind Kind) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	files := make(map[proto.FileID]struct{})
	for _, fids := range r.Findings[kind] {
		for _, fid := range fids {
			files[fid] = struct{}{}
		}
	}
	return len(files)
}

// Items returns all findings ordered by kind, fsid and fid.
func (r *Report) Items() []Finding {
	r.lock.Lock()
	ret := make([]Finding, 0, len(r.seen))
	for f := range r.seen {
		ret = append(ret, f)
	}
	r.lock.Unlock()
	sort.Slice(ret, func(i, j int) bool {
		a, b := ret[i], ret[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Fsid != b.Fsid {
			return a.Fsid < b.Fsid
		}
		return a.Fid < b.Fid
	})
	return ret
}
