package cluster

import (
	"math/rand"
	"sort"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/proto"
)

// fsSet holds the file systems of one group ordered by fsid.
type fsSet struct {
	fs []*fs
}

// alloc picks count file systems on distinct nodes by weighted random
// selection, file systems with more free space are picked more often.
func (s *fsSet) alloc(rnd *rand.Rand, count int, excludeFs map[proto.FsID]struct{}, excludeNodes map[proto.NodeID]struct{}) ([]*fs, error) {
	candidates := make([]*fs, 0, len(s.fs))
	for _, f := range s.fs {
		if _, ok := excludeFs[f.info.Fsid]; ok {
			continue
		}
		if _, ok := excludeNodes[f.info.NodeId]; ok {
			continue
		}
		if !f.canAlloc() {
			continue
		}
		candidates = append(candidates, f)
	}

	res := make([]*fs, 0, count)
	usedNodes := make(map[proto.NodeID]struct{}, count)
	for len(res) < count && len(candidates) > 0 {
		total := 0
		for _, f := range candidates {
			total += f.weight()
		}
		pick := rnd.Intn(total)
		idx := 0
		for i, f := range candidates {
			if pick -= f.weight(); pick < 0 {
				idx = i
				break
			}
		}
		chosen := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		if _, ok := usedNodes[chosen.info.NodeId]; ok {
			continue
		}
		usedNodes[chosen.info.NodeId] = struct{}{}
		res = append(res, chosen)
	}
	if len(res) < count {
		return res, apierrors.Wrapf(apierrors.ErrNoAvailableFs, "%d of %d file systems available", len(res), count)
	}
	return res, nil
}

func (s *fsSet) get(fsid proto.FsID) (*fs, bool) {
	i, ok := search(s.fs, fsid)
	if !ok {
		return nil, false
	}
	return s.fs[i], true
}

func (s *fsSet) put(f *fs) {
	idx, ok := search(s.fs, f.info.Fsid)
	if ok {
		s.fs[idx] = f
		return
	}
	s.fs = append(s.fs, f)
	if idx == len(s.fs)-1 {
		return
	}
	copy(s.fs[idx+1:], s.fs[idx:len(s.fs)-1])
	s.fs[idx] = f
}

func (s *fsSet) delete(fsid proto.FsID) {
	i, ok := search(s.fs, fsid)
	if ok {
		copy(s.fs[i:], s.fs[i+1:])
		s.fs = s.fs[:len(s.fs)-1]
	}
}

func (s *fsSet) len() int {
	return len(s.fs)
}

func search(fss []*fs, fsid proto.FsID) (int, bool) {
	idx := sort.Search(len(fss), func(i int) bool {
		return fss[i].info.Fsid >= fsid
	})
	if idx == len(fss) || fss[idx].info.Fsid != fsid {
		return idx, false
	}
	return idx, true
}
