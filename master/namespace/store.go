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

package namespace

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/dsmeta/common/changelog"
	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/namespace/md"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
)

const (
	fileLogTag      = "file"
	containerLogTag = "container"
)

type Config struct {
	FileLogPath      string `json:"file_log_path"`
	ContainerLogPath string `json:"container_log_path"`
	// AutoRepair boots from the healthy records of a corrupted changelog
	// instead of refusing to start.
	AutoRepair bool `json:"auto_repair"`
}

// Store is the persistent namespace: every mutation of the tree is appended
// to the file or container changelog, Boot rebuilds the tree from them.
type Store struct {
	cfg        Config
	files      *changelog.ChangeLog
	containers *changelog.ChangeLog
	tree       *Tree
	ids        IDAllocator
	skipped    SkippedRecords
}

// SkippedRecords counts the records an auto repairing boot could not decode.
type SkippedRecords struct {
	Files      uint64 `json:"files"`
	Containers uint64 `json:"containers"`
}

func NewStore(ctx context.Context, cfg *Config, ids IDAllocator) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &Store{cfg: *cfg, ids: ids}
	var err error
	if s.files, err = openLog(cfg.FileLogPath, fileLogTag); err != nil {
		span.Errorf("open file changelog failed: %s", errors.Detail(err))
		return nil, err
	}
	if s.containers, err = openLog(cfg.ContainerLogPath, containerLogTag); err != nil {
		s.files.Close()
		span.Errorf("open container changelog failed: %s", errors.Detail(err))
		return nil, err
	}
	s.tree = newTree(ids, s)
	return s, nil
}

func openLog(path, tag string) (*changelog.ChangeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Info(err, "mkdir", path).Detail(err)
	}
	return changelog.Open(path, changelog.Create, tag)
}

// Skipped is what the last Boot left out.
func (s *Store) Skipped() SkippedRecords {
	return s.skipped
}

// Tree is usable after Boot. Subscribe to it before Boot to see every
// record as it is loaded.
func (s *Store) Tree() *Tree {
	return s.tree
}

func idPayload(id uint64, body []byte) []byte {
	buf := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(buf, id)
	return append(buf, body...)
}

func (s *Store) PutFile(f *md.FileMD) error {
	_, err := s.files.StoreRecord(changelog.RecordUpdate, idPayload(f.ID, f.Serialize()))
	return err
}

func (s *Store) DeleteFile(id proto.FileID) error {
	_, err := s.files.StoreRecord(changelog.RecordDelete, idPayload(id, nil))
	return err
}

func (s *Store) PutContainer(c *md.ContainerMD) error {
	_, err := s.containers.StoreRecord(changelog.RecordUpdate, idPayload(c.ID, c.Serialize()))
	return err
}

func (s *Store) DeleteContainer(id proto.ContainerID) error {
	_, err := s.containers.StoreRecord(changelog.RecordDelete, idPayload(id, nil))
	return err
}

// replay collects the latest record of every id. A delete drops whatever
// was recorded before, deletes of unknown ids are ignored. With autorepair
// a record whose payload does not decode is skipped and counted.
func replay(ctx context.Context, log *changelog.ChangeLog, autorepair bool, decode func(id uint64, buf []byte) error, drop func(id uint64)) (skipped uint64, err error) {
	span := trace.SpanFromContextSafe(ctx)
	apply := func(offset uint64, typ changelog.RecordType, payload []byte) error {
		if len(payload) < 8 {
			return apierrors.Wrapf(apierrors.ErrCorrupted, "record at %d of %d bytes", offset, len(payload))
		}
		id := binary.BigEndian.Uint64(payload)
		switch typ {
		case changelog.RecordUpdate:
			if err := decode(id, payload[8:]); err != nil {
				return apierrors.Wrapf(apierrors.ErrCorrupted, "decode record at offset %d: %s", offset, err)
			}
		case changelog.RecordDelete:
			drop(id)
		}
		return nil
	}
	next, stats, err := log.ScanAllRecords(func(offset uint64, typ changelog.RecordType, payload []byte) error {
		err := apply(offset, typ, payload)
		if err == nil {
			return nil
		}
		if !autorepair {
			span.Errorf("%s", err)
			return err
		}
		span.Warnf("skip record: %s", err)
		skipped++
		return nil
	}, autorepair)
	if err != nil {
		span.Errorf("replay %s failed at offset %d: %s", log, next, errors.Detail(err))
		return skipped, err
	}
	if !stats.Clean() || skipped > 0 {
		span.Warnf("replay %s repaired: %s skipped=%d", log, stats.String(), skipped)
	} else {
		span.Infof("replay %s done: %s", log, stats.String())
	}
	return skipped, nil
}

// Boot rebuilds the tree from both changelogs, then announces every record
// to the subscribers so derived indices are rebuilt.
func (s *Store) Boot(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	containers := make(map[proto.ContainerID]*md.ContainerMD)
	skippedContainers, err := replay(ctx, s.containers, s.cfg.AutoRepair, func(id uint64, buf []byte) error {
		c := &md.ContainerMD{}
		if err := c.Deserialize(buf); err != nil {
			return err
		}
		if c.ID != id {
			return apierrors.Wrapf(apierrors.ErrCorrupted, "container record %d keyed as %d", c.ID, id)
		}
		containers[id] = c
		return nil
	}, func(id uint64) { delete(containers, id) })
	if err != nil {
		return err
	}

	files := make(map[proto.FileID]*md.FileMD)
	skippedFiles, err := replay(ctx, s.files, s.cfg.AutoRepair, func(id uint64, buf []byte) error {
		f := &md.FileMD{}
		if err := f.Deserialize(buf); err != nil {
			return err
		}
		if f.ID != id {
			return apierrors.Wrapf(apierrors.ErrCorrupted, "file record %d keyed as %d", f.ID, id)
		}
		files[id] = f
		return nil
	}, func(id uint64) { delete(files, id) })
	if err != nil {
		return err
	}

	if err = s.tree.load(ctx, containers, files); err != nil {
		return err
	}
	s.skipped = SkippedRecords{Files: skippedFiles, Containers: skippedContainers}
	stat := s.tree.Stat()
	metrics.NamespaceObjects.WithLabelValues("file").Set(float64(stat.Files - stat.UnlinkedFiles))
	metrics.NamespaceObjects.WithLabelValues("container").Set(float64(stat.Containers))
	span.Infof("namespace booted, containers %d files %d unlinked %d", stat.Containers, stat.Files, stat.UnlinkedFiles)
	return nil
}

// Compact rewrites both changelogs with one record per live entity.
// Mutations wait until it is done.
func (s *Store) Compact(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	t := s.tree
	t.lock.Lock()
	defer t.unlock(ctx)

	files, err := compactLog(s.files, func(log *changelog.ChangeLog) error {
		for _, f := range t.files {
			if _, err := log.StoreRecord(changelog.RecordUpdate, idPayload(f.ID, f.Serialize())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.Errorf("compact file changelog failed: %s", errors.Detail(err))
		return err
	}
	s.files = files

	containers, err := compactLog(s.containers, func(log *changelog.ChangeLog) error {
		for _, c := range t.containers {
			if _, err := log.StoreRecord(changelog.RecordUpdate, idPayload(c.md.ID, c.md.Serialize())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.Errorf("compact container changelog failed: %s", errors.Detail(err))
		return err
	}
	s.containers = containers
	span.Infof("namespace changelogs compacted, files %d containers %d", len(t.files), len(t.containers))
	return nil
}

func compactLog(old *changelog.ChangeLog, write func(log *changelog.ChangeLog) error) (*changelog.ChangeLog, error) {
	path := old.Path()
	tmp := path + ".compact"
	log, err := changelog.Open(tmp, changelog.Create|changelog.Truncate, old.ContentTag())
	if err != nil {
		return nil, err
	}
	if err = write(log); err == nil {
		_, err = log.StoreRecord(changelog.RecordCompactStamp, idPayload(0, nil))
	}
	if err == nil {
		err = log.Close()
	} else {
		log.Close()
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err = os.Rename(tmp, path); err != nil {
		return nil, errors.Info(err, "rename", tmp).Detail(err)
	}
	old.Close()
	return changelog.Open(path, 0, old.ContentTag())
}

func (s *Store) Close() {
	s.files.Close()
	s.containers.Close()
}

// load installs the replayed records, links them and announces them.
func (t *Tree) load(ctx context.Context, containers map[proto.ContainerID]*md.ContainerMD, files map[proto.FileID]*md.FileMD) error {
	span := trace.SpanFromContextSafe(ctx)
	t.lock.Lock()
	defer t.unlock(ctx)

	var maxCid, maxFid uint64
	for id, c := range containers {
		t.containers[id] = newContainer(c)
		if id > maxCid {
			maxCid = id
		}
	}
	if err := t.ensureRoot(ctx); err != nil {
		return err
	}
	for id, c := range t.containers {
		if c.md.IsRoot() {
			continue
		}
		p, ok := t.containers[c.md.ParentID]
		if !ok {
			span.Warnf("container %d has no parent %d, not linked", id, c.md.ParentID)
			continue
		}
		if _, _, dup := p.lookup(c.md.Name); dup {
			span.Warnf("container %d duplicates name %q in %d, not linked", id, c.md.Name, p.md.ID)
			continue
		}
		p.subdirs.ReplaceOrInsert(&dirent{name: c.md.Name, id: id})
	}

	for id, f := range files {
		if id > maxFid {
			maxFid = id
		}
		if !f.IsUnlinked() {
			p, ok := t.containers[f.ContainerID]
			if ok {
				if _, _, dup := p.lookup(f.Name); dup {
					ok = false
				}
			}
			if !ok {
				span.Warnf("file %d can not be linked in container %d, unlinking it", id, f.ContainerID)
				n := f.Clone()
				n.ContainerID = 0
				n.UnlinkAllLocations()
				if err := t.journal.PutFile(n); err != nil {
					return err
				}
				f = n
			} else {
				p.files.ReplaceOrInsert(&dirent{name: f.Name, id: id})
			}
		}
		if f.IsUnlinked() {
			t.unlinked++
		}
		t.files[id] = f
	}

	if err := t.ids.Reserve(ctx, ContainerIDScope, maxCid); err != nil {
		return err
	}
	if err := t.ids.Reserve(ctx, FileIDScope, maxFid); err != nil {
		return err
	}

	for id, c := range t.containers {
		t.emit(&Event{Kind: ContainerCreated, ContainerID: id, Container: c.md})
	}
	for id, f := range t.files {
		t.emit(&Event{Kind: FileCreated, FileID: id, ContainerID: f.ContainerID, File: f})
		for i, fsid := range f.Locations {
			t.emit(&Event{Kind: LocationAdded, FileID: id, Fsid: fsid, Index: i, File: f})
		}
		for _, fsid := range f.Unlinked {
			t.emit(&Event{Kind: LocationUnlinked, FileID: id, Fsid: fsid, File: f})
		}
	}
	return nil
}
