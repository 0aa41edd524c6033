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

// Package server runs the master and storage node roles of one process
// behind an http and a grpc endpoint.
package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master"
	"github.com/cubefs/dsmeta/storagenode"
	"github.com/cubefs/dsmeta/transport"
)

const (
	RoleMaster      = "master"
	RoleStorageNode = "storagenode"
)

type Config struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,oneof=master storagenode"`

	Master      master.Config      `json:"master"`
	StorageNode storagenode.Config `json:"storage_node"`
	// MasterClient reaches the master of a storage node running without
	// the master role.
	MasterClient storagenode.MasterClientConfig `json:"master_client"`
	AuditLog     auditlog.Config                `json:"audit_log"`
}

func (cfg *Config) hasRole(role string) bool {
	for _, r := range cfg.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Server struct {
	cfg    *Config
	master *master.Master
	node   *storagenode.Node
	peers  transport.NodeClient

	auditLog auditlog.LogCloser
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &Server{cfg: cfg}

	if cfg.hasRole(RoleMaster) {
		m, err := master.NewMaster(ctx, &cfg.Master)
		if err != nil {
			return nil, errors.Info(err, "new master").Detail(err)
		}
		s.master = m
	}
	if cfg.hasRole(RoleStorageNode) {
		nodeCfg := &cfg.StorageNode
		if s.master != nil {
			nodeCfg.Master = s.master.Cluster()
		} else {
			if cfg.MasterClient.Addr == "" {
				return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "storage node needs a master address")
			}
			nodeCfg.Master = storagenode.NewMasterClient(&cfg.MasterClient)
		}
		s.peers = transport.NewClient(nodeCfg.Transport)
		nodeCfg.Peers = s.peers
		node, err := storagenode.NewNode(ctx, nodeCfg)
		if err != nil {
			s.Close()
			return nil, errors.Info(err, "new storage node").Detail(err)
		}
		s.node = node
	}
	if s.master == nil && s.node == nil {
		return nil, apierrors.Wrapf(apierrors.ErrInvalidArgument, "no role in %v", cfg.Roles)
	}
	span.Infof("server roles %v", cfg.Roles)
	return s, nil
}

// Start runs the roles, the http and grpc endpoints must be serving since
// a storage node registers at its master.
func (s *Server) Start(ctx context.Context) error {
	if s.master != nil {
		if err := s.master.Start(ctx); err != nil {
			return errors.Info(err, "start master").Detail(err)
		}
	}
	if s.node != nil {
		if err := s.node.Start(ctx); err != nil {
			return errors.Info(err, "start storage node").Detail(err)
		}
	}
	return nil
}

func (s *Server) Master() *master.Master {
	return s.master
}

func (s *Server) Node() *storagenode.Node {
	return s.node
}

func (s *Server) Close() {
	if s.node != nil {
		s.node.Close()
	}
	if s.peers != nil {
		s.peers.Close()
	}
	if s.master != nil {
		s.master.Close()
	}
	if s.auditLog != nil {
		s.auditLog.Close()
	}
}
