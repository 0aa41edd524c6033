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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"

	"github.com/cubefs/dsmeta/transport"
)

var auditLogPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

const maxAuditArgsSize = 1 << 10

// replica mutations end up in the audit log, reads do not
var auditedMethods = []string{"Write", "Copy", "Delete", "StageRemove", "Update"}

type RPCServer struct {
	grpcServer *grpc.Server

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	opts := transport.ServerOptions()
	opts = append(opts, grpc.ChainUnaryInterceptor(rs.unaryInterceptorWithAuditLog))
	s := grpc.NewServer(opts...)
	if rs.node != nil {
		transport.RegisterNodeServer(s, rs.node)
	}
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s failed: %s", addr, err)
	}
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func audited(method string) bool {
	name := method[strings.LastIndex(method, "/")+1:]
	for _, prefix := range auditedMethods {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (r *RPCServer) unaryInterceptorWithAuditLog(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	if r.auditLog == nil || !audited(info.FullMethod) {
		return handler(ctx, req)
	}
	start := time.Now()
	resp, err = handler(ctx, req)

	in, _ := json.Marshal(req)
	if len(in) > maxAuditArgsSize {
		in = in[:maxAuditArgsSize]
	}
	bw := auditLogPool.Get().(*bytes.Buffer)
	defer auditLogPool.Put(bw)
	bw.Reset()
	bw.WriteString(info.FullMethod)
	bw.WriteByte('\t')
	bw.WriteString(trace.SpanFromContextSafe(ctx).TraceID())
	bw.WriteByte('\t')
	bw.Write(in)
	bw.WriteByte('\t')
	if err != nil {
		bw.WriteString(strconv.Quote(err.Error()))
	} else {
		bw.WriteString("ok")
	}
	bw.WriteByte('\t')
	bw.WriteString(strconv.FormatInt(int64(time.Since(start)/time.Microsecond), 10))
	bw.WriteByte('\n')
	if lerr := r.auditLog.Log(bw.Bytes()); lerr != nil {
		log.Warnf("write audit log failed: %s", lerr)
	}
	return
}
