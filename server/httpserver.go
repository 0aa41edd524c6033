package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/fsck"
	"github.com/cubefs/dsmeta/master/gc"
	"github.com/cubefs/dsmeta/metrics"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/storagenode"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30

	PathAdmin       = "/proc/admin"
	PathRouteLookup = "/route/lookup"
	PathFileOpened  = "/file/opened"
	PathStats       = "/stats"
	PathMetrics     = "/metrics"
)

type AdminArgs struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
	Uid  uint32   `json:"uid"`
	Gid  uint32   `json:"gid"`
	Name string   `json:"name"`
}

type RouteLookupArgs struct {
	Path string `json:"path"`
}

type FileOpenedArgs struct {
	Path string `json:"path"`
}

type MasterStats struct {
	Leader           bool       `json:"leader"`
	Balancers        []string   `json:"balancers"`
	PendingTransfers int        `json:"pending_transfers"`
	RunningTransfers int        `json:"running_transfers"`
	Fsck             fsck.Stats `json:"fsck"`
	GC               gc.Stats   `json:"gc"`
}

type NodeStats struct {
	NodeID      proto.NodeID `json:"node_id"`
	FileSystems []proto.FsID `json:"file_systems"`
}

type Stats struct {
	Roles  []string     `json:"roles"`
	Master *MasterStats `json:"master,omitempty"`
	Node   *NodeStats   `json:"node,omitempty"`
}

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.cfg.AuditLog.LogDir != "" {
		ph, logFile, err := auditlog.Open("dsmeta", &h.cfg.AuditLog)
		if err != nil {
			log.Fatal("open audit log failed:", err)
		}
		h.auditLog = logFile
		handlers = append(handlers, ph)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), handlers...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET(PathStats, h.Stats, rpc.OptArgsQuery())
	rpc.GET(PathMetrics, h.Metrics)
	if h.master != nil {
		rpc.POST(PathAdmin, h.Admin, rpc.OptArgsBody())
		rpc.POST(storagenode.PathNodeRegister, h.RegisterNode, rpc.OptArgsBody())
		rpc.POST(storagenode.PathFsRegister, h.RegisterFs, rpc.OptArgsBody())
		rpc.POST(storagenode.PathNodeHeartbeat, h.Heartbeat, rpc.OptArgsBody())
		rpc.GET(PathRouteLookup, h.RouteLookup, rpc.OptArgsQuery())
		rpc.POST(PathFileOpened, h.FileOpened, rpc.OptArgsBody())
	}
	return rpc.DefaultRouter
}

// respondError maps errnos onto http status codes so that rpc clients see
// a meaningful status.
func respondError(c *rpc.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case apierrors.Is(err, apierrors.ErrNotFound),
		apierrors.Is(err, apierrors.ErrNodeNotExist),
		apierrors.Is(err, apierrors.ErrFsNotExist),
		apierrors.Is(err, apierrors.ErrGroupNotExist),
		apierrors.Is(err, apierrors.ErrSpaceNotExist):
		status = http.StatusNotFound
	case apierrors.Is(err, apierrors.ErrExist):
		status = http.StatusConflict
	case apierrors.Is(err, apierrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case apierrors.Is(err, apierrors.ErrPermission), apierrors.Is(err, apierrors.ErrAccess):
		status = http.StatusForbidden
	}
	c.RespondError(rpc.NewError(status, "", err))
}

// Admin runs one console command, the caller host is taken from the
// connection and never from the request body.
func (h *HttpServer) Admin(c *rpc.Context) {
	args := new(AdminArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	who := proto.Identity{Uid: args.Uid, Gid: args.Gid, Name: args.Name, Host: host}
	span := trace.SpanFromContextSafe(c.Request.Context())
	span.Infof("admin command %q %v from %s@%s", args.Cmd, args.Args, who.Name, host)
	c.RespondJSON(h.master.Console().Execute(c.Request.Context(), who, args.Cmd, args.Args))
}

func (h *HttpServer) RegisterNode(c *rpc.Context) {
	args := new(cluster.NodeInfo)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.master.Cluster().RegisterNode(c.Request.Context(), args)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) RegisterFs(c *rpc.Context) {
	args := new(cluster.FsInfo)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.master.Cluster().RegisterFs(c.Request.Context(), args)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) Heartbeat(c *rpc.Context) {
	args := new(cluster.HeartbeatArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.master.Cluster().Heartbeat(c.Request.Context(), args); err != nil {
		respondError(c, err)
		return
	}
	c.Respond()
}

func (h *HttpServer) RouteLookup(c *rpc.Context) {
	args := new(RouteLookupArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	r, ok := h.master.Routes().Lookup(args.Path)
	if !ok {
		respondError(c, apierrors.Wrapf(apierrors.ErrNotFound, "no route for %q", args.Path))
		return
	}
	c.RespondJSON(r)
}

// FileOpened feeds the tape gc with client opens of disk replicas.
func (h *HttpServer) FileOpened(c *rpc.Context) {
	args := new(FileOpenedArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	f, err := h.master.Tree().FindFile(args.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	h.master.GC().FileOpened(args.Path, f.ID)
	c.Respond()
}

func (h *HttpServer) Stats(c *rpc.Context) {
	ret := Stats{Roles: h.cfg.Roles}
	if m := h.master; m != nil {
		pending, running := m.Dispatcher().Stat()
		ret.Master = &MasterStats{
			Leader:           m.IsLeader(),
			Balancers:        m.Balancers(),
			PendingTransfers: pending,
			RunningTransfers: running,
			Fsck:             m.Fsck().Stat(),
			GC:               m.GC().Stats(),
		}
	}
	if n := h.node; n != nil {
		ret.Node = &NodeStats{NodeID: n.NodeID(), FileSystems: n.FileSystems()}
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
