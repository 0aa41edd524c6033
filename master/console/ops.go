package console

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/dustin/go-humanize"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/route"
	"github.com/cubefs/dsmeta/util/limiter"
)

var logLevels = []struct {
	name  string
	level log.Level
}{
	{"debug", log.Ldebug},
	{"info", log.Linfo},
	{"warn", log.Lwarn},
	{"error", log.Lerror},
	{"panic", log.Lpanic},
	{"fatal", log.Lfatal},
}

func (c *Console) debugCommand() *command {
	return &command{
		name: "debug",
		subs: []*command{
			{
				name:    "get",
				usage:   "debug get",
				summary: "show the log level",
				run:     c.debugGet,
			},
			{
				name:    "set",
				usage:   "debug set debug|info|warn|error",
				summary: "change the log level",
				admin:   true,
				run:     c.debugSet,
			},
		},
	}
}

func (c *Console) debugGet(ctx context.Context, inv *invocation) error {
	cur := log.GetOutputLevel()
	for _, l := range logLevels {
		if l.level == cur {
			inv.printf("log level: %s\n", l.name)
			return nil
		}
	}
	inv.printf("log level: %d\n", cur)
	return nil
}

func (c *Console) debugSet(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "debug set debug|info|warn|error", 1, 1); err != nil {
		return err
	}
	name := strings.ToLower(inv.args[0])
	for _, l := range logLevels {
		if l.name == name {
			log.SetOutputLevel(l.level)
			inv.printf("log level set to %s\n", name)
			return nil
		}
	}
	return apierrors.Wrapf(apierrors.ErrInvalidArgument, "log level %q", inv.args[0])
}

func (c *Console) qosCommand() *command {
	return &command{
		name: "qos",
		subs: []*command{
			{
				name:    "get",
				usage:   "qos get [<class>] [--json]",
				summary: "show the limits of background work",
				run:     c.qosGet,
			},
			{
				name:    "set",
				usage:   "qos set <class> concurrency|ops|mbps <value>",
				summary: "change a limit, 0 is unlimited",
				admin:   true,
				run:     c.qosSet,
			},
		},
	}
}

func (c *Console) qosLimiter(class string) (limiter.Limiter, error) {
	lim, ok := c.qos[class]
	if !ok {
		return nil, apierrors.Wrapf(apierrors.ErrNotFound, "qos class %q", class)
	}
	return lim, nil
}

func (c *Console) qosGet(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "qos get [<class>] [--json]", 0, 1); err != nil {
		return err
	}
	classes := make([]string, 0, len(c.qos))
	if len(inv.args) == 1 {
		if _, err := c.qosLimiter(inv.args[0]); err != nil {
			return err
		}
		classes = append(classes, inv.args[0])
	} else {
		for class := range c.qos {
			classes = append(classes, class)
		}
		sort.Strings(classes)
	}

	if inv.jsonOutput() {
		ret := make(map[string]limiter.Status, len(classes))
		for _, class := range classes {
			ret[class] = c.qos[class].Status()
		}
		return inv.json(ret)
	}
	for _, class := range classes {
		st := c.qos[class].Status()
		inv.printf("class=%s %s=%d %s=%d %s=%d running=%d", class,
			limiter.KeyConcurrency, st.Config.Concurrency,
			limiter.KeyOpsPerSec, st.Config.OpsPerSec,
			limiter.KeyMBPS, st.Config.MBPS, st.Running)
		if st.Config.MBPS > 0 {
			inv.printf(" bandwidth=%s/s", humanize.Bytes(uint64(st.Config.MBPS)*humanize.MByte))
		}
		inv.printf("\n")
	}
	return nil
}

func (c *Console) qosSet(ctx context.Context, inv *invocation) error {
	const usage = "qos set <class> concurrency|ops|mbps <value>"
	if err := wantArgs(inv, usage, 3, 3); err != nil {
		return err
	}
	lim, err := c.qosLimiter(inv.args[0])
	if err != nil {
		return err
	}
	value, err := strconv.Atoi(inv.args[2])
	if err != nil {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "value %q, usage: %s", inv.args[2], usage)
	}
	if err = lim.Set(inv.args[1], value); err != nil {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s", err)
	}
	inv.printf("qos %s: %s=%d\n", inv.args[0], inv.args[1], value)
	return nil
}

func (c *Console) routeCommand() *command {
	return &command{
		name: "route",
		subs: []*command{
			{
				name:    "link",
				usage:   "route link <path> <host:port[:http_port]>[,...]",
				summary: "redirect a subtree to other metadata services",
				admin:   true,
				run:     c.routeLink,
			},
			{
				name:    "unlink",
				usage:   "route unlink <path> [<host:port[:http_port]>[,...]]",
				summary: "drop endpoints or the whole route of a path",
				admin:   true,
				run:     c.routeUnlink,
			},
			{
				name:    "ls",
				usage:   "route ls [<path>] [--json]",
				summary: "list routes",
				run:     c.routeList,
			},
		},
	}
}

func parseEndpoints(s string) ([]route.Endpoint, error) {
	var eps []route.Endpoint
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		ep, err := route.ParseEndpoint(part)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func (c *Console) routeLink(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "route link <path> <host:port[:http_port]>[,...]", 2, 2); err != nil {
		return err
	}
	eps, err := parseEndpoints(inv.args[1])
	if err != nil {
		return err
	}
	if err = c.routes.Link(ctx, inv.args[0], eps...); err != nil {
		return err
	}
	inv.printf("linked %s\n", inv.args[0])
	return nil
}

func (c *Console) routeUnlink(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "route unlink <path> [<host:port[:http_port]>[,...]]", 1, 2); err != nil {
		return err
	}
	var eps []route.Endpoint
	if len(inv.args) == 2 {
		var err error
		if eps, err = parseEndpoints(inv.args[1]); err != nil {
			return err
		}
	}
	if err := c.routes.Unlink(ctx, inv.args[0], eps...); err != nil {
		return err
	}
	inv.printf("unlinked %s\n", inv.args[0])
	return nil
}

func (c *Console) routeList(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "route ls [<path>] [--json]", 0, 1); err != nil {
		return err
	}
	p := ""
	if len(inv.args) == 1 {
		p = inv.args[0]
	}
	routes, err := c.routes.List(p)
	if err != nil {
		return err
	}
	if inv.jsonOutput() {
		return inv.json(routes)
	}
	for _, r := range routes {
		names := make([]string, len(r.Endpoints))
		for i, ep := range r.Endpoints {
			names[i] = ep.String()
		}
		inv.printf("%s => %s\n", r.Path, strings.Join(names, ","))
	}
	return nil
}

func (c *Console) gcCommand() *command {
	return &command{
		name: "gc",
		subs: []*command{
			{
				name:    "stat",
				usage:   "gc stat [--json]",
				summary: "show tape gc counters",
				run:     c.gcStat,
			},
			{
				name:    "enable",
				usage:   "gc enable",
				summary: "start the tape gc of this master",
				admin:   true,
				run:     c.gcEnable,
			},
		},
	}
}

func (c *Console) gcStat(ctx context.Context, inv *invocation) error {
	if c.gc == nil {
		return apierrors.Wrapf(apierrors.ErrNotSupported, "no tape gc configured")
	}
	st := c.gc.Stats()
	if inv.jsonOutput() {
		return inv.json(st)
	}
	inv.printf("enabled=%t queue=%d/%d exceeded=%t evicted=%d failed=%d requeued=%d freed=%s free=%s min_free=%s\n",
		st.Enabled, st.QueueSize, st.MaxQueueSize, st.Exceeded, st.Evicted, st.Failed, st.Requeued,
		humanize.IBytes(st.FreedBytes), humanize.IBytes(st.Free), humanize.IBytes(st.MinFree))
	return nil
}

func (c *Console) gcEnable(ctx context.Context, inv *invocation) error {
	if c.gc == nil {
		return apierrors.Wrapf(apierrors.ErrNotSupported, "no tape gc configured")
	}
	if !c.gc.Enable(ctx) {
		inv.printf("tape gc already enabled\n")
		return nil
	}
	inv.printf("tape gc enabled\n")
	return nil
}
