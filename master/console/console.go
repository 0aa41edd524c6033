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

// Package console is the administrative control surface of the master.
// Every command takes an identity and a word list and answers with a
// proto.Reply, the http layer only transports them.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/spf13/pflag"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/cluster"
	"github.com/cubefs/dsmeta/master/fsck"
	"github.com/cubefs/dsmeta/master/gc"
	"github.com/cubefs/dsmeta/master/route"
	"github.com/cubefs/dsmeta/proto"
	"github.com/cubefs/dsmeta/util/limiter"
)

type Config struct {
	// ConfigDir holds the files of config save and config load.
	ConfigDir string `json:"config_dir"`
	// Admins may run modifying commands next to root.
	Admins []string `json:"admins"`
}

type Fsck interface {
	Scan(ctx context.Context) (*fsck.Report, error)
	LastReport() *fsck.Report
	Repair(ctx context.Context, fid proto.FileID, fsid proto.FsID, kind fsck.Kind) error
	RepairAll(ctx context.Context, report *fsck.Report) *fsck.RepairResult
	Stat() fsck.Stats
}

// Placement is the part of the cluster view the console reads and edits.
type Placement interface {
	ListSpaces(ctx context.Context) ([]*cluster.SpaceInfo, error)
	ListGroups(ctx context.Context, space string) ([]*cluster.GroupInfo, error)
	SetGroupStatus(ctx context.Context, who proto.Identity, group, status string) error
	SetGroupConfig(ctx context.Context, who proto.Identity, group, key, value string) error
	RemoveGroup(ctx context.Context, group string) error
	SetSpaceConfig(ctx context.Context, who proto.Identity, space, key, value string) error
	ConfigHistory(ctx context.Context, since time.Time) ([]*cluster.ConfigChange, error)
	DumpConfig(ctx context.Context) ([]byte, error)
	LoadConfig(ctx context.Context, who proto.Identity, data []byte) error
}

type GC interface {
	Enable(ctx context.Context) bool
	Stats() gc.Stats
}

type Console struct {
	cfg       Config
	fsck      Fsck
	placement Placement
	gc        GC
	routes    *route.Table
	qos       map[string]limiter.Limiter
	admins    map[string]struct{}

	commands map[string]*command
}

// New returns a console, gc may be nil when the process runs no tape
// collector.
func New(cfg Config, fsck Fsck, placement Placement, gc GC, routes *route.Table, qos map[string]limiter.Limiter) *Console {
	c := &Console{
		cfg:       cfg,
		fsck:      fsck,
		placement: placement,
		gc:        gc,
		routes:    routes,
		qos:       qos,
		admins:    make(map[string]struct{}, len(cfg.Admins)),
	}
	for _, name := range cfg.Admins {
		c.admins[name] = struct{}{}
	}
	c.commands = make(map[string]*command)
	for _, cmd := range []*command{
		c.fsckCommand(),
		c.groupCommand(),
		c.spaceCommand(),
		c.configCommand(),
		c.debugCommand(),
		c.qosCommand(),
		c.routeCommand(),
		c.gcCommand(),
		{name: "whoami", summary: "show the identity the master sees", run: c.whoami},
	} {
		c.commands[cmd.name] = cmd
	}
	return c
}

// command is a node of the command tree, either a word with subcommands or
// a leaf that runs.
type command struct {
	name    string
	usage   string
	summary string
	// admin leaves require root or a configured admin
	admin bool
	flags func(fs *pflag.FlagSet)
	subs  []*command
	run   func(ctx context.Context, inv *invocation) error
}

// invocation is the state of one Execute call, commands are shared by
// concurrent calls.
type invocation struct {
	who   proto.Identity
	flags *pflag.FlagSet
	args  []string
	out   strings.Builder
}

func (inv *invocation) printf(format string, a ...interface{}) {
	fmt.Fprintf(&inv.out, format, a...)
}

func (inv *invocation) json(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	inv.out.Write(data)
	inv.out.WriteByte('\n')
	return nil
}

func (inv *invocation) jsonOutput() bool {
	v, _ := inv.flags.GetBool("json")
	return v
}

// Execute runs cmd with args on behalf of who.
func (c *Console) Execute(ctx context.Context, who proto.Identity, cmd string, args []string) proto.Reply {
	span := trace.SpanFromContextSafe(ctx)
	if cmd == "help" || cmd == "" {
		return proto.OkReply("%s", c.help())
	}
	root, ok := c.commands[cmd]
	if !ok {
		return proto.ErrReply(apierrors.Wrapf(apierrors.ErrInvalidArgument, "unknown command %q, try help", cmd))
	}
	inv := &invocation{who: who}
	if err := c.dispatch(ctx, root, inv, args); err != nil {
		span.Warnf("console %s %v by %s failed: %s", cmd, args, who.Name, err)
		return proto.ErrReply(err)
	}
	return proto.OkReply("%s", inv.out.String())
}

func (c *Console) dispatch(ctx context.Context, cmd *command, inv *invocation, args []string) error {
	if len(cmd.subs) > 0 {
		if len(args) == 0 || isHelp(args[0]) {
			inv.printf("%s", usageOf(cmd))
			if len(args) == 0 {
				return apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s: subcommand required", cmd.name)
			}
			return nil
		}
		for _, sub := range cmd.subs {
			if sub.name == args[0] {
				return c.dispatch(ctx, sub, inv, args[1:])
			}
		}
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s: unknown subcommand %q", cmd.name, args[0])
	}

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("json", false, "print json")
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			inv.printf("usage: %s\n%s", cmd.usage, fs.FlagUsages())
			return nil
		}
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "%s, usage: %s", err, cmd.usage)
	}
	if cmd.admin && !c.isAdmin(inv.who) {
		return apierrors.Wrapf(apierrors.ErrPermission, "%s needs admin rights", cmd.usage)
	}
	inv.flags = fs
	inv.args = fs.Args()
	return cmd.run(ctx, inv)
}

func (c *Console) isAdmin(who proto.Identity) bool {
	if who.IsRoot() {
		return true
	}
	_, ok := c.admins[who.Name]
	return ok
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func usageOf(cmd *command) string {
	var b strings.Builder
	for _, sub := range cmd.subs {
		fmt.Fprintf(&b, "  %-48s %s\n", sub.usage, sub.summary)
	}
	return b.String()
}

func (c *Console) help() string {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		cmd := c.commands[name]
		if len(cmd.subs) == 0 {
			fmt.Fprintf(&b, "  %-48s %s\n", name, cmd.summary)
			continue
		}
		b.WriteString(usageOf(cmd))
	}
	return b.String()
}

// wantArgs checks the number of positional arguments.
func wantArgs(inv *invocation, usage string, min, max int) error {
	if n := len(inv.args); n < min || (max >= 0 && n > max) {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "usage: %s", usage)
	}
	return nil
}

func (c *Console) whoami(ctx context.Context, inv *invocation) error {
	who := inv.who
	if inv.jsonOutput() {
		return inv.json(struct {
			proto.Identity
			Admin bool `json:"admin"`
		}{who, c.isAdmin(who)})
	}
	inv.printf("uid=%d gid=%d name=%s", who.Uid, who.Gid, who.Name)
	if who.Host != "" {
		inv.printf(" host=%s", who.Host)
	}
	if c.isAdmin(who) {
		inv.printf(" admin")
	}
	inv.printf("\n")
	return nil
}
