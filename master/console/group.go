package console

import (
	"context"
	"sort"
	"strings"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/cluster"
)

func (c *Console) groupCommand() *command {
	return &command{
		name: "group",
		subs: []*command{
			{
				name:    "ls",
				usage:   "group ls [<space>] [--json]",
				summary: "list placement groups",
				run:     c.groupList,
			},
			{
				name:    "rm",
				usage:   "group rm <group>",
				summary: "remove a group without file systems",
				admin:   true,
				run:     c.groupRemove,
			},
			{
				name:    "set",
				usage:   "group set <group> on|off|drain | <key>=<value>",
				summary: "change the status or a config key of a group",
				admin:   true,
				run:     c.groupSet,
			},
		},
	}
}

func (c *Console) groupList(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "group ls [<space>] [--json]", 0, 1); err != nil {
		return err
	}
	space := ""
	if len(inv.args) == 1 {
		space = inv.args[0]
	}
	groups, err := c.placement.ListGroups(ctx, space)
	if err != nil {
		return err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	if inv.jsonOutput() {
		return inv.json(groups)
	}
	for _, g := range groups {
		inv.printf("name=%s space=%s status=%s balancer=%s nofs=%d", g.Name, g.Space, g.Status, g.BalancerState, len(g.Fs))
		if len(g.Config) > 0 {
			inv.printf(" %s", formatConfig(g.Config))
		}
		inv.printf("\n")
	}
	return nil
}

func (c *Console) groupRemove(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "group rm <group>", 1, 1); err != nil {
		return err
	}
	if err := c.placement.RemoveGroup(ctx, inv.args[0]); err != nil {
		return err
	}
	inv.printf("removed group %s\n", inv.args[0])
	return nil
}

func (c *Console) groupSet(ctx context.Context, inv *invocation) error {
	const usage = "group set <group> on|off|drain | <key>=<value>"
	if err := wantArgs(inv, usage, 2, 2); err != nil {
		return err
	}
	name, arg := inv.args[0], inv.args[1]
	if key, value, ok := strings.Cut(arg, "="); ok {
		if key == "" {
			return apierrors.Wrapf(apierrors.ErrInvalidArgument, "usage: %s", usage)
		}
		if err := c.placement.SetGroupConfig(ctx, inv.who, name, key, value); err != nil {
			return err
		}
		inv.printf("group %s: %s=%s\n", name, key, value)
		return nil
	}
	switch arg {
	case cluster.GroupOn, cluster.GroupOff, cluster.GroupDrain:
	default:
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "group status %q, usage: %s", arg, usage)
	}
	if err := c.placement.SetGroupStatus(ctx, inv.who, name, arg); err != nil {
		return err
	}
	inv.printf("group %s is %s\n", name, arg)
	return nil
}

func (c *Console) spaceCommand() *command {
	return &command{
		name: "space",
		subs: []*command{
			{
				name:    "ls",
				usage:   "space ls [--json]",
				summary: "list spaces and their config",
				run:     c.spaceList,
			},
			{
				name:    "set",
				usage:   "space set <space> <key>=<value>",
				summary: "change a config key of a space",
				admin:   true,
				run:     c.spaceSet,
			},
		},
	}
}

func (c *Console) spaceList(ctx context.Context, inv *invocation) error {
	spaces, err := c.placement.ListSpaces(ctx)
	if err != nil {
		return err
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i].Name < spaces[j].Name })
	if inv.jsonOutput() {
		return inv.json(spaces)
	}
	for _, s := range spaces {
		inv.printf("name=%s nogroups=%d", s.Name, len(s.Groups))
		if len(s.Config) > 0 {
			inv.printf(" %s", formatConfig(s.Config))
		}
		inv.printf("\n")
	}
	return nil
}

func (c *Console) spaceSet(ctx context.Context, inv *invocation) error {
	const usage = "space set <space> <key>=<value>"
	if err := wantArgs(inv, usage, 2, 2); err != nil {
		return err
	}
	key, value, ok := strings.Cut(inv.args[1], "=")
	if !ok || key == "" {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "usage: %s", usage)
	}
	if err := c.placement.SetSpaceConfig(ctx, inv.who, inv.args[0], key, value); err != nil {
		return err
	}
	inv.printf("space %s: %s=%s\n", inv.args[0], key, value)
	return nil
}

func formatConfig(conf map[string]string) string {
	keys := make([]string, 0, len(conf))
	for k := range conf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + conf[k]
	}
	return strings.Join(parts, " ")
}
