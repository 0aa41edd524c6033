package console

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	apierrors "github.com/cubefs/dsmeta/errors"
)

const configSuffix = ".yaml"

var configName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func (c *Console) configCommand() *command {
	return &command{
		name: "config",
		subs: []*command{
			{
				name:    "ls",
				usage:   "config ls [--json]",
				summary: "list saved configurations",
				run:     c.configList,
			},
			{
				name:    "save",
				usage:   "config save [<name>] [--force]",
				summary: "save the placement config, print it without a name",
				admin:   true,
				flags: func(fs *pflag.FlagSet) {
					fs.BoolP("force", "f", false, "overwrite an existing configuration")
				},
				run: c.configSave,
			},
			{
				name:    "load",
				usage:   "config load <name>",
				summary: "apply a saved configuration",
				admin:   true,
				run:     c.configLoad,
			},
			{
				name:    "changelog",
				usage:   "config changelog [-n <lines>] [--since <duration>]",
				summary: "show the latest configuration changes",
				flags: func(fs *pflag.FlagSet) {
					fs.IntP("lines", "n", 10, "number of changes, 0 for all")
					fs.Duration("since", 0, "only changes younger than this")
				},
				run: c.configChangelog,
			},
		},
	}
}

func (c *Console) configPath(name string) (string, error) {
	if c.cfg.ConfigDir == "" {
		return "", apierrors.Wrapf(apierrors.ErrNotSupported, "no config directory")
	}
	name = strings.TrimSuffix(name, configSuffix)
	if !configName.MatchString(name) {
		return "", apierrors.Wrapf(apierrors.ErrInvalidArgument, "config name %q", name)
	}
	return filepath.Join(c.cfg.ConfigDir, name+configSuffix), nil
}

type savedConfig struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

func (c *Console) configList(ctx context.Context, inv *invocation) error {
	if c.cfg.ConfigDir == "" {
		return apierrors.Wrapf(apierrors.ErrNotSupported, "no config directory")
	}
	entries, err := os.ReadDir(c.cfg.ConfigDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var ret []savedConfig
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), configSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ret = append(ret, savedConfig{
			Name:  strings.TrimSuffix(e.Name(), configSuffix),
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	if inv.jsonOutput() {
		return inv.json(ret)
	}
	for _, s := range ret {
		inv.printf("name=%s size=%d mtime=%s\n", s.Name, s.Size, s.MTime.Format(time.RFC3339))
	}
	return nil
}

func (c *Console) configSave(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "config save [<name>] [--force]", 0, 1); err != nil {
		return err
	}
	data, err := c.placement.DumpConfig(ctx)
	if err != nil {
		return err
	}
	if len(inv.args) == 0 {
		inv.out.Write(data)
		return nil
	}
	p, err := c.configPath(inv.args[0])
	if err != nil {
		return err
	}
	force, _ := inv.flags.GetBool("force")
	if _, err = os.Stat(p); err == nil && !force {
		return apierrors.Wrapf(apierrors.ErrExist, "config %s, use --force", inv.args[0])
	}
	if err = os.MkdirAll(c.cfg.ConfigDir, 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	inv.printf("saved config %s\n", filepath.Base(p))
	return nil
}

func (c *Console) configLoad(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "config load <name>", 1, 1); err != nil {
		return err
	}
	p, err := c.configPath(inv.args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return apierrors.Wrapf(apierrors.ErrNotFound, "config %s", inv.args[0])
		}
		return err
	}
	if err = c.placement.LoadConfig(ctx, inv.who, data); err != nil {
		return err
	}
	inv.printf("loaded config %s\n", filepath.Base(p))
	return nil
}

func (c *Console) configChangelog(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "config changelog [-n <lines>] [--since <duration>]", 0, 0); err != nil {
		return err
	}
	lines, _ := inv.flags.GetInt("lines")
	since, _ := inv.flags.GetDuration("since")
	var from time.Time
	if since > 0 {
		from = time.Now().Add(-since)
	}
	changes, err := c.placement.ConfigHistory(ctx, from)
	if err != nil {
		return err
	}
	if lines > 0 && len(changes) > lines {
		changes = changes[len(changes)-lines:]
	}
	if inv.jsonOutput() {
		return inv.json(changes)
	}
	for _, ch := range changes {
		inv.printf("%s %s %s %s=%q", ch.Time.Format(time.RFC3339), ch.Scope, ch.Name, ch.Key, ch.Value)
		if ch.Old != "" {
			inv.printf(" old=%q", ch.Old)
		}
		if ch.Who != "" {
			inv.printf(" by=%s", ch.Who)
		}
		inv.printf("\n")
	}
	return nil
}
