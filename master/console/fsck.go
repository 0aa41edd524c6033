package console

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	apierrors "github.com/cubefs/dsmeta/errors"
	"github.com/cubefs/dsmeta/master/fsck"
	"github.com/cubefs/dsmeta/proto"
)

func (c *Console) fsckCommand() *command {
	return &command{
		name: "fsck",
		subs: []*command{
			{
				name:    "report",
				usage:   "fsck report [--refresh] [--all] [--json]",
				summary: "show the findings of the last scan",
				flags: func(fs *pflag.FlagSet) {
					fs.Bool("refresh", false, "run a new scan first")
					fs.BoolP("all", "a", false, "list every file id")
				},
				run: c.fsckReport,
			},
			{
				name:    "repair",
				usage:   "fsck repair --all | --fid <fid> --kind <kind> [--fsid <fsid>]",
				summary: "repair the last report or a single finding",
				admin:   true,
				flags: func(fs *pflag.FlagSet) {
					fs.BoolP("all", "a", false, "repair every finding of the last report")
					fs.Uint64("fid", 0, "file id")
					fs.Uint32("fsid", 0, "file system of the finding")
					fs.String("kind", "", "finding kind")
				},
				run: c.fsckRepair,
			},
			{
				name:    "stat",
				usage:   "fsck stat [--json]",
				summary: "show scan and repair counters",
				run:     c.fsckStat,
			},
		},
	}
}

func (c *Console) fsckReport(ctx context.Context, inv *invocation) error {
	if err := wantArgs(inv, "fsck report [--refresh] [--all] [--json]", 0, 0); err != nil {
		return err
	}
	refresh, _ := inv.flags.GetBool("refresh")
	all, _ := inv.flags.GetBool("all")
	report := c.fsck.LastReport()
	if refresh || report == nil {
		var err error
		if report, err = c.fsck.Scan(ctx); err != nil {
			return err
		}
	}
	if inv.jsonOutput() {
		return inv.json(report)
	}

	inv.printf("timestamp=%d\n", report.Time.Unix())
	for _, kind := range fsck.Kinds() {
		n := report.Count(kind)
		if n == 0 {
			continue
		}
		inv.printf("kind=%s count=%d\n", kind, n)
		if !all {
			continue
		}
		byFs := report.Findings[kind]
		fsids := make([]proto.FsID, 0, len(byFs))
		for fsid := range byFs {
			fsids = append(fsids, fsid)
		}
		sort.Slice(fsids, func(i, j int) bool { return fsids[i] < fsids[j] })
		for _, fsid := range fsids {
			fids := append([]proto.FileID(nil), byFs[fsid]...)
			sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
			inv.printf("  fsid=%d fids=%s\n", fsid, joinFids(fids))
		}
	}
	return nil
}

func joinFids(fids []proto.FileID) string {
	parts := make([]string, len(fids))
	for i, fid := range fids {
		parts[i] = strconv.FormatUint(uint64(fid), 10)
	}
	return strings.Join(parts, ",")
}

func (c *Console) fsckRepair(ctx context.Context, inv *invocation) error {
	const usage = "fsck repair --all | --fid <fid> --kind <kind> [--fsid <fsid>]"
	if err := wantArgs(inv, usage, 0, 0); err != nil {
		return err
	}
	all, _ := inv.flags.GetBool("all")
	fid, _ := inv.flags.GetUint64("fid")
	if all == (fid != 0) {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "usage: %s", usage)
	}

	if all {
		report := c.fsck.LastReport()
		if report == nil {
			return apierrors.Wrapf(apierrors.ErrNotFound, "no fsck report, run fsck report first")
		}
		ret := c.fsck.RepairAll(ctx, report)
		if inv.jsonOutput() {
			return inv.json(ret)
		}
		inv.printf("files=%d repaired=%d failed=%d\n", ret.Files, ret.Repaired, ret.Failed)
		fids := make([]proto.FileID, 0, len(ret.Errors))
		for fid := range ret.Errors {
			fids = append(fids, fid)
		}
		sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
		for _, fid := range fids {
			inv.printf("  fid=%d error=%q\n", fid, ret.Errors[fid])
		}
		return nil
	}

	s, _ := inv.flags.GetString("kind")
	kind, err := fsck.ParseKind(s)
	if err != nil {
		return apierrors.Wrapf(apierrors.ErrInvalidArgument, "kind %q", s)
	}
	fsid, _ := inv.flags.GetUint32("fsid")
	if err = c.fsck.Repair(ctx, proto.FileID(fid), proto.FsID(fsid), kind); err != nil {
		return err
	}
	inv.printf("repaired %s of file %d\n", kind, fid)
	return nil
}

func (c *Console) fsckStat(ctx context.Context, inv *invocation) error {
	st := c.fsck.Stat()
	if inv.jsonOutput() {
		return inv.json(st)
	}
	last := "never"
	if !st.LastScan.IsZero() {
		last = strconv.FormatInt(st.LastScan.Unix(), 10)
	}
	inv.printf("scans=%d last_scan=%s\n", st.Scans, last)
	for _, kind := range fsck.Kinds() {
		r, ok := st.Repairs[kind]
		if !ok {
			continue
		}
		inv.printf("kind=%s ok=%d failed=%d noop=%d\n", kind, r.Ok, r.Failed, r.Noop)
	}
	return nil
}
