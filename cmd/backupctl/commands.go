package main

import (
	"backupd/internal/backup"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

type cli struct {
	api *client
	out io.Writer
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "volumes":
		return c.volumes(ctx)
	case "backups":
		return c.backups(ctx)
	case "backup":
		return c.backup(ctx, args)
	case "cleanup":
		return c.cleanup(ctx, args)
	case "delete":
		return c.deleteBackup(ctx, args)
	case "status":
		return c.status(ctx, args)
	case "restore":
		return c.restore(ctx, args)
	case "export":
		return c.export(ctx, args)
	case "import":
		return c.importRecord(ctx, args)
	case "schedules":
		return c.schedules(ctx)
	case "schedule":
		return c.schedule(ctx, args)
	case "history":
		return c.history(ctx, args)
	case "info":
		return c.info(ctx)
	case "health":
		return c.health(ctx)
	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

func (c *cli) table(header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	return tw
}

func gib(n int) string { return humanize.IBytes(uint64(n) << 30) }

func age(raw string) string {
	ts, err := backup.ParseCreatedAt(raw)
	if err != nil {
		return raw
	}
	return humanize.Time(ts)
}

func oneArg(args []string, what string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", usageError(what + " is required")
	}
	return strings.TrimSpace(args[0]), nil
}

func (c *cli) volumes(ctx context.Context) error {
	var vols []struct {
		backup.Volume
		Backupable bool `json:"backupable"`
	}
	if err := c.api.get(ctx, "/volumes", nil, &vols); err != nil {
		return err
	}
	tw := c.table("ID\tNAME\tSIZE\tSTATUS\tBACKUPABLE")
	for _, v := range vols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", v.ID, v.Name, gib(v.Size), v.Status, v.Backupable)
	}
	return tw.Flush()
}

func (c *cli) backups(ctx context.Context) error {
	var resp struct {
		All []backup.Record `json:"all_backups"`
	}
	if err := c.api.get(ctx, "/backups", nil, &resp); err != nil {
		return err
	}
	tw := c.table("ID\tNAME\tVOLUME\tTYPE\tSTATUS\tSIZE\tCREATED")
	for _, b := range resp.All {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Name, b.VolumeID, b.BackupType, b.Status, gib(b.Size), age(b.CreatedAt))
	}
	return tw.Flush()
}

func (c *cli) backup(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("backup needs full or incremental")
	}
	t := backup.BackupType(args[0])
	if !t.Valid() {
		return usageError(fmt.Sprintf("unknown backup type %q", args[0]))
	}
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	name := fs.String("name", "", "backup name; empty lets the provider choose")
	if err := fs.Parse(args[1:]); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() == 0 {
		return usageError("at least one volume is required")
	}

	var resp struct {
		backup.Outcome
		Message string `json:"message"`
	}
	body := map[string]any{"volume_ids": fs.Args(), "name": *name}
	if err := c.api.post(ctx, "/backup/"+string(t), body, &resp); err != nil {
		return err
	}
	tw := c.table("VOLUME\tBACKUP\tID\tRESULT")
	for _, r := range resp.Results {
		res := "ok"
		if !r.Success {
			res = "failed: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.VolumeID, r.BackupName, r.BackupID, res)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, resp.Message)
	if !resp.Success {
		return fmt.Errorf("no backup was created")
	}
	return nil
}

// policyFlag collects repeated -policy vol=days values.
type policyFlag map[string]int

func (p policyFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (p policyFlag) Set(s string) error {
	vol, days, ok := strings.Cut(s, "=")
	vol = strings.TrimSpace(vol)
	if !ok || vol == "" {
		return fmt.Errorf("want VOL=DAYS, got %q", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(days))
	if err != nil {
		return fmt.Errorf("days for %s: %w", vol, err)
	}
	p[vol] = n
	return nil
}

func (c *cli) cleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	days := fs.Int("days", 0, "uniform retention in days (daemon default when 0)")
	policies := policyFlag{}
	fs.Var(policies, "policy", "per-volume retention VOL=DAYS (repeatable)")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	body := map[string]any{}
	if *days != 0 {
		body["retention_days"] = *days
	}
	if len(policies) > 0 {
		body["volume_policies"] = map[string]int(policies)
	}

	var resp struct {
		backup.CleanupReport
		Message string `json:"message"`
	}
	if err := c.api.post(ctx, "/backup/cleanup", body, &resp); err != nil {
		return err
	}
	if len(resp.Deleted) > 0 {
		tw := c.table("VOLUME\tBACKUP\tTYPE\tAGE\tRETENTION")
		for _, d := range resp.Deleted {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%dd\t%dd\n", d.VolumeID, d.BackupID, d.BackupType, d.AgeDays, d.RetentionDays)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, f := range resp.Failed {
		fmt.Fprintf(c.out, "failed to delete %s (%s): %s\n", f.BackupID, f.VolumeID, f.Error)
	}
	for _, s := range resp.Skipped {
		fmt.Fprintf(c.out, "skipped %s: %s\n", s.BackupID, s.Reason)
	}
	fmt.Fprintln(c.out, resp.Message)
	return nil
}

func (c *cli) deleteBackup(ctx context.Context, args []string) error {
	id, err := oneArg(args, "backup id")
	if err != nil {
		return err
	}
	if err := c.api.del(ctx, "/backup/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "deleted", id)
	return nil
}

func (c *cli) status(ctx context.Context, args []string) error {
	id, err := oneArg(args, "backup id")
	if err != nil {
		return err
	}
	var b backup.Record
	if err := c.api.get(ctx, "/backup/"+url.PathEscape(id)+"/status", nil, &b); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", b.ID)
	fmt.Fprintf(tw, "name:\t%s\n", b.Name)
	fmt.Fprintf(tw, "volume:\t%s\n", b.VolumeID)
	fmt.Fprintf(tw, "type:\t%s\n", b.BackupType)
	fmt.Fprintf(tw, "status:\t%s\n", b.Status)
	fmt.Fprintf(tw, "size:\t%s\n", gib(b.Size))
	fmt.Fprintf(tw, "created:\t%s (%s)\n", b.CreatedAt, age(b.CreatedAt))
	if b.FailReason != "" {
		fmt.Fprintf(tw, "fail reason:\t%s\n", b.FailReason)
	}
	return tw.Flush()
}

func (c *cli) restore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	volume := fs.String("volume", "", "restore into this existing volume")
	name := fs.String("name", "", "name of the new volume")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	id, err := oneArg(fs.Args(), "backup id")
	if err != nil {
		return err
	}
	var resp struct {
		VolumeID   string `json:"volume_id"`
		VolumeName string `json:"volume_name"`
	}
	body := map[string]any{"volume_id": *volume, "name": *name}
	if err := c.api.post(ctx, "/backup/"+url.PathEscape(id)+"/restore", body, &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "restoring %s into volume %s %s\n", id, resp.VolumeID, resp.VolumeName)
	return nil
}

func (c *cli) export(ctx context.Context, args []string) error {
	id, err := oneArg(args, "backup id")
	if err != nil {
		return err
	}
	var resp struct {
		BackupService string `json:"backup_service"`
		BackupURL     string `json:"backup_url"`
	}
	if err := c.api.get(ctx, "/backup/"+url.PathEscape(id)+"/export", nil, &resp); err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func (c *cli) importRecord(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageError("import needs SERVICE and URL")
	}
	var resp struct {
		BackupID   string `json:"backup_id"`
		BackupName string `json:"backup_name"`
	}
	body := map[string]any{"backup_service": args[0], "backup_url": args[1]}
	if err := c.api.post(ctx, "/backup/import", body, &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "imported %s %s\n", resp.BackupID, resp.BackupName)
	return nil
}

func (c *cli) schedules(ctx context.Context) error {
	var list []backup.Schedule
	if err := c.api.get(ctx, "/schedules", nil, &list); err != nil {
		return err
	}
	tw := c.table("ID\tNAME\tTYPE\tWHEN\tVOLUMES\tENABLED\tLAST RUN")
	for _, s := range list {
		when := s.ScheduleTime
		if s.ScheduleType == backup.ScheduleWeekly {
			when += " " + joinInts(s.Weekdays)
		}
		last := "never"
		if s.LastRun != nil {
			last = humanize.Time(*s.LastRun)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n", s.ID, s.Name, s.BackupType, when, len(s.VolumeIDs), s.Enabled, last)
	}
	return tw.Flush()
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("weekday %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *cli) schedule(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("schedule needs a subcommand")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return c.createSchedule(ctx, rest)
	case "delete":
		id, err := oneArg(rest, "schedule id")
		if err != nil {
			return err
		}
		if err := c.api.del(ctx, "/schedules/"+url.PathEscape(id), nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "deleted", id)
		return nil
	case "toggle":
		id, err := oneArg(rest, "schedule id")
		if err != nil {
			return err
		}
		var resp struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.api.post(ctx, "/schedules/"+url.PathEscape(id)+"/toggle", nil, &resp); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s enabled=%t\n", id, resp.Enabled)
		return nil
	case "add-volumes", "remove-volumes":
		if len(rest) < 2 {
			return usageError(sub + " needs ID and at least one volume")
		}
		path := "/schedules/" + url.PathEscape(rest[0]) + "/volumes"
		body := map[string]any{"volume_ids": rest[1:]}
		var resp struct {
			Added     int `json:"added_count"`
			Total     int `json:"total_volumes"`
			Removed   int `json:"removed_count"`
			Remaining int `json:"remaining_count"`
		}
		if sub == "add-volumes" {
			if err := c.api.post(ctx, path, body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "added %d, schedule now has %d volumes\n", resp.Added, resp.Total)
			return nil
		}
		if err := c.api.del(ctx, path, body, &resp); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "removed %d, %d volumes remain\n", resp.Removed, resp.Remaining)
		return nil
	default:
		return usageError(fmt.Sprintf("unknown schedule subcommand %q", sub))
	}
}

func (c *cli) createSchedule(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("schedule create", flag.ContinueOnError)
	at := fs.String("time", "", "time of day HH:MM")
	typ := fs.String("type", string(backup.BackupFull), "full or incremental")
	weekly := fs.String("weekly", "", "ISO weekdays (1=Mon..7=Sun), makes the schedule weekly")
	name := fs.String("name", "", "schedule name")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() == 0 {
		return usageError("at least one volume is required")
	}

	req := backup.CreateRequest{
		VolumeIDs:    fs.Args(),
		BackupType:   backup.BackupType(*typ),
		ScheduleType: backup.ScheduleDaily,
		ScheduleTime: *at,
		Name:         *name,
	}
	if strings.TrimSpace(*weekly) != "" {
		days, err := parseInts(*weekly)
		if err != nil {
			return usageError(err.Error())
		}
		req.ScheduleType = backup.ScheduleWeekly
		req.Weekdays = days
	}

	var resp struct {
		Schedule backup.Schedule `json:"schedule"`
	}
	if err := c.api.post(ctx, "/schedules", req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "created schedule %s\n", resp.Schedule.ID)
	return nil
}

func (c *cli) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of runs")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	var runs []backup.Run
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if err := c.api.get(ctx, "/history", q, &runs); err != nil {
		return err
	}
	tw := c.table("WHEN\tKIND\tNAME\tRESULT\tTOOK")
	for _, r := range runs {
		res := fmt.Sprintf("%d/%d", r.Succeeded, r.Total)
		if r.Error != "" {
			res += " " + r.Error
		}
		took := (time.Duration(r.TookMS) * time.Millisecond).String()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", humanize.Time(r.At), r.Kind, r.Name, res, took)
	}
	return tw.Flush()
}

func (c *cli) info(ctx context.Context) error {
	var resp struct {
		Version     string `json:"version"`
		VolumeStats struct {
			Total     int    `json:"total"`
			Available int    `json:"available"`
			InUse     int    `json:"in_use"`
			SizeHuman string `json:"size_human"`
		} `json:"volume_stats"`
		BackupStats struct {
			Total       int    `json:"total"`
			Full        int    `json:"full"`
			Incremental int    `json:"incremental"`
			Error       int    `json:"error"`
			SizeHuman   string `json:"size_human"`
			Oldest      string `json:"oldest"`
		} `json:"backup_stats"`
		RetentionPolicy backup.Policy `json:"retention_policy"`
		Schedules       int           `json:"schedules"`
		Enabled         int           `json:"schedules_enabled"`
	}
	if err := c.api.get(ctx, "/info", nil, &resp); err != nil {
		return err
	}
	vs, bs := resp.VolumeStats, resp.BackupStats
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version:\t%s\n", resp.Version)
	fmt.Fprintf(tw, "volumes:\t%d (%d available, %d in use), %s\n", vs.Total, vs.Available, vs.InUse, vs.SizeHuman)
	fmt.Fprintf(tw, "backups:\t%d (%d full, %d incremental, %d error), %s\n", bs.Total, bs.Full, bs.Incremental, bs.Error, bs.SizeHuman)
	if bs.Oldest != "" {
		fmt.Fprintf(tw, "oldest backup:\t%s\n", bs.Oldest)
	}
	fmt.Fprintf(tw, "retention:\t%d days", resp.RetentionPolicy.RetentionDays)
	if len(resp.RetentionPolicy.VolumeDays) > 0 {
		fmt.Fprintf(tw, ", per volume %s", policyFlag(resp.RetentionPolicy.VolumeDays))
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "schedules:\t%d (%d enabled)\n", resp.Schedules, resp.Enabled)
	return tw.Flush()
}

func (c *cli) health(ctx context.Context) error {
	var resp struct {
		Status      string `json:"status"`
		Endpoint    string `json:"endpoint"`
		VolumeCount int    `json:"volume_count"`
	}
	if err := c.api.get(ctx, "/health", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: endpoint %s, %d volumes\n", resp.Status, resp.Endpoint, resp.VolumeCount)
	return nil
}
