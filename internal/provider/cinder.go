package provider

import (
	"backupd/internal/backup"
	logx "backupd/pkg/logx"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-goose/goose/v5/cinder"
	"github.com/go-goose/goose/v5/client"
	goosehttp "github.com/go-goose/goose/v5/http"
)

var _ backup.Provider = (*Client)(nil)

// Restore is the answer to a restore request.
type Restore struct {
	BackupID   string `json:"backup_id"`
	VolumeID   string `json:"volume_id"`
	VolumeName string `json:"volume_name"`
}

// ExportRecord is the opaque record Cinder needs to re-import a backup.
type ExportRecord struct {
	BackupService string `json:"backup_service"`
	BackupURL     string `json:"backup_url"`
}

// flexBool decodes both JSON booleans and Cinder's "true"/"false" strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid boolean %s", string(data))
	}
	*b = flexBool(v)
	return nil
}

type volumeDTO struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Size             int      `json:"size"`
	Status           string   `json:"status"`
	CreatedAt        string   `json:"created_at"`
	Description      string   `json:"description"`
	VolumeType       string   `json:"volume_type"`
	AvailabilityZone string   `json:"availability_zone"`
	Bootable         flexBool `json:"bootable"`
	Encrypted        flexBool `json:"encrypted"`
}

func (v volumeDTO) toVolume() backup.Volume {
	return backup.Volume{
		ID:               v.ID,
		Name:             v.Name,
		Size:             v.Size,
		Status:           v.Status,
		CreatedAt:        v.CreatedAt,
		Description:      v.Description,
		VolumeType:       v.VolumeType,
		AvailabilityZone: v.AvailabilityZone,
		Bootable:         bool(v.Bootable),
		Encrypted:        bool(v.Encrypted),
	}
}

type backupDTO struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	VolumeID         string  `json:"volume_id"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	IsIncremental    bool    `json:"is_incremental"`
	Size             int     `json:"size"`
	Description      *string `json:"description"`
	AvailabilityZone *string `json:"availability_zone"`
	Container        *string `json:"container"`
	FailReason       *string `json:"fail_reason"`
	HasDependents    bool    `json:"has_dependent_backups"`
	SnapshotID       *string `json:"snapshot_id"`
	DataTimestamp    *string `json:"data_timestamp"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (b backupDTO) toRecord() backup.Record {
	desc := deref(b.Description)
	return backup.Record{
		ID:               b.ID,
		Name:             b.Name,
		VolumeID:         b.VolumeID,
		Status:           b.Status,
		CreatedAt:        b.CreatedAt,
		IsIncremental:    b.IsIncremental,
		BackupType:       backup.ClassifyBackup(desc, b.IsIncremental),
		Size:             b.Size,
		Description:      desc,
		AvailabilityZone: deref(b.AvailabilityZone),
		Container:        deref(b.Container),
		FailReason:       deref(b.FailReason),
		HasDependents:    b.HasDependents,
		SnapshotID:       deref(b.SnapshotID),
		DataTimestamp:    deref(b.DataTimestamp),
	}
}

// link is an entry of a listing's "*_links" array.
type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// nextPage returns the query of the "next" link. Cinder caps page size with
// osapi_max_limit, so a short page does not mean the listing is done.
func nextPage(links []link) (url.Values, bool) {
	for _, l := range links {
		if l.Rel != "next" {
			continue
		}
		u, err := url.Parse(l.Href)
		if err != nil {
			return nil, false
		}
		return u.Query(), true
	}
	return nil, false
}

type createBackupBody struct {
	Backup struct {
		VolumeID    string `json:"volume_id"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description"`
		Incremental bool   `json:"incremental"`
		Force       bool   `json:"force"`
	} `json:"backup"`
}

type restoreBody struct {
	Restore struct {
		VolumeID string `json:"volume_id,omitempty"`
		Name     string `json:"name,omitempty"`
	} `json:"restore"`
}

type importBody struct {
	Record ExportRecord `json:"backup-record"`
}

var okStatus = []int{http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent}

// request sends one call to the volume API through the authenticated goose
// client. GET and DELETE are retried.
func (c *Client) request(ctx context.Context, method, apiCall string, query url.Values, body, out any) error {
	idempotent := method == client.GET || method == client.DELETE
	return c.call(ctx, method, apiCall, idempotent, func(s *session) error {
		req := &goosehttp.RequestData{ReqValue: body, RespValue: out, ExpectedStatus: okStatus}
		if len(query) > 0 {
			req.Params = &query
		}
		return s.auth.SendRequest(method, c.cfg.ServiceType, "", apiCall, req)
	})
}

func (c *Client) ListVolumes(ctx context.Context) ([]backup.Volume, error) {
	var out []backup.Volume
	var query url.Values
	seen := map[string]bool{}
	for {
		var page struct {
			Volumes []volumeDTO `json:"volumes"`
			Links   []link      `json:"volumes_links"`
		}
		if err := c.request(ctx, client.GET, "volumes/detail", query, nil, &page); err != nil {
			return nil, err
		}
		for _, v := range page.Volumes {
			out = append(out, v.toVolume())
		}
		next, ok := nextPage(page.Links)
		if !ok || len(page.Volumes) == 0 || seen[next.Encode()] {
			return out, nil
		}
		seen[next.Encode()] = true
		query = next
	}
}

// GetVolume goes through goose's cinder client, which models fewer fields
// than volumes/detail; Encrypted is always false here.
func (c *Client) GetVolume(ctx context.Context, id string) (backup.Volume, error) {
	var res *cinder.GetVolumeResults
	err := c.call(ctx, client.GET, "volumes/"+id, true, func(s *session) error {
		var err error
		res, err = s.volumes.GetVolume(id)
		return err
	})
	if err != nil {
		return backup.Volume{}, err
	}
	v := res.Volume
	bootable, _ := strconv.ParseBool(v.Bootable)
	return backup.Volume{
		ID:               v.ID,
		Name:             v.Name,
		Size:             v.Size,
		Status:           v.Status,
		CreatedAt:        v.CreatedAt,
		Description:      v.Description,
		VolumeType:       v.VolumeType,
		AvailabilityZone: v.AvailabilityZone,
		Bootable:         bootable,
	}, nil
}

func (c *Client) ListBackups(ctx context.Context) ([]backup.Record, error) {
	var out []backup.Record
	var query url.Values
	seen := map[string]bool{}
	for {
		var page struct {
			Backups []backupDTO `json:"backups"`
			Links   []link      `json:"backups_links"`
		}
		if err := c.request(ctx, client.GET, "backups/detail", query, nil, &page); err != nil {
			return nil, err
		}
		for _, b := range page.Backups {
			out = append(out, b.toRecord())
		}
		next, ok := nextPage(page.Links)
		if !ok || len(page.Backups) == 0 || seen[next.Encode()] {
			return out, nil
		}
		seen[next.Encode()] = true
		query = next
	}
}

func (c *Client) GetBackup(ctx context.Context, id string) (backup.Record, error) {
	var res struct {
		Backup backupDTO `json:"backup"`
	}
	if err := c.request(ctx, client.GET, "backups/"+url.PathEscape(id), nil, nil, &res); err != nil {
		return backup.Record{}, err
	}
	return res.Backup.toRecord(), nil
}

func (c *Client) CreateFullBackup(ctx context.Context, volumeID, name string) (backup.Created, error) {
	return c.createBackup(ctx, volumeID, name, false)
}

func (c *Client) CreateIncrementalBackup(ctx context.Context, volumeID, name string) (backup.Created, error) {
	return c.createBackup(ctx, volumeID, name, true)
}

func (c *Client) createBackup(ctx context.Context, volumeID, name string, incremental bool) (backup.Created, error) {
	now := time.Now()
	kind, prefix := "Full", "full"
	if incremental {
		kind, prefix = "Incremental", "incr"
	}
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s-backup-%s-%s", prefix, volumeID, now.Format("20060102-150405"))
	}

	var body createBackupBody
	body.Backup.VolumeID = volumeID
	body.Backup.Name = name
	body.Backup.Description = fmt.Sprintf("%s backup created at %s", kind, now.Format("2006-01-02T15:04:05"))
	body.Backup.Incremental = incremental
	body.Backup.Force = true

	var res struct {
		Backup struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"backup"`
	}
	if err := c.request(ctx, client.POST, "backups", nil, body, &res); err != nil {
		return backup.Created{}, err
	}
	status := res.Backup.Status
	if status == "" {
		status = "creating"
	}
	nm := res.Backup.Name
	if nm == "" {
		nm = name
	}
	c.log.Info("backup requested",
		logx.String("volume", volumeID), logx.String("backup", res.Backup.ID), logx.Bool("incremental", incremental))
	return backup.Created{ID: res.Backup.ID, Name: nm, Status: status}, nil
}

// DeleteBackup treats an already missing backup as deleted.
func (c *Client) DeleteBackup(ctx context.Context, id string) error {
	err := c.request(ctx, client.DELETE, "backups/"+url.PathEscape(id), nil, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) RestoreBackup(ctx context.Context, backupID, volumeID, name string) (Restore, error) {
	if strings.TrimSpace(name) == "" && volumeID == "" {
		name = "restored-volume-" + time.Now().Format("20060102-150405")
	}
	var body restoreBody
	body.Restore.VolumeID = volumeID
	body.Restore.Name = name

	var res struct {
		Restore Restore `json:"restore"`
	}
	if err := c.request(ctx, client.POST, "backups/"+url.PathEscape(backupID)+"/restore", nil, body, &res); err != nil {
		return Restore{}, err
	}
	return res.Restore, nil
}

func (c *Client) ExportBackup(ctx context.Context, backupID string) (ExportRecord, error) {
	var res struct {
		Record ExportRecord `json:"backup-record"`
	}
	if err := c.request(ctx, client.GET, "backups/"+url.PathEscape(backupID)+"/export_record", nil, nil, &res); err != nil {
		return ExportRecord{}, err
	}
	return res.Record, nil
}

func (c *Client) ImportBackup(ctx context.Context, rec ExportRecord) (backup.Created, error) {
	if rec.BackupService == "" || rec.BackupURL == "" {
		return backup.Created{}, fmt.Errorf("backup_service and backup_url are required")
	}
	var res struct {
		Backup struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"backup"`
	}
	if err := c.request(ctx, client.POST, "backups/import_record", nil, importBody{Record: rec}, &res); err != nil {
		return backup.Created{}, err
	}
	return backup.Created{ID: res.Backup.ID, Name: res.Backup.Name, Status: "creating"}, nil
}
