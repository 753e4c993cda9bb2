package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

var ErrNoBackups = errors.New("no backups found")

const (
	namePrefix = "settings-"
	nameSuffix = ".json"
	nameLayout = "20060102-150405.000"
)

// BackupData is a snapshot of the saved settings keys.
type BackupData struct {
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Settings  map[string]string `json:"settings"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService writes and reads settings snapshots.
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// CreateBackup stores a snapshot of settings and returns its name.
func (bs *BackupService) CreateBackup(ctx context.Context, settings map[string]string) (string, error) {
	data := BackupData{
		Version:   bs.version,
		Timestamp: bs.now().UTC(),
		Settings:  settings,
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := namePrefix + strings.Replace(data.Timestamp.Format(nameLayout), ".", "-", 1) + nameSuffix
	if err := bs.storage.Save(ctx, name, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup reads a snapshot. An empty name picks the newest one.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	if name == "" {
		latest, err := bs.Latest(ctx)
		if err != nil {
			return nil, err
		}
		name = latest
	}

	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup data: %w", err)
	}
	var data BackupData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup %s: %w", name, err)
	}
	if data.Settings == nil {
		data.Settings = map[string]string{}
	}
	return &data, nil
}

// ListBackups returns snapshot names, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasSuffix(n, nameSuffix) {
			out = append(out, n)
		}
	}
	// The timestamp layout sorts lexically.
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest snapshot name.
func (bs *BackupService) Latest(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoBackups
	}
	return names[len(names)-1], nil
}

func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Prune deletes all but the newest keep snapshots and reports how many
// were removed.
func (bs *BackupService) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(names)-removed > keep {
		if err := bs.storage.Delete(ctx, names[removed]); err != nil {
			return removed, fmt.Errorf("failed to delete backup %s: %w", names[removed], err)
		}
		removed++
	}
	return removed, nil
}
