package conflict

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"loom/internal/fileutil"
	"loom/internal/lock"
)

// VersionsDirName holds one version record per tracked file.
const VersionsDirName = "file-versions"

// FileVersion is the persisted version record of a tracked file.
type FileVersion struct {
	File      string    `json:"file"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Versions implements optimistic versioning: a writer reads a file's version,
// prepares its edit, and commits only if the version is unchanged.
type Versions struct {
	dir         string
	locks       *lock.Manager
	lockTimeout time.Duration
	now         func() time.Time
}

// NewVersions constructs a version store under root.
func NewVersions(root string, locks *lock.Manager) (*Versions, error) {
	dir := filepath.Join(root, VersionsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create versions dir: %w", err)
	}
	return &Versions{dir: dir, locks: locks, lockTimeout: defaultLockTimeout, now: time.Now}, nil
}

func (v *Versions) path(file string) string {
	sum := md5.Sum([]byte(file))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:])+".json")
}

// Get returns the current version of file. Untracked files are at version 0.
func (v *Versions) Get(file string) (int, error) {
	var rec FileVersion
	if _, err := fileutil.ReadJSON(v.path(file), &rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// CompareAndBump increments file's version when it still equals expected. It
// reports false without error when another writer got there first.
func (v *Versions) CompareAndBump(ctx context.Context, file string, expected int) (bool, error) {
	path := v.path(file)
	bumped := false
	err := v.locks.WithFileLock(ctx, path, v.lockTimeout, func() error {
		current, err := v.Get(file)
		if err != nil {
			return err
		}
		if current != expected {
			return nil
		}
		bumped = true
		return fileutil.WriteJSON(path, FileVersion{File: file, Version: current + 1, UpdatedAt: v.now().UTC()})
	})
	if err != nil {
		return false, err
	}
	return bumped, nil
}
