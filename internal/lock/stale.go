package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loom/internal/coorderr"
	"loom/internal/fileutil"
	"loom/internal/logging"
)

const (
	reasonUnreadable = "unreadable"
	reasonExpired    = "expired"
	reasonHolderDead = "holder_dead"

	guardSuffix = ".reclaim"

	// A reclaim guard is held for one read and one remove, so anything older
	// than this was left by a crashed process.
	guardStaleAfter = 5 * time.Second
)

// Entry describes a lock file found on disk.
type Entry struct {
	Info
	Stale  bool   `json:"stale"`
	Reason string `json:"reason,omitempty"`
}

func readInfo(path string) (Info, error) {
	var info Info
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("decode lock: %w", err)
	}
	if info.Timestamp.IsZero() {
		return info, errors.New("decode lock: missing timestamp")
	}
	return info, nil
}

func (m *Manager) staleReason(resource string, info Info, readErr error, modTime time.Time) (string, bool) {
	now := m.now()
	if readErr != nil {
		if now.Sub(modTime) > unreadableGrace {
			return reasonUnreadable, true
		}
		return "", false
	}
	if info.Age(now) > m.StaleAfter(resource) {
		return reasonExpired, true
	}
	if !m.alive(info.PID) {
		return reasonHolderDead, true
	}
	return "", false
}

// reclaimIfStale removes resource's lock when it is stale. It reports true when
// the caller should retry creation immediately. Removal happens only under the
// resource's reclaim guard and only when the lock on disk is still the one
// judged stale.
func (m *Manager) reclaimIfStale(resource string) (bool, error) {
	first, err := m.inspect(resource)
	if err != nil {
		return false, err
	}
	if first == nil {
		return true, nil
	}
	if !first.stale {
		return false, nil
	}

	release, ok, err := m.tryGuard(resource)
	if err != nil || !ok {
		return false, err
	}
	defer release()

	current, err := m.inspect(resource)
	if err != nil {
		return false, err
	}
	if current == nil {
		return true, nil
	}
	if !current.stale || !sameLock(first.info, first.readErr, current.info, current.readErr) {
		// Replaced by a live acquisition since the first look.
		return false, nil
	}
	if err := os.Remove(m.path(resource)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("reclaim lock %s: %w", resource, err)
	}

	logging.WarnWithContext(m.logger, "stale lock reclaimed", "stale_lock_reclaimed",
		logging.String(logging.FieldResource, resource),
		logging.String("reason", first.reason),
		logging.String("previous_holder", first.info.Holder),
		logging.Int("previous_pid", first.info.PID),
		logging.String(logging.FieldImpact, "previous holder lost the lock"),
		logging.String(logging.FieldErrorHint, "check whether the previous holder crashed or exceeded the staleness window"),
	)
	return true, nil
}

// observed is one read of a lock file and its staleness verdict.
type observed struct {
	info    Info
	readErr error
	reason  string
	stale   bool
}

// inspect reads and judges resource's lock file. It returns nil when no lock
// file exists.
func (m *Manager) inspect(resource string) (*observed, error) {
	path := m.path(resource)
	stat, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat lock %s: %w", resource, err)
	}
	info, readErr := readInfo(path)
	if errors.Is(readErr, fs.ErrNotExist) {
		return nil, nil
	}
	reason, stale := m.staleReason(resource, info, readErr, stat.ModTime())
	return &observed{info: info, readErr: readErr, reason: reason, stale: stale}, nil
}

// tryGuard takes resource's reclaim guard without waiting. A guard older than
// guardStaleAfter belongs to a crashed process and is removed so the next
// attempt can take it.
func (m *Manager) tryGuard(resource string) (func(), bool, error) {
	guard := m.path(resource) + guardSuffix
	file, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, fmt.Errorf("create reclaim guard %s: %w", resource, err)
		}
		if stat, statErr := os.Stat(guard); statErr == nil && time.Since(stat.ModTime()) > guardStaleAfter {
			m.logger.Warn("removing abandoned reclaim guard", logging.String(logging.FieldResource, resource))
			_ = os.Remove(guard)
		}
		return nil, false, nil
	}
	_ = file.Close()
	return func() { _ = os.Remove(guard) }, true, nil
}

// withGuard runs fn while holding resource's reclaim guard, polling until it
// is free.
func (m *Manager) withGuard(resource string, fn func() error) error {
	deadline := time.Now().Add(2 * guardStaleAfter)
	for {
		release, ok, err := m.tryGuard(resource)
		if err != nil {
			return err
		}
		if ok {
			defer release()
			return fn()
		}
		if time.Now().After(deadline) {
			return coorderr.Wrap(ErrLockTimeout, "lock", "guard", "reclaim guard for "+resource+" stayed busy", nil)
		}
		time.Sleep(m.poll)
	}
}

func sameLock(a Info, aErr error, b Info, bErr error) bool {
	if aErr != nil || bErr != nil {
		return aErr != nil && bErr != nil
	}
	return a.Token == b.Token && a.Timestamp.Equal(b.Timestamp)
}

// List returns every lock file on disk with its staleness, sorted by resource.
// Unreadable files are reported with reason "unreadable" and only the resource set.
func (m *Manager) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list locks: %w", err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		resource, ok := strings.CutSuffix(name, fileSuffix)
		if !ok || de.IsDir() {
			continue
		}
		path := filepath.Join(m.dir, name)
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		info, readErr := readInfo(path)
		if errors.Is(readErr, fs.ErrNotExist) {
			continue
		}
		if readErr != nil {
			info = Info{Resource: resource}
		}
		reason, stale := m.staleReason(resource, info, readErr, stat.ModTime())
		if readErr != nil {
			reason, stale = reasonUnreadable, true
		}
		entries = append(entries, Entry{Info: info, Stale: stale, Reason: reason})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Resource < entries[j].Resource })
	return entries, nil
}

// CleanupStale reclaims every stale lock and returns the reclaimed resource names.
func (m *Manager) CleanupStale() ([]string, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	var errs []error
	for _, entry := range entries {
		if !entry.Stale {
			continue
		}
		ok, err := m.reclaimIfStale(entry.Resource)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			reclaimed = append(reclaimed, entry.Resource)
		}
	}
	return reclaimed, errors.Join(errs...)
}

// ReleaseAll releases every lock this manager holds.
func (m *Manager) ReleaseAll() error {
	var errs []error
	for _, resource := range m.Held() {
		if err := m.Release(resource); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshAll re-stamps every lock this manager still owns so long holds do not
// age past their staleness window.
func (m *Manager) RefreshAll() error {
	m.mu.Lock()
	held := make(map[string]string, len(m.held))
	for resource, token := range m.held {
		held[resource] = token
	}
	m.mu.Unlock()

	var errs []error
	for resource, token := range held {
		path := m.path(resource)
		err := m.withGuard(resource, func() error {
			info, err := readInfo(path)
			if err != nil || info.Token != token {
				return nil
			}
			info.Timestamp = m.now().UTC()
			return fileutil.WriteJSON(path, info)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceRelease removes resource's lock regardless of holder. It is an operator
// escape hatch; coordinated code uses Release.
func (m *Manager) ForceRelease(resource string) error {
	if err := validateResource(resource); err != nil {
		return err
	}
	if err := os.Remove(m.path(resource)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", resource, err)
	}
	m.mu.Lock()
	delete(m.held, resource)
	m.mu.Unlock()
	return nil
}
