package lock

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/coorderr"
	"loom/internal/logging"
)

// AcquireOptions tunes a single acquisition. The zero value blocks for the
// manager's default timeout.
type AcquireOptions struct {
	Timeout     time.Duration
	NonBlocking bool
}

// Acquire tries to take resource. It returns false with a nil error when the
// lock stays held by someone else until the timeout (or immediately when
// NonBlocking is set). Filesystem failures and context cancellation are
// returned as errors.
func (m *Manager) Acquire(ctx context.Context, resource string, opts AcquireOptions) (bool, error) {
	if err := validateResource(resource); err != nil {
		return false, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := m.tryCreate(resource)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		reclaimed, err := m.reclaimIfStale(resource)
		if err != nil {
			return false, err
		}
		if reclaimed {
			continue
		}
		if opts.NonBlocking {
			return false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := m.poll
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Manager) tryCreate(resource string) (bool, error) {
	path := m.path(resource)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", resource, err)
	}

	info := Info{
		Holder:    m.holder,
		PID:       m.pid,
		Timestamp: m.now().UTC(),
		Resource:  resource,
		Token:     uuid.NewString(),
	}
	data, err := json.Marshal(info)
	if err == nil {
		_, err = file.Write(data)
	}
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write lock %s: %w", resource, err)
	}

	m.mu.Lock()
	m.held[resource] = info.Token
	m.mu.Unlock()
	return true, nil
}

// Release drops resource if this manager holds it. Releasing a lock that is
// not held, or whose file has already gone, is a no-op.
func (m *Manager) Release(resource string) error {
	m.mu.Lock()
	token, ok := m.held[resource]
	delete(m.held, resource)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	path := m.path(resource)
	return m.withGuard(resource, func() error {
		current, err := readInfo(path)
		if err != nil {
			// Gone, or unreadable content that cannot be an acquisition of ours.
			return nil
		}
		if current.Token != token {
			// Reclaimed as stale and re-acquired by someone else.
			m.logger.Debug("lock already taken over", logging.String(logging.FieldResource, resource), logging.String("new_holder", current.Holder))
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove lock %s: %w", resource, err)
		}
		return nil
	})
}

// Handle is a scoped acquisition. Release is idempotent.
type Handle struct {
	m        *Manager
	resource string
	once     sync.Once
	err      error
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.resource }

// Release drops the lock once; later calls return the first result.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.err = h.m.Release(h.resource)
	})
	return h.err
}

// Atomic acquires resource or fails with ErrLockTimeout.
func (m *Manager) Atomic(ctx context.Context, resource string, timeout time.Duration) (*Handle, error) {
	ok, err := m.Acquire(ctx, resource, AcquireOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, coorderr.Wrap(ErrLockTimeout, "lock", "acquire", resource, nil)
	}
	return &Handle{m: m, resource: resource}, nil
}

// WithLock runs fn while holding resource. The lock is released on every exit
// path, including a panic in fn, which continues to propagate.
func (m *Manager) WithLock(ctx context.Context, resource string, timeout time.Duration, fn func() error) error {
	h, err := m.Atomic(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := h.Release(); releaseErr != nil {
			m.logger.Warn("lock release failed", logging.String(logging.FieldResource, resource), logging.Error(releaseErr))
		}
	}()
	return fn()
}

// FileResource derives the lock name guarding an arbitrary file path.
func FileResource(path string) string {
	sum := md5.Sum([]byte(path))
	return "file_" + hex.EncodeToString(sum[:])[:16]
}

// AtomicFile acquires the lock guarding path.
func (m *Manager) AtomicFile(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	return m.Atomic(ctx, FileResource(path), timeout)
}

// WithFileLock runs fn while holding the lock guarding path.
func (m *Manager) WithFileLock(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	return m.WithLock(ctx, FileResource(path), timeout, fn)
}
