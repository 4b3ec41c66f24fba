package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tidewater-io/helmsman/internal/procutil"
)

// lockRecord is the JSON persisted in the lock file. ToolPID, when set,
// names the external process the holder launched; a reclaimer kills it so
// two instances of the wrapped tool never run at once.
type lockRecord struct {
	HolderPID  int       `json:"holder_pid"`
	ToolPID    int       `json:"tool_pid,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockHandle is one held cross-session advisory lock, keyed by worker
// class and persisted as a file.
type LockHandle struct {
	Resource   string
	AcquiredAt time.Time

	path     string
	released atomic.Bool
	logger   *zap.Logger
}

// Locker hands out per-resource advisory locks under one directory.
type Locker struct {
	dir    string
	poll   time.Duration
	logger *zap.Logger
}

// NewLocker creates the lock directory if needed.
func NewLocker(dir string, logger *zap.Logger) (*Locker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ipc: create lock directory: %w", err)
	}
	return &Locker{
		dir:    dir,
		poll:   50 * time.Millisecond,
		logger: logger.With(zap.String("component", "ipc_lock")),
	}, nil
}

func (l *Locker) path(resource string) string {
	return filepath.Join(l.dir, resource+".lock")
}

// Acquire obtains the lock within timeout or fails with *LockTimeoutError.
// Before waiting, it checks whether the current holder is still alive; a
// dead holder is reclaimed immediately rather than waited out, and any
// tool process it left behind is killed first.
func (l *Locker) Acquire(resource string, timeout time.Duration) (*LockHandle, error) {
	deadline := time.Now().Add(timeout)
	path := l.path(resource)

	for {
		if handle, ok := l.tryAcquire(resource, path); ok {
			return handle, nil
		}

		if rec, err := l.readRecord(path); err == nil {
			if !procutil.Alive(rec.HolderPID) && l.reclaim(resource, path, rec) {
				continue // retry immediately, the slot just opened
			}
		}

		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Resource: resource, Timeout: timeout}
		}
		time.Sleep(l.poll)
	}
}

func (l *Locker) tryAcquire(resource, path string) (*LockHandle, bool) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false
	}
	now := time.Now()
	rec := lockRecord{HolderPID: os.Getpid(), AcquiredAt: now}
	data, _ := json.Marshal(rec)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, false
	}
	f.Close()
	return &LockHandle{
		Resource:   resource,
		AcquiredAt: now,
		path:       path,
		logger:     l.logger,
	}, true
}

func (l *Locker) readRecord(path string) (lockRecord, error) {
	var rec lockRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// reclaim frees a stale holder's lock file and reports whether the slot
// opened. Claiming is atomic: the file is renamed to a private name first,
// so when several waiters read the same stale record only one rename
// succeeds. The claimed record is then re-verified against what the caller
// read; a record that changed hands in between belongs to a live holder
// and is renamed back untouched.
func (l *Locker) reclaim(resource, path string, rec lockRecord) bool {
	claim := fmt.Sprintf("%s.reclaim.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(path, claim); err != nil {
		return false
	}
	got, err := l.readRecord(claim)
	if err != nil || got.HolderPID != rec.HolderPID || !got.AcquiredAt.Equal(rec.AcquiredAt) {
		_ = os.Rename(claim, path)
		return false
	}
	if got.ToolPID > 0 && procutil.Alive(got.ToolPID) {
		l.logger.Warn("killing orphaned tool process from stale lock",
			zap.String("resource", resource),
			zap.Int("tool_pid", got.ToolPID),
			zap.Int("dead_holder_pid", got.HolderPID),
		)
		_ = procutil.KillGroup(got.ToolPID)
		_ = procutil.Kill(got.ToolPID)
	}
	l.logger.Info("reclaimed stale lock",
		zap.String("resource", resource),
		zap.Int("dead_holder_pid", got.HolderPID),
	)
	_ = os.Remove(claim)
	return true
}

// SetToolPID records the external process the holder launched, so a future
// reclaimer can kill it if this process dies holding the lock.
func (h *LockHandle) SetToolPID(pid int) error {
	if h.released.Load() {
		return errors.New("ipc: lock already released")
	}
	rec := lockRecord{HolderPID: os.Getpid(), ToolPID: pid, AcquiredAt: h.AcquiredAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(h.path, data, 0o644); err != nil {
		return fmt.Errorf("ipc: update lock record: %w", err)
	}
	return nil
}

// Release frees the lock. Idempotent: releasing twice is a no-op.
func (h *LockHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: release lock %s: %w", h.Resource, err)
	}
	return nil
}
