// Package lockfile implements the cross-process singleton protocol: a
// small JSON record at a well-known path naming the holder. A lock may be
// stolen when its record is stale or its holder pid is no longer alive.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrBusy is returned when a live holder owns the lock.
var ErrBusy = errors.New("lockfile: held by a live process")

// record is the on-disk lock format.
type record struct {
	PID        int    `json:"pid"`
	AcquiredAt int64  `json:"acquired_at_epoch_ms"`
	Owner      string `json:"owner"`
}

// Lock is a held lock. Release removes it; SetPID hands it to a spawned
// worker.
type Lock struct {
	path string
	rec  record
}

// Acquire takes the lock at path for owner. An existing record is stolen
// when it is older than staleTTL, undecodable, or names a dead pid;
// otherwise Acquire returns ErrBusy wrapped with the holder's identity.
func Acquire(path, owner string, staleTTL time.Duration) (*Lock, error) {
	rec := record{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UnixMilli(),
		Owner:      owner,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		l := &Lock{path: path, rec: rec}
		if err := l.write(true); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}

	var held record
	steal := false
	if err := json.Unmarshal(data, &held); err != nil {
		steal = true // corrupt record, treat as abandoned
	} else if time.Since(time.UnixMilli(held.AcquiredAt)) > staleTTL {
		steal = true
	} else if !pidAlive(held.PID) {
		steal = true
	}
	if !steal {
		return nil, fmt.Errorf("%w: pid %d (%s)", ErrBusy, held.PID, held.Owner)
	}

	l := &Lock{path: path, rec: rec}
	if err := l.write(false); err != nil {
		return nil, err
	}
	return l, nil
}

// SetPID rewrites the record with a different holder pid, used when the
// acquirer hands the lock to a detached worker it spawned.
func (l *Lock) SetPID(pid int) error {
	l.rec.PID = pid
	return l.write(false)
}

// Release removes the lock, but only while the record on disk is still
// ours; a stolen lock is left for its new holder.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	var held record
	if err := json.Unmarshal(data, &held); err == nil && held.PID != l.rec.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// write persists the record. For the absent-file case exclusive create
// closes the acquire race; steals go through a temp file and rename.
func (l *Lock) write(exclusive bool) error {
	data, err := json.Marshal(l.rec)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	if exclusive {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%w: lost the acquire race", ErrBusy)
			}
			return fmt.Errorf("create lock: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write lock: %w", err)
		}
		return nil
	}

	tmp := fmt.Sprintf("%s.%d.tmp", l.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace lock: %w", err)
	}
	return nil
}

// Holder reports the pid currently recorded at path, or 0 when absent.
func Holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var held record
	if err := json.Unmarshal(data, &held); err != nil {
		return 0
	}
	return held.PID
}

// DefaultDir is the process-shared directory for lock files.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "engram-locks")
}

// pidAlive probes a pid with a no-op signal. EPERM still means alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
