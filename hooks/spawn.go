package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/engram-sh/engram/internal/lockfile"
)

// SpawnRequest describes a detached worker to start.
type SpawnRequest struct {
	LockPath string
	Owner    string
	Args     []string // arguments to the engram binary itself
}

// Spawner starts detached background workers. The process implementation
// is replaced in tests.
type Spawner interface {
	Spawn(req SpawnRequest) error
}

// workerStaleTTL is how long a worker lock may sit before a hook steals
// it; workers are expected to finish well inside this.
const workerStaleTTL = 10 * time.Minute

// processSpawner forks a detached copy of the running binary. The lock
// is written before the fork and handed to the child pid; the worker
// removes it on every exit path.
type processSpawner struct {
	logDir string
}

func (s *processSpawner) Spawn(req SpawnRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.LockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock, err := lockfile.Acquire(req.LockPath, req.Owner, workerStaleTTL)
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		lock.Release()
		return fmt.Errorf("resolve binary: %w", err)
	}

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		lock.Release()
		return fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(s.logDir, "worker.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Release()
		return fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()

	args := append([]string{}, req.Args...)
	args = append(args, "--lock", req.LockPath)
	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		lock.Release()
		return fmt.Errorf("start worker: %w", err)
	}
	if err := lock.SetPID(cmd.Process.Pid); err != nil {
		return fmt.Errorf("record worker pid: %w", err)
	}
	// The child is detached; Release from this process would strip the
	// worker's lock, so the parent simply returns.
	return cmd.Process.Release()
}
