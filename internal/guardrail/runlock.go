package guardrail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// RunLock is the process-global exclusive lock preventing two otto-bgp
// instances from operating on the same fleet. The advisory flock releases
// automatically when the holder dies, so a kill -9 leaves nothing to reap;
// the PID recorded in the file is advisory context for operators and for
// the liveness report when acquisition fails.
type RunLock struct {
	path string
	fl   *flock.Flock
}

// NewRunLock prepares a lock at the well-known path.
func NewRunLock(path string) *RunLock {
	return &RunLock{path: path, fl: flock.New(path)}
}

// Acquire attempts to take the exclusive lock without blocking. On success
// the current PID is recorded in the lock file.
func (l *RunLock) Acquire() error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating lock directory: %w", err)
		}
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		holder := l.holderPID()
		if holder > 0 && !processAlive(holder) {
			// The flock itself has been released by the dead holder, so a
			// failed TryLock with a dead PID means another live process
			// holds it under a recycled file.
			return fmt.Errorf("run lock %s held by another process (stale pid %d in file)", l.path, holder)
		}
		if holder > 0 {
			return fmt.Errorf("run lock %s held by pid %d", l.path, holder)
		}
		return fmt.Errorf("run lock %s held by another process", l.path)
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		l.fl.Unlock()
		return fmt.Errorf("recording lock holder: %w", err)
	}
	return nil
}

// Release drops the lock and removes the PID record.
func (l *RunLock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("releasing run lock: %w", err)
	}
	os.Remove(l.path)
	return nil
}

func (l *RunLock) holderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ConcurrentRunGuardrail reports CRITICAL when the run lock is held by
// another live process. Cannot be disabled.
type ConcurrentRunGuardrail struct {
	lock *RunLock
}

func NewConcurrentRunGuardrail(lock *RunLock) *ConcurrentRunGuardrail {
	return &ConcurrentRunGuardrail{lock: lock}
}

func (g *ConcurrentRunGuardrail) Name() string   { return "concurrent_operation" }
func (g *ConcurrentRunGuardrail) Critical() bool { return true }

func (g *ConcurrentRunGuardrail) Check(_ context.Context, _ *CheckContext) Outcome {
	if err := g.lock.Acquire(); err != nil {
		return Outcome{
			Level:  Critical,
			Issues: []string{fmt.Sprintf("CONCURRENT_RUN: %v", err)},
		}
	}
	return Outcome{Level: Low}
}
