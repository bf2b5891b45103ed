// Package lockfile guards a CoursePipe state directory against a second process.
//
// SQLite positions rely on a single writer, so the binary takes an flock on the state
// directory before opening the database. The kernel drops the lock when the process exits,
// however it exits.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "coursepipe.lock"

// ErrLocked is returned, wrapped in a *LockError, when another process holds the lock.
var ErrLocked = errors.New("state directory is locked")

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID       int
	StartedAt time.Time
	Database  string
}

func (o Owner) encode() string {
	return fmt.Sprintf("pid=%d\nstarted=%s\ndatabase=%s\n", o.PID, o.StartedAt.UTC().Format(time.RFC3339), o.Database)
}

// parseOwner reads the key=value lines of a lock file. Unknown keys are ignored.
func parseOwner(content string) Owner {
	var o Owner
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.PID, _ = strconv.Atoi(value)
		case "started":
			o.StartedAt, _ = time.Parse(time.RFC3339, value)
		case "database":
			o.Database = value
		}
	}
	return o
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir, recording database as the resource it protects.
func Acquire(stateDir, database string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("lockfile.Acquire: acquiring state directory lock", "lock_path", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Owner: readOwner(lockPath), Cause: err}
		slog.Error("lockfile.Acquire: state directory is held by another process", "lock_path", lockPath, "owner_pid", lockErr.Owner.PID)
		return nil, lockErr
	}

	// Truncate only once the lock is ours so a losing process never wipes the owner record.
	owner := Owner{PID: os.Getpid(), StartedAt: time.Now(), Database: database}
	if err := writeOwner(file, owner); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", owner.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeOwner(file *os.File, owner Owner) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(owner.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeOwner: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a new owner never has its file deleted.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	slog.Info("lockfile.Release: state directory unlocked", "lock_path", l.path)
	return errors.Join(unlockErr, closeErr)
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CoursePipe instance is using this state directory (lock file %s)", e.LockPath)
	if e.Owner.PID > 0 {
		state := "running"
		if !isProcessRunning(e.Owner.PID) {
			state = "not running, lock may be stale"
		}
		msg += fmt.Sprintf("; owner pid %d (%s)", e.Owner.PID, state)
		if !e.Owner.StartedAt.IsZero() {
			msg += ", started " + e.Owner.StartedAt.Format(time.RFC3339)
		}
	}
	return msg
}

// Is lets errors.Is match ErrLocked.
func (e *LockError) Is(target error) bool {
	return target == ErrLocked
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readOwner(lockPath string) Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

// isProcessRunning sends signal 0 to pid.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
