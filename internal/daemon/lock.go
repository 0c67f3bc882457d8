package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked is returned when another process holds the sync lock.
var ErrLocked = errors.New("sync lock held by another process")

// Lock is an exclusive, advisory, cross-process lock on a file. Only one
// process syncs a given database at a time.
type Lock struct {
	path string
	file *os.File
}

// LockPath returns the lock file used for the database at dbPath.
func LockPath(dbPath string) string {
	return dbPath + ".sync.lock"
}

// AcquireLock takes the lock at path without waiting. The lock file records
// the holder's pid.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if pid, ok := ReadLockHolder(path); ok {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. The file is left in place so that a waiting
// process never locks an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ReadLockHolder returns the pid written by the current holder, if any.
func ReadLockHolder(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Holder returns the pid of the process currently holding the lock at path.
// A pid left behind by a crashed holder is not reported.
func Holder(path string) (int, bool) {
	l, err := AcquireLock(path)
	if err == nil {
		_ = l.Release()
		return 0, false
	}
	if !errors.Is(err, ErrLocked) {
		return 0, false
	}
	return ReadLockHolder(path)
}
