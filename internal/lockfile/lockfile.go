// Package lockfile guards the message database against a second client
// instance. Two processes advancing last-seen markers over the same
// database silently fight each other, so the first one wins the lock.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked means another running process holds the lock.
var ErrLocked = errors.New("database is in use by another process")

// staleAfter bounds how long a lockfile from a live-looking PID is
// still trusted; a recycled PID otherwise pins the lock forever.
const staleAfter = time.Hour

// Lockfile is a pidfile-style exclusive lock.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire takes the lock or fails fast. A lockfile left behind by a
// dead or ancient process is removed and the acquisition retried once.
func (l *Lockfile) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := l.create()
	if os.IsExist(err) {
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if rmErr := os.Remove(l.path); rmErr != nil {
			return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, rmErr)
		}
		file, err = l.create()
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

// checkStale decides whether an existing lockfile can be ignored.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid PID in lockfile"
	}

	running, reason := isProcessRunning(pid)
	if !running {
		return true, reason
	}

	if len(lines) >= 2 {
		if at, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			if time.Since(at) > staleAfter {
				return true, "lockfile is older than an hour"
			}
		}
	}
	return false, fmt.Sprintf("process %d is running", pid)
}

// Release closes and removes the lockfile. Safe to call when the lock
// was never acquired.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		if err != nil {
			return fmt.Errorf("%v; failed to remove lockfile: %w", err, rmErr)
		}
		return fmt.Errorf("failed to remove lockfile: %w", rmErr)
	}
	return err
}

// Locked reports whether this instance holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile location.
func (l *Lockfile) Path() string {
	return l.path
}
