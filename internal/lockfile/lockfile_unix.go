//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

// isProcessRunning probes a PID with signal 0.
func isProcessRunning(pid int) (bool, string) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "process not found"
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true, ""
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false, "process has finished"
	}
	// EPERM means the process exists but belongs to someone else.
	if strings.Contains(err.Error(), "operation not permitted") {
		return true, ""
	}
	return false, "cannot signal process"
}
