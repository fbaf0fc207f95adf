package processstate

import (
	stderrors "errors"
	"os"
	"strconv"
	"syscall"

	"github.com/core-tools/hsu-rlm/pkg/errors"
)

// IsProcessRunning probes pid with signal 0. A process owned by another user
// (EPERM) is running; so is a zombie that has not been reaped yet.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID "+strconv.Itoa(pid), nil).WithContext("pid", pid)
	}

	// FindProcess always succeeds on Linux; only the signal tells whether the process exists
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, os.ErrProcessDone), stderrors.Is(err, syscall.ESRCH):
		return false, nil
	case stderrors.Is(err, syscall.EPERM):
		return true, nil
	}
	return false, errors.NewIOError("cannot probe process", err).WithContext("pid", pid)
}
