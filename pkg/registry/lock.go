package registry

import (
	"context"
	"os"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock on the sibling lock file. The state file is
// replaced by rename, so locking it directly would lock a stale inode.
type fileLock struct {
	file *os.File
}

func acquireLock(ctx context.Context, path string, exclusive bool, timeout, poll time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil && !exclusive {
		f, err = os.Open(path)
	}
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.NewPermissionError("cannot open registry lock file", err).WithContext("file", path)
		}
		return nil, errors.NewIOError("cannot open registry lock file", err).WithContext("file", path)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &fileLock{file: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			return nil, errors.NewIOError("cannot lock registry", err).WithContext("file", path)
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, errors.NewBusyError("registry is locked by another rlm invocation", nil).
				WithContext("file", path).WithContext("waited", timeout.String())
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, errors.NewCancelledError("waiting for registry lock cancelled", ctx.Err()).WithContext("file", path)
		case <-time.After(poll):
		}
	}
}

func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
