package cgroup

import (
	"context"
	"os"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// RunHooks observe the lifetime of a run child; both are optional
type RunHooks struct {
	// Started runs right after the child is created inside its cgroup
	Started func(child process.Child, cgroupPath string)
	// Finished runs after the child exited, before the cgroup is torn down
	Finished func(child process.Child, cgroupPath string)
}

// RunResult describes a finished run
type RunResult struct {
	PID        int
	CgroupPath string
	ExitCode   int
}

// Run launches a command directly inside a fresh cgroup carrying spec and
// removes the cgroup once the command exits. The cgroup is torn down on
// every return path, including launch failures.
func (c *Controller) Run(ctx context.Context, spec resourcelimits.LimitSpec, execution process.ExecutionConfig, hooks RunHooks) (result *RunResult, err error) {
	if c.launcher == nil {
		return nil, errors.NewInternalError("no process launcher configured", nil)
	}

	path, _, err := c.Prepare(NameForRun(os.Getpid(), time.Now()), spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tdErr := c.teardown(path); tdErr != nil {
			c.logger.Errorf("Cgroup teardown failed, path: %s, error: %v", path, tdErr)
			if err == nil {
				err = tdErr
			}
		}
	}()

	fd, err := c.fs.OpenDir(path)
	if err != nil {
		return nil, classify(err, "cannot open cgroup directory", "", path)
	}
	defer c.fs.CloseDir(fd)

	child, err := c.launcher.Launch(ctx, execution, fd)
	if err != nil {
		return nil, err
	}
	if hooks.Started != nil {
		hooks.Started(child, path)
	}

	code, waitErr := child.Wait()
	if hooks.Finished != nil {
		hooks.Finished(child, path)
	}

	result = &RunResult{PID: child.PID(), CgroupPath: path, ExitCode: code}
	if waitErr != nil {
		return result, errors.NewInternalError("waiting for child failed", waitErr).WithContext("pid", child.PID())
	}
	c.logger.Infof("Run finished, pid: %d, exit code: %d, path: %s", result.PID, code, path)
	return result, nil
}

// teardown kills whatever the child left behind in its cgroup and removes it
func (c *Controller) teardown(path string) error {
	if !c.fs.PathExists(path) {
		return nil
	}
	pids, err := c.fs.Processes(path)
	if err == nil && len(pids) > 0 {
		c.logger.Infof("Killing leftover processes, path: %s, count: %d", path, len(pids))
		if err := c.fs.WriteFile(path, "cgroup.kill", "1"); err != nil {
			// cgroup.kill needs Linux 5.14; move survivors out instead
			c.logger.Debugf("cgroup.kill unavailable, path: %s, error: %v", path, err)
			return c.Remove(path, "")
		}
	}
	return c.removeWithRetry(path)
}
