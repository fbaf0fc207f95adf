package process

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string        `yaml:"executable_path"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// Child is a started process
type Child interface {
	PID() int
	Signal(sig os.Signal) error
	// Wait blocks until exit and returns the shell-style exit code
	Wait() (int, error)
}

// Launcher starts a process directly inside the cgroup referred to by cgroupFD
type Launcher interface {
	Launch(ctx context.Context, execution ExecutionConfig, cgroupFD int) (Child, error)
}

type stdLauncher struct {
	logger logging.Logger
}

func NewStdLauncher(logger logging.Logger) Launcher {
	return &stdLauncher{logger: logger}
}

func (l *stdLauncher) Launch(ctx context.Context, execution ExecutionConfig, cgroupFD int) (Child, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil)
	}

	path, err := exec.LookPath(execution.ExecutablePath)
	if err != nil {
		return nil, errors.NewNotFoundError("executable not found: "+execution.ExecutablePath, err).
			WithContext("executable_path", execution.ExecutablePath)
	}
	execution.ExecutablePath = path

	if err := ValidateExecutionConfig(execution); err != nil {
		l.logger.Errorf("Execution configuration validation failed, error: %v", err)
		return nil, err
	}

	cmd := exec.CommandContext(ctx, execution.ExecutablePath, execution.Args...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = append(os.Environ(), execution.Environment...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	setupProcessAttributes(cmd, cgroupFD)

	// context cancellation asks politely; WaitDelay later escalates to SIGKILL
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = execution.WaitDelay

	l.logger.Debugf("Executing process, path: '%s', args: %v, cgroup fd: %d", execution.ExecutablePath, execution.Args, cgroupFD)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewCgroupWriteError("failed to start the process inside its cgroup", err).
			WithContext("executable_path", execution.ExecutablePath).
			WithContext("controller", "cgroup.procs")
	}

	l.logger.Infof("Process started, PID: %d, path: %s", cmd.Process.Pid, execution.ExecutablePath)
	return &stdChild{cmd: cmd}, nil
}

type stdChild struct {
	cmd *exec.Cmd
}

func (c *stdChild) PID() int {
	return c.cmd.Process.Pid
}

func (c *stdChild) Signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}

func (c *stdChild) Wait() (int, error) {
	err := c.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitCode(exitErr.ProcessState), nil
	}
	return -1, err
}

// ExitCode maps a process state to a shell exit code; death by signal N is 128+N
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
