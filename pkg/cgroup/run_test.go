package cgroup

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/core-tools/hsu-rlm/pkg/cgroup/cgrouptest"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLauncher places its child into the cgroup fd the way clone3 would
type fakeLauncher struct {
	kernel    *cgrouptest.Kernel
	pid       int
	exitCode  int
	linger    bool // the child leaves a process behind in its cgroup
	launchErr error
	gotFD     int
}

type fakeChild struct {
	l *fakeLauncher
}

func (l *fakeLauncher) Launch(ctx context.Context, execution process.ExecutionConfig, cgroupFD int) (process.Child, error) {
	l.gotFD = cgroupFD
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	if err := l.kernel.SpawnInFD(l.pid, cgroupFD); err != nil {
		return nil, err
	}
	return &fakeChild{l: l}, nil
}

func (c *fakeChild) PID() int                   { return c.l.pid }
func (c *fakeChild) Signal(sig os.Signal) error { return nil }

func (c *fakeChild) Wait() (int, error) {
	if !c.l.linger {
		c.l.kernel.Exit(c.l.pid)
	}
	return c.l.exitCode, nil
}

func newRunController(t *testing.T, k *cgrouptest.Kernel, launcher process.Launcher) *Controller {
	t.Helper()
	c, err := NewController(Config{MountRoot: testMount, ManagedRoot: testRoot}, Dependencies{
		FS:       k,
		Procs:    k,
		Devices:  StaticDevices{{Major: 8, Minor: 0}},
		Launcher: launcher,
	}, logging.NewNopLogger())
	require.NoError(t, err)
	return c
}

func TestRun_ChildStartsInsideLimitedCgroup(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	launcher := &fakeLauncher{kernel: k, pid: 900, exitCode: 3}
	c := newRunController(t, k, launcher)

	var startedIn, memoryAtStart string
	finished := false
	hooks := RunHooks{
		Started: func(child process.Child, cgroupPath string) {
			startedIn = k.CgroupOf(child.PID())
			memoryAtStart = k.File(cgroupPath, "memory.max")
		},
		Finished: func(child process.Child, cgroupPath string) {
			finished = true
			assert.True(t, k.PathExists(cgroupPath), "cgroup still exists when Finished runs")
		},
	}

	res, err := c.Run(context.Background(), resourcelimits.LimitSpec{MemoryBytes: 128 << 20}, process.ExecutionConfig{ExecutablePath: "/bin/true"}, hooks)
	require.NoError(t, err)

	assert.Equal(t, 900, res.PID)
	assert.Equal(t, 3, res.ExitCode)
	assert.True(t, strings.HasPrefix(res.CgroupPath, testRoot+"/run-"))
	assert.Equal(t, res.CgroupPath, startedIn)
	assert.Equal(t, "134217728", memoryAtStart)
	assert.True(t, finished)

	assert.False(t, k.PathExists(res.CgroupPath))
	assert.Zero(t, k.OpenFDs())
	assert.GreaterOrEqual(t, launcher.gotFD, 0)
}

func TestRun_KillsLeftoverProcesses(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	launcher := &fakeLauncher{kernel: k, pid: 901, linger: true}
	c := newRunController(t, k, launcher)

	res, err := c.Run(context.Background(), resourcelimits.LimitSpec{CPUPercent: 50}, process.ExecutionConfig{ExecutablePath: "/bin/true"}, RunHooks{})
	require.NoError(t, err)

	assert.Empty(t, k.CgroupOf(901))
	assert.False(t, k.PathExists(res.CgroupPath))

	killed := false
	for _, w := range k.Writes() {
		if w.File == "cgroup.kill" && w.Path == res.CgroupPath {
			killed = true
		}
	}
	assert.True(t, killed)
}

func TestRun_LaunchFailureTearsDown(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	launcher := &fakeLauncher{kernel: k, pid: 902, launchErr: errors.NewCgroupWriteError("exec failed", nil)}
	c := newRunController(t, k, launcher)

	_, err := c.Run(context.Background(), resourcelimits.LimitSpec{CPUPercent: 50}, process.ExecutionConfig{ExecutablePath: "/bin/true"}, RunHooks{})
	assert.True(t, errors.IsCgroupWriteError(err))

	assert.Equal(t, []string{testRoot}, k.Dirs())
	assert.Zero(t, k.OpenFDs())
}

func TestRun_InvalidLimitsCreateNothing(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newRunController(t, k, &fakeLauncher{kernel: k, pid: 903})

	_, err := c.Run(context.Background(), resourcelimits.LimitSpec{MemoryBytes: 10}, process.ExecutionConfig{ExecutablePath: "/bin/true"}, RunHooks{})
	assert.True(t, errors.IsValidationError(err))
	assert.Empty(t, k.Dirs())
}

func TestRun_NeedsLauncher(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newRunController(t, k, nil)

	_, err := c.Run(context.Background(), resourcelimits.LimitSpec{CPUPercent: 50}, process.ExecutionConfig{ExecutablePath: "/bin/true"}, RunHooks{})
	assert.True(t, errors.IsInternalError(err))
}
