//go:build linux

package cgroup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/processstate"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireCgroup2Root(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("needs root")
	}
	var st unix.Statfs_t
	if err := unix.Statfs(DefaultMountRoot, &st); err != nil || st.Type != unix.CGROUP2_SUPER_MAGIC {
		t.Skip("needs a cgroup v2 hierarchy at " + DefaultMountRoot)
	}
}

func TestRun_RealKernel(t *testing.T) {
	requireCgroup2Root(t)

	root := filepath.Join(DefaultMountRoot, fmt.Sprintf("rlm-test-%d", os.Getpid()))
	c, err := NewController(Config{MountRoot: DefaultMountRoot, ManagedRoot: root}, Dependencies{
		FS:       NewKernelFS(),
		Procs:    processstate.NewProcFS(""),
		Launcher: process.NewStdLauncher(logging.NewNopLogger()),
	}, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, c.EnsureRoot())
	t.Cleanup(func() { unix.Rmdir(root) })

	var seen string
	hooks := RunHooks{
		Started: func(child process.Child, cgroupPath string) {
			seen, _ = processstate.NewProcFS("").Cgroup(child.PID())
		},
	}
	result, err := c.Run(context.Background(), resourcelimits.LimitSpec{MemoryBytes: 64 << 20, CPUPercent: 50},
		process.ExecutionConfig{ExecutablePath: "sleep", Args: []string{"0.2"}}, hooks)
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, result.CgroupPath, filepath.Join(DefaultMountRoot, seen))
	assert.NoDirExists(t, result.CgroupPath)
}
