package doctor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/cgroup"
	"github.com/core-tools/hsu-rlm/pkg/cgroup/cgrouptest"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMount = "/fake/cgroup"
	testRoot  = testMount + "/rlm"
)

type fakeState struct {
	entries []registry.ManagedEntry
	err     error
}

func (f *fakeState) Snapshot(context.Context) ([]registry.ManagedEntry, error) {
	return f.entries, f.err
}
func (f *fakeState) Path() string { return "/var/lib/rlm/state.yaml" }

func healthyProbes() Probes {
	return Probes{
		Cgroup2Mounts:  func() ([]string, error) { return []string{testMount}, nil },
		IsCgroup2:      func(string) (bool, error) { return true, nil },
		Writable:       func(string) error { return nil },
		UID:            func() int { return 0 },
		HasCapSysAdmin: func() (bool, error) { return true, nil },
		Delegated:      func(context.Context, string) (bool, error) { return true, nil },
	}
}

func newController(t *testing.T, k *cgrouptest.Kernel) *cgroup.Controller {
	t.Helper()
	c, err := cgroup.NewController(cgroup.Config{
		MountRoot:    testMount,
		ManagedRoot:  testRoot,
		WriteRetries: 1,
		RetryBackoff: time.Microsecond,
	}, cgroup.Dependencies{FS: k, Procs: k}, logging.NewNopLogger())
	require.NoError(t, err)
	return c
}

func byName(results []CheckResult) map[string]CheckResult {
	out := make(map[string]CheckResult, len(results))
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

func names(results []CheckResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Name)
	}
	return out
}

func TestRun_HealthyHost(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newController(t, k)
	require.NoError(t, c.EnsureRoot())
	_, _, err := c.Prepare("pid-42", resourcelimits.LimitSpec{CPUPercent: 10})
	require.NoError(t, err)

	state := &fakeState{entries: []registry.ManagedEntry{{PID: 42, CgroupPath: testRoot + "/pid-42"}}}
	d := New(Dependencies{
		Cgroups:  c,
		Registry: state,
		Config:   func() (string, error) { return "2 sources, 5 profiles", nil },
		Probes:   healthyProbes(),
	}, logging.NewNopLogger())

	results := d.Run(context.Background())
	assert.Equal(t, []string{
		CheckMount, CheckSubtree, "controller:memory", "controller:cpu", "controller:io",
		CheckPrivileges, CheckStateFile, CheckOrphans, CheckConfig,
	}, names(results))
	for _, r := range results {
		assert.Equal(t, StatusPass, r.Status, "%s: %s", r.Name, r.Detail)
	}
	assert.False(t, Failed(results))
	assert.Contains(t, byName(results)[CheckStateFile].Detail, "1 live entries")
}

func TestRun_IsReadOnly(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	d := New(Dependencies{Cgroups: newController(t, k), Registry: &fakeState{}, Probes: healthyProbes()}, logging.NewNopLogger())

	d.Run(context.Background())
	assert.Empty(t, k.Writes())
	assert.False(t, k.PathExists(testRoot))
}

func TestCheckMount(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newController(t, k)

	probes := healthyProbes()
	probes.Cgroup2Mounts = func() ([]string, error) { return nil, nil }
	r := byName(New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: probes}, logging.NewNopLogger()).Run(context.Background()))[CheckMount]
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Hint, "unified_cgroup_hierarchy")

	probes.Cgroup2Mounts = func() ([]string, error) { return []string{"/sys/fs/cgroup/unified"}, nil }
	r = byName(New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: probes}, logging.NewNopLogger()).Run(context.Background()))[CheckMount]
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Hint, "/sys/fs/cgroup/unified")

	probes = healthyProbes()
	probes.IsCgroup2 = func(string) (bool, error) { return false, nil }
	r = byName(New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: probes}, logging.NewNopLogger()).Run(context.Background()))[CheckMount]
	assert.Equal(t, StatusFail, r.Status)
}

func TestCheckSubtreeAndControllers_RootMissing(t *testing.T) {
	k := cgrouptest.NewKernel(testMount, "memory", "cpu")
	c := newController(t, k)
	d := New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: healthyProbes()}, logging.NewNopLogger())

	results := byName(d.Run(context.Background()))
	assert.Equal(t, StatusWarn, results[CheckSubtree].Status)
	assert.Equal(t, StatusPass, results["controller:memory"].Status)
	assert.Equal(t, StatusPass, results["controller:cpu"].Status)
	io := results["controller:io"]
	assert.Equal(t, StatusFail, io.Status)
	assert.Equal(t, "echo +io > "+testMount+"/cgroup.subtree_control", io.Hint)

	probes := healthyProbes()
	probes.Writable = func(string) error { return fmt.Errorf("permission denied") }
	d = New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: probes}, logging.NewNopLogger())
	assert.Equal(t, StatusFail, byName(d.Run(context.Background()))[CheckSubtree].Status)
}

func TestCheckControllers_AvailableButNotEnabled(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	require.NoError(t, k.Mkdir(testRoot))
	c := newController(t, k)
	d := New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: healthyProbes()}, logging.NewNopLogger())

	results := byName(d.Run(context.Background()))
	assert.Equal(t, StatusPass, results[CheckSubtree].Status)
	assert.Equal(t, StatusWarn, results["controller:cpu"].Status)
}

func TestCheckPrivileges(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newController(t, k)
	run := func(p Probes) CheckResult {
		return byName(New(Dependencies{Cgroups: c, Registry: &fakeState{}, Probes: p}, logging.NewNopLogger()).Run(context.Background()))[CheckPrivileges]
	}

	p := healthyProbes()
	p.UID = func() int { return 1000 }
	p.HasCapSysAdmin = func() (bool, error) { return false, nil }
	var asked string
	p.Delegated = func(_ context.Context, unit string) (bool, error) { asked = unit; return true, nil }
	assert.Equal(t, StatusPass, run(p).Status)
	assert.Equal(t, "user@1000.service", asked)

	p.Delegated = func(context.Context, string) (bool, error) { return false, nil }
	r := run(p)
	assert.Equal(t, StatusFail, r.Status)
	assert.Contains(t, r.Hint, "Delegate=yes")

	p.Delegated = func(context.Context, string) (bool, error) { return false, fmt.Errorf("no bus") }
	assert.Equal(t, StatusWarn, run(p).Status)

	p.HasCapSysAdmin = func() (bool, error) { return true, nil }
	assert.Equal(t, StatusPass, run(p).Status)
}

func TestCheckStateAndOrphans(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newController(t, k)
	require.NoError(t, c.EnsureRoot())
	for _, name := range []string{"pid-1", "pid-2", "run-9-1"} {
		_, _, err := c.Prepare(name, resourcelimits.LimitSpec{MemoryBytes: 64 << 20})
		require.NoError(t, err)
	}

	state := &fakeState{entries: []registry.ManagedEntry{{PID: 1, CgroupPath: testRoot + "/pid-1"}}}
	results := byName(New(Dependencies{Cgroups: c, Registry: state, Probes: healthyProbes()}, logging.NewNopLogger()).Run(context.Background()))
	orphans := results[CheckOrphans]
	assert.Equal(t, StatusWarn, orphans.Status)
	assert.Contains(t, orphans.Detail, "pid-2, run-9-1")

	state = &fakeState{err: errors.NewStateCorruptionError("registry file is unreadable", nil)}
	results = byName(New(Dependencies{Cgroups: c, Registry: state, Probes: healthyProbes()}, logging.NewNopLogger()).Run(context.Background()))
	assert.Equal(t, StatusFail, results[CheckStateFile].Status)
	assert.Equal(t, StatusWarn, results[CheckOrphans].Status)
	assert.Contains(t, results[CheckOrphans].Detail, "skipped")

	state = &fakeState{err: errors.NewBusyError("locked", nil)}
	results = byName(New(Dependencies{Cgroups: c, Registry: state, Probes: healthyProbes()}, logging.NewNopLogger()).Run(context.Background()))
	assert.Equal(t, StatusWarn, results[CheckStateFile].Status)
}

func TestCheckConfig(t *testing.T) {
	k := cgrouptest.NewKernel(testMount)
	c := newController(t, k)
	cfgErr := errors.NewConfigError("profile collides", nil).WithContext("file", "/home/u/.config/rlm/config.yaml")

	d := New(Dependencies{
		Cgroups:  c,
		Registry: &fakeState{},
		Config:   func() (string, error) { return "", cfgErr },
		Probes:   healthyProbes(),
	}, logging.NewNopLogger())
	results := d.Run(context.Background())
	r := byName(results)[CheckConfig]
	assert.Equal(t, StatusFail, r.Status)
	assert.Equal(t, "fix /home/u/.config/rlm/config.yaml", r.Hint)
	assert.True(t, Failed(results))
}
