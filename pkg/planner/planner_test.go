package planner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-rlm/pkg/cgroup"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const managedRoot = "/sys/fs/cgroup/rlm"

type fakeCgroups struct {
	existing map[string]bool
}

func (f *fakeCgroups) PathFor(name string) (string, error) {
	if _, err := cgroup.SanitizeName(name); err != nil {
		return "", err
	}
	return filepath.Join(managedRoot, name), nil
}

func (f *fakeCgroups) Exists(path string) bool { return f.existing[path] }
func (f *fakeCgroups) MountRoot() string       { return "/sys/fs/cgroup" }

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) ExecuteTarget(ctx context.Context, op Operation, target TargetPlan) error {
	args := m.Called(ctx, op, target.Target.PID)
	return args.Error(0)
}

func newPlanner(existing ...string) *Planner {
	f := &fakeCgroups{existing: map[string]bool{}}
	for _, p := range existing {
		f.existing[p] = true
	}
	devices := cgroup.StaticDevices{{Major: 8, Minor: 0}}
	return New(f, devices, logging.NewNopLogger())
}

func resolution(sel process.Selector, pids ...int) *process.Resolution {
	r := &process.Resolution{Selector: sel}
	for _, pid := range pids {
		r.Targets = append(r.Targets, process.Target{PID: pid, Name: "app"})
	}
	return r
}

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestPlanLimit_DryRunSinglePID(t *testing.T) {
	p := newPlanner()
	spec := resourcelimits.LimitSpec{MemoryBytes: 512 << 20}

	plan, err := p.PlanLimit(resolution(process.PIDSelector(1234), 1234), spec, "", Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, plan.DryRun)
	assert.False(t, plan.RequiresConfirmation)
	require.Len(t, plan.Targets, 1)
	tp := plan.Targets[0]
	assert.Equal(t, managedRoot+"/pid-1234", tp.CgroupPath)
	assert.Equal(t, []ActionKind{ActionCreateCgroup, ActionWriteLimit, ActionMigratePID}, kinds(tp.Actions))
	assert.Equal(t, "memory.max", tp.Actions[1].File)
	assert.Equal(t, "536870912", tp.Actions[1].Value)
	assert.Equal(t, 1234, tp.Actions[2].PID)

	executor := &mockExecutor{}
	_, err = Execute(context.Background(), plan, Options{}, executor, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
	executor.AssertNotCalled(t, "ExecuteTarget", mock.Anything, mock.Anything, mock.Anything)
}

func TestPlanLimit_ExistingCgroupResetsUnsetLimits(t *testing.T) {
	p := newPlanner(managedRoot + "/pid-7")
	spec := resourcelimits.LimitSpec{CPUPercent: 50, IOReadBPS: 1 << 20}

	plan, err := p.PlanLimit(resolution(process.PIDSelector(7), 7), spec, "Light", Options{})
	require.NoError(t, err)
	tp := plan.Targets[0]
	assert.Equal(t, []ActionKind{ActionWriteLimit, ActionWriteLimit, ActionWriteLimit, ActionMigratePID}, kinds(tp.Actions))
	assert.Equal(t, "memory.max", tp.Actions[0].File)
	assert.Equal(t, "max", tp.Actions[0].Value)
	assert.Equal(t, "cpu.max", tp.Actions[1].File)
	assert.Equal(t, "50000 100000", tp.Actions[1].Value)
	assert.Equal(t, "io.max", tp.Actions[2].File)
	assert.Equal(t, "8:0 rbps=1048576 wbps=max", tp.Actions[2].Value)
	assert.Equal(t, "Light", tp.ProfileName)

	plan, err = p.PlanLimit(resolution(process.PIDSelector(7), 7), resourcelimits.LimitSpec{MemoryBytes: 1 << 30}, "", Options{})
	require.NoError(t, err)
	values := make([]string, 0, 3)
	for _, a := range plan.Targets[0].Actions {
		if a.Kind == ActionWriteLimit {
			values = append(values, a.File+"="+a.Value)
		}
	}
	assert.Equal(t, []string{"memory.max=1073741824", "cpu.max=max 100000", "io.max=8:0 rbps=max wbps=max"}, values)
}

func TestPlanLimit_Rejects(t *testing.T) {
	p := newPlanner()
	_, err := p.PlanLimit(resolution(process.PIDSelector(1), 1), resourcelimits.LimitSpec{}, "", Options{})
	assert.True(t, errors.IsValidationError(err))

	_, err = p.PlanLimit(&process.Resolution{}, resourcelimits.LimitSpec{CPUPercent: 10}, "", Options{})
	assert.True(t, errors.IsNotFoundError(err))

	noDevices := New(&fakeCgroups{}, nil, logging.NewNopLogger())
	_, err = noDevices.PlanLimit(resolution(process.PIDSelector(1), 1), resourcelimits.LimitSpec{IOWriteBPS: 1 << 20}, "", Options{})
	assert.True(t, errors.IsCgroupWriteError(err))
}

func TestExecute_AmbiguousNeedsConfirmation(t *testing.T) {
	p := newPlanner()
	plan, err := p.PlanLimit(resolution(process.NameSelector("app"), 10, 11), resourcelimits.LimitSpec{MemoryBytes: 1 << 30}, "", Options{})
	require.NoError(t, err)
	assert.True(t, plan.RequiresConfirmation)
	assert.Len(t, plan.Targets, 2)

	executor := &mockExecutor{}
	_, err = Execute(context.Background(), plan, Options{}, executor, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsAmbiguousError(err))
	assert.Contains(t, err.Error(), "10 (app), 11 (app)")
	summary, ok := errors.ContextValue(err, "summary")
	require.True(t, ok)
	assert.Equal(t, 2, summary.(Summary).Count)
	executor.AssertNotCalled(t, "ExecuteTarget", mock.Anything, mock.Anything, mock.Anything)

	executor.On("ExecuteTarget", mock.Anything, OperationLimit, 10).Return(nil).Once()
	executor.On("ExecuteTarget", mock.Anything, OperationLimit, 11).Return(nil).Once()
	report, err := Execute(context.Background(), plan, Options{Force: true}, executor, logging.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, report.Err())
	assert.Equal(t, 2, report.Succeeded())
	executor.AssertExpectations(t)
}

func TestExecute_PartialFailureContinues(t *testing.T) {
	p := newPlanner()
	plan, err := p.PlanLimit(resolution(process.NameSelector("app"), 1, 2, 3), resourcelimits.LimitSpec{CPUPercent: 20}, "", Options{})
	require.NoError(t, err)

	executor := &mockExecutor{}
	executor.On("ExecuteTarget", mock.Anything, OperationLimit, 1).Return(nil)
	executor.On("ExecuteTarget", mock.Anything, OperationLimit, 2).Return(errors.NewPermissionError("denied", nil))
	executor.On("ExecuteTarget", mock.Anything, OperationLimit, 3).Return(nil)

	report, err := Execute(context.Background(), plan, Options{Confirmed: true}, executor, logging.NewNopLogger())
	require.NoError(t, err)
	executor.AssertNumberOfCalls(t, "ExecuteTarget", 3)

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{report.Outcomes[0].Target.PID, report.Outcomes[1].Target.PID, report.Outcomes[2].Target.PID})
	assert.NoError(t, report.Outcomes[0].Err)
	assert.True(t, errors.IsPermissionError(report.Outcomes[1].Err))
	assert.Equal(t, 2, report.Succeeded())
	assert.Equal(t, 1, report.Failed())

	err = report.Err()
	assert.True(t, errors.IsPartialBatchError(err))
	assert.Contains(t, err.Error(), "pid 2")
}

func TestReport_Err(t *testing.T) {
	perm := errors.NewPermissionError("denied", nil)
	notFound := errors.NewNotFoundError("gone", nil)

	single := &Report{Operation: OperationLimit, Outcomes: []Outcome{{Target: process.Target{PID: 1}, Err: perm}}}
	assert.Same(t, perm, single.Err())

	allSame := &Report{Operation: OperationLimit, Outcomes: []Outcome{
		{Target: process.Target{PID: 1}, Err: perm},
		{Target: process.Target{PID: 2}, Err: errors.NewPermissionError("denied", nil)},
	}}
	assert.True(t, errors.IsPermissionError(allSame.Err()))

	mixed := &Report{Operation: OperationLimit, Outcomes: []Outcome{
		{Target: process.Target{PID: 1}, Err: perm},
		{Target: process.Target{PID: 2}, Err: notFound},
	}}
	assert.True(t, errors.IsPartialBatchError(mixed.Err()))

	ok := &Report{Outcomes: []Outcome{{Target: process.Target{PID: 1}}}}
	assert.NoError(t, ok.Err())
}

func TestExecute_CancelledMarksRemainingTargets(t *testing.T) {
	p := newPlanner()
	plan, err := p.PlanLimit(resolution(process.NameSelector("app"), 1, 2), resourcelimits.LimitSpec{CPUPercent: 20}, "", Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	executor := &mockExecutor{}
	executor.On("ExecuteTarget", mock.Anything, OperationLimit, 1).Run(func(mock.Arguments) { cancel() }).Return(nil)

	report, err := Execute(ctx, plan, Options{Force: true}, executor, logging.NewNopLogger())
	require.NoError(t, err)
	assert.NoError(t, report.Outcomes[0].Err)
	assert.True(t, errors.IsCancelledError(report.Outcomes[1].Err))
	assert.True(t, errors.IsPartialBatchError(report.Err()))
}

func TestPlanUnlimit(t *testing.T) {
	p := newPlanner(managedRoot + "/pid-20")
	entries := []registry.ManagedEntry{
		{PID: 10, CgroupPath: managedRoot + "/pid-10", OriginCgroup: "/user.slice", Limits: resourcelimits.LimitSpec{CPUPercent: 5}},
		{PID: 30, CgroupPath: managedRoot + "/pid-30"},
	}

	// single unmanaged pid is a no-op target
	plan, err := p.PlanUnlimit(resolution(process.PIDSelector(99), 99), entries, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Targets, 1)
	assert.True(t, plan.Targets[0].NoOp())

	plan, err = p.PlanUnlimit(resolution(process.PIDSelector(10), 10), entries, Options{})
	require.NoError(t, err)
	tp := plan.Targets[0]
	require.NotNil(t, tp.Entry)
	assert.Equal(t, []ActionKind{ActionMigratePID, ActionRemoveCgroup}, kinds(tp.Actions))
	assert.Equal(t, "/user.slice", tp.Actions[0].Destination)
	assert.Equal(t, uint64(5), tp.Limits.CPUPercent)

	// an unrecorded but existing cgroup is still cleaned up
	plan, err = p.PlanUnlimit(resolution(process.PIDSelector(20), 20), entries, Options{})
	require.NoError(t, err)
	assert.Nil(t, plan.Targets[0].Entry)
	assert.Equal(t, "/sys/fs/cgroup", plan.Targets[0].Actions[0].Destination)

	// name selectors only keep managed matches
	plan, err = p.PlanUnlimit(resolution(process.NameSelector("app"), 10, 11, 30), entries, Options{})
	require.NoError(t, err)
	require.Len(t, plan.Targets, 2)
	assert.Equal(t, 10, plan.Targets[0].Target.PID)
	assert.Equal(t, 30, plan.Targets[1].Target.PID)
	assert.True(t, plan.RequiresConfirmation)
}
