package rlm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/cgroup"
	"github.com/core-tools/hsu-rlm/pkg/doctor"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/planner"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/profiles"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// LimitRequest names the limits to apply: a profile, explicit values, or
// both, in which case explicit values replace the profile's fields
type LimitRequest struct {
	Profile string
	Limits  resourcelimits.Strings
}

// LimitOptions gate execution of a limit or unlimit
type LimitOptions struct {
	DryRun    bool
	Force     bool
	Confirmed bool
}

func (o LimitOptions) planner() planner.Options {
	return planner.Options{DryRun: o.DryRun, Force: o.Force, Confirmed: o.Confirmed}
}

// Result carries the plan of a request and, once executed, its report
type Result struct {
	Plan   *planner.Plan
	Report *planner.Report
}

// Inspection compares a registry entry with what the kernel enforces
type Inspection struct {
	Entry  registry.ManagedEntry
	Kernel resourcelimits.LimitSpec
	// Drift is set when the kernel files no longer match the recorded limits
	Drift bool
}

// ===== LIMIT =====

// Limit resolves selector and confines every target. A dry run returns the
// plan only. Several targets need Force or Confirmed; otherwise the plan is
// returned with an ambiguous error and nothing is changed.
func (m *Manager) Limit(ctx context.Context, selector process.Selector, request LimitRequest, options LimitOptions) (*Result, error) {
	spec, profileName, err := m.resolveLimits(request, "")
	if err != nil {
		return nil, err
	}
	resolution, err := m.resolver.Resolve(selector)
	if err != nil {
		return nil, err
	}
	plan, err := m.planner.PlanLimit(resolution, spec, profileName, options.planner())
	if err != nil {
		return nil, err
	}
	return m.finish(ctx, plan, options)
}

// Unlimit releases every managed target of selector. An unmanaged PID is a
// no-op success. A corrupt registry is an error.
func (m *Manager) Unlimit(ctx context.Context, selector process.Selector, options LimitOptions) (*Result, error) {
	entries, err := m.registry.View(ctx)
	if err != nil {
		return nil, err
	}
	resolution, err := m.resolver.Resolve(selector)
	if err != nil {
		return nil, err
	}
	plan, err := m.planner.PlanUnlimit(resolution, entries, options.planner())
	if err != nil {
		return nil, err
	}
	return m.finish(ctx, plan, options)
}

func (m *Manager) finish(ctx context.Context, plan *planner.Plan, options LimitOptions) (*Result, error) {
	result := &Result{Plan: plan}
	if options.DryRun {
		return result, nil
	}
	if err := planner.Gate(plan, options.planner()); err != nil {
		return result, err
	}
	report, err := m.commit(ctx, plan, options.planner())
	result.Report = report
	return result, err
}

// Commit executes a plan the caller has confirmed
func (m *Manager) Commit(ctx context.Context, plan *planner.Plan) (*planner.Report, error) {
	return m.commit(ctx, plan, planner.Options{Confirmed: true})
}

func (m *Manager) commit(ctx context.Context, plan *planner.Plan, options planner.Options) (*planner.Report, error) {
	if plan != nil && plan.Operation == planner.OperationLimit && !plan.DryRun {
		if err := m.controller.EnsureRoot(); err != nil {
			return nil, err
		}
	}
	report, err := planner.Execute(ctx, plan, options, &executor{m: m}, m.component("planner"))
	if err != nil {
		return nil, err
	}
	return report, report.Err()
}

// resolveLimits merges a profile with explicit values. Without either, the
// profile matching executable (if any) is used.
func (m *Manager) resolveLimits(request LimitRequest, executable string) (resourcelimits.LimitSpec, string, error) {
	explicit := request.Limits != (resourcelimits.Strings{})

	var spec resourcelimits.LimitSpec
	name := request.Profile
	switch {
	case name != "":
		p, err := m.store.Get(name)
		if err != nil {
			return spec, "", err
		}
		spec = p.Limits
	case !explicit && executable != "":
		p, ok := m.store.ForExecutable(executable)
		if !ok {
			return spec, "", errors.NewValidationError(fmt.Sprintf("no limits given and no profile matches %q", executable), nil)
		}
		m.logger.Infof("Using profile matched by executable, profile: %s, executable: %s", p.Name, executable)
		spec, name = p.Limits, p.Name
	case !explicit:
		return spec, "", errors.NewValidationError("give a profile or at least one of memory, cpu, io_read, io_write", nil)
	}

	if explicit {
		override, err := resourcelimits.Parse(request.Limits)
		if err != nil {
			return spec, "", err
		}
		if override.MemoryBytes != 0 {
			spec.MemoryBytes = override.MemoryBytes
		}
		if override.CPUPercent != 0 {
			spec.CPUPercent = override.CPUPercent
		}
		if override.IOReadBPS != 0 {
			spec.IOReadBPS = override.IOReadBPS
		}
		if override.IOWriteBPS != 0 {
			spec.IOWriteBPS = override.IOWriteBPS
		}
	}
	return spec, name, spec.Validate()
}

// ===== EXECUTOR =====

// executor applies one target plan to the kernel and records it
type executor struct {
	m *Manager
}

func (e *executor) ExecuteTarget(ctx context.Context, op planner.Operation, target planner.TargetPlan) error {
	switch op {
	case planner.OperationLimit:
		return e.limit(ctx, target)
	case planner.OperationUnlimit:
		return e.unlimit(ctx, target)
	default:
		return errors.NewInternalError("unknown plan operation: "+string(op), nil)
	}
}

func (e *executor) limit(ctx context.Context, target planner.TargetPlan) error {
	m := e.m
	pid := target.Target.PID

	// the PID may have been recycled between planning and execution
	start, err := (&prober{procs: m.procs, cgroups: m.controller}).StartTime(pid)
	if err != nil {
		return err
	}
	if target.Target.StartTime != 0 && start != target.Target.StartTime {
		return errors.NewNotFoundError(fmt.Sprintf("process %d was replaced since planning", pid), nil).WithContext("pid", pid)
	}

	applied, err := m.controller.Apply(pid, target.Limits)
	if err != nil {
		return err
	}

	err = m.registry.Update(ctx, registry.UpdateOptions{TolerateCorruption: true}, func(s *registry.State) error {
		entry := registry.ManagedEntry{
			PID:          pid,
			CgroupPath:   applied.CgroupPath,
			Limits:       target.Limits,
			ProfileName:  target.ProfileName,
			CreatedAt:    time.Now().UTC(),
			Kind:         registry.KindLimit,
			StartTime:    start,
			OriginCgroup: applied.Origin,
		}
		if prev, ok := s.Get(pid); ok {
			entry.CreatedAt = prev.CreatedAt
			if prev.OriginCgroup != "" {
				entry.OriginCgroup = prev.OriginCgroup
			}
		}
		return s.Put(entry)
	})
	if err != nil {
		if applied.Created {
			if relErr := m.controller.Remove(applied.CgroupPath, applied.Origin); relErr != nil {
				m.logger.Errorf("Cannot undo limit after registry failure, pid: %d, error: %v", pid, relErr)
			}
		}
		return err
	}
	return nil
}

func (e *executor) unlimit(ctx context.Context, target planner.TargetPlan) error {
	m := e.m
	if target.NoOp() {
		m.logger.Debugf("Process is not managed, nothing to release, pid: %d", target.Target.PID)
		return nil
	}
	origin := ""
	if target.Entry != nil {
		origin = target.Entry.OriginCgroup
	}
	if err := m.controller.Remove(target.CgroupPath, origin); err != nil {
		return err
	}
	return m.registry.Update(ctx, registry.UpdateOptions{}, func(s *registry.State) error {
		s.Remove(target.Target.PID)
		return nil
	})
}

// ===== RUN =====

// Run starts command inside a fresh cgroup carrying the requested limits and
// waits for it. The child is recorded in the registry while it runs; the
// cgroup is removed when it exits.
func (m *Manager) Run(ctx context.Context, request LimitRequest, command string, args []string) (*cgroup.RunResult, error) {
	if command == "" {
		return nil, errors.NewValidationError("no command given", nil)
	}
	spec, profileName, err := m.resolveLimits(request, command)
	if err != nil {
		return nil, err
	}
	if err := m.controller.EnsureRoot(); err != nil {
		return nil, err
	}

	execution := process.ExecutionConfig{
		ExecutablePath: command,
		Args:           args,
		WaitDelay:      m.settings.RunWaitDelay,
	}
	if wd, err := os.Getwd(); err == nil {
		execution.WorkingDirectory = wd
	}

	var stopSignals func()
	hooks := cgroup.RunHooks{
		Started: func(child process.Child, cgroupPath string) {
			stopSignals = process.ForwardSignals(child, m.component("process"))
			m.recordRun(ctx, child.PID(), cgroupPath, spec, profileName)
		},
		Finished: func(child process.Child, cgroupPath string) {
			if stopSignals != nil {
				stopSignals()
			}
			m.forgetRun(child.PID())
		},
	}
	return m.controller.Run(ctx, spec, execution, hooks)
}

func (m *Manager) recordRun(ctx context.Context, pid int, cgroupPath string, spec resourcelimits.LimitSpec, profileName string) {
	var start uint64
	if st, err := m.procs.Stat(pid); err == nil {
		start = st.StartTime
	}
	err := m.registry.Update(ctx, registry.UpdateOptions{TolerateCorruption: true}, func(s *registry.State) error {
		return s.Put(registry.ManagedEntry{
			PID:         pid,
			CgroupPath:  cgroupPath,
			Limits:      spec,
			ProfileName: profileName,
			CreatedAt:   time.Now().UTC(),
			Kind:        registry.KindRun,
			StartTime:   start,
		})
	})
	if err != nil {
		m.logger.Warnf("Cannot record run child, pid: %d, error: %v", pid, err)
	}
}

// forgetRun drops the child's entry; it must succeed even after ctx was cancelled
func (m *Manager) forgetRun(pid int) {
	err := m.registry.Update(context.Background(), registry.UpdateOptions{TolerateCorruption: true}, func(s *registry.State) error {
		s.Remove(pid)
		return nil
	})
	if err != nil {
		m.logger.Warnf("Cannot remove run child from registry, pid: %d, error: %v", pid, err)
	}
}

// ===== QUERIES =====

// Status lists live managed processes; stale entries are pruned first
func (m *Manager) Status(ctx context.Context) ([]registry.ManagedEntry, error) {
	return m.registry.View(ctx)
}

// Inspect reads back the limits the kernel enforces for a managed pid
func (m *Manager) Inspect(ctx context.Context, pid int) (*Inspection, error) {
	entries, err := m.registry.View(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.PID != pid {
			continue
		}
		kernel, err := m.controller.Inspect(e.CgroupPath)
		if err != nil {
			return nil, err
		}
		return &Inspection{Entry: e, Kernel: kernel, Drift: kernel != e.Limits}, nil
	}
	return nil, errors.NewNotFoundError(fmt.Sprintf("process %d is not managed", pid), nil).WithContext("pid", pid)
}

// Profiles lists built-in and user profiles
func (m *Manager) Profiles() []profiles.Profile {
	return m.store.List()
}

// Doctor runs the read-only environment checks
func (m *Manager) Doctor(ctx context.Context) []doctor.CheckResult {
	d := doctor.New(doctor.Dependencies{
		Cgroups:  m.controller,
		Registry: m.registry,
		Config:   m.configStatus,
		Probes:   m.probes,
	}, m.component("doctor"))
	return d.Run(ctx)
}

func (m *Manager) configStatus() (string, error) {
	if m.configErr != nil {
		return "", m.configErr
	}
	return fmt.Sprintf("%d sources loaded, %d profiles", len(m.loaded.Sources), len(m.store.List())), nil
}

// Export writes user profiles to path
func (m *Manager) Export(path string) (int, error) {
	return m.store.Export(path)
}

// Import merges the profiles in path into the user configuration
func (m *Manager) Import(path string, overwrite bool) (*profiles.ImportResult, error) {
	if m.configErr != nil {
		return nil, m.configErr
	}
	return m.store.Import(path, overwrite)
}
