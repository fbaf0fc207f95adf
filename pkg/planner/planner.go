package planner

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-rlm/pkg/cgroup"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// Options gate execution of a plan
type Options struct {
	DryRun    bool
	Force     bool
	Confirmed bool
}

// Cgroups is the read-only view of the managed subtree the planner needs
type Cgroups interface {
	PathFor(name string) (string, error)
	Exists(path string) bool
	MountRoot() string
}

// Executor performs one target plan against the kernel and the registry
type Executor interface {
	ExecuteTarget(ctx context.Context, op Operation, target TargetPlan) error
}

type Planner struct {
	cgroups Cgroups
	devices cgroup.DeviceResolver
	logger  logging.Logger
}

// New creates a planner; devices may be nil when io limits are never planned
func New(cgroups Cgroups, devices cgroup.DeviceResolver, logger logging.Logger) *Planner {
	return &Planner{cgroups: cgroups, devices: devices, logger: logger}
}

// PlanLimit builds one create/write/migrate group per resolved target
func (p *Planner) PlanLimit(resolution *process.Resolution, spec resourcelimits.LimitSpec, profileName string, opts Options) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if resolution == nil || len(resolution.Targets) == 0 {
		return nil, errors.NewNotFoundError("no target processes", nil)
	}

	var devices []resourcelimits.Device
	if spec.HasIO() {
		if p.devices == nil {
			return nil, errors.NewCgroupWriteError("no block device resolver configured for io limits", nil).
				WithContext("controller", string(resourcelimits.ControllerIO))
		}
		var err error
		if devices, err = p.devices.Devices(); err != nil {
			return nil, errors.NewCgroupWriteError("cannot resolve block devices for io limits", err).
				WithContext("controller", string(resourcelimits.ControllerIO))
		}
	} else if p.devices != nil {
		// only used to reset io.max in a reused cgroup
		devices, _ = p.devices.Devices()
	}

	plan := &Plan{
		Operation:            OperationLimit,
		Selector:             resolution.Selector,
		DryRun:               opts.DryRun,
		RequiresConfirmation: resolution.Ambiguous(),
	}
	for _, target := range resolution.Targets {
		path, err := p.cgroups.PathFor(cgroup.NameForPID(target.PID))
		if err != nil {
			return nil, err
		}
		tp := TargetPlan{Target: target, CgroupPath: path, Limits: spec, ProfileName: profileName}
		var settings []resourcelimits.Setting
		if p.cgroups.Exists(path) {
			// a reused cgroup drops limits the new spec leaves unset
			settings = spec.ReplaceSettings(devices)
		} else {
			tp.Actions = append(tp.Actions, Action{Kind: ActionCreateCgroup, Path: path})
			settings = spec.Settings(devices)
		}
		for _, setting := range settings {
			for _, v := range setting.Encode() {
				tp.Actions = append(tp.Actions, Action{Kind: ActionWriteLimit, Path: path, File: setting.File(), Value: v})
			}
		}
		tp.Actions = append(tp.Actions, Action{Kind: ActionMigratePID, Path: path, PID: target.PID})
		plan.Targets = append(plan.Targets, tp)
	}

	p.logger.Debugf("Limit planned, selector: %s, targets: %d, dry_run: %v", resolution.Selector, len(plan.Targets), opts.DryRun)
	return plan, nil
}

// PlanUnlimit builds a migrate-out/remove group per managed target. A PID
// selector naming an unmanaged process yields a no-op target; name selectors
// keep only managed matches.
func (p *Planner) PlanUnlimit(resolution *process.Resolution, entries []registry.ManagedEntry, opts Options) (*Plan, error) {
	if resolution == nil || len(resolution.Targets) == 0 {
		return nil, errors.NewNotFoundError("no target processes", nil)
	}
	byPID := make(map[int]registry.ManagedEntry, len(entries))
	for _, e := range entries {
		byPID[e.PID] = e
	}

	plan := &Plan{Operation: OperationUnlimit, Selector: resolution.Selector, DryRun: opts.DryRun}
	for _, target := range resolution.Targets {
		path, err := p.cgroups.PathFor(cgroup.NameForPID(target.PID))
		if err != nil {
			return nil, err
		}
		tp := TargetPlan{Target: target, CgroupPath: path}
		entry, managed := byPID[target.PID]
		if managed {
			e := entry
			tp.Entry = &e
			tp.CgroupPath = e.CgroupPath
			tp.Limits = e.Limits
			tp.ProfileName = e.ProfileName
		}

		if managed || p.cgroups.Exists(tp.CgroupPath) {
			dest := p.cgroups.MountRoot()
			if managed && entry.OriginCgroup != "" {
				dest = entry.OriginCgroup
			}
			tp.Actions = []Action{
				{Kind: ActionMigratePID, Path: tp.CgroupPath, PID: target.PID, Destination: dest},
				{Kind: ActionRemoveCgroup, Path: tp.CgroupPath},
			}
		} else if resolution.Selector.Kind == process.SelectorName {
			continue
		}
		plan.Targets = append(plan.Targets, tp)
	}
	plan.RequiresConfirmation = len(plan.Targets) > 1

	p.logger.Debugf("Unlimit planned, selector: %s, targets: %d, dry_run: %v", resolution.Selector, len(plan.Targets), opts.DryRun)
	return plan, nil
}

// Gate returns an ambiguous error carrying the plan summary when the plan
// fans out to several targets and the caller has neither forced nor confirmed
func Gate(plan *Plan, opts Options) error {
	if plan.RequiresConfirmation && !opts.Force && !opts.Confirmed {
		summary := plan.Summary()
		return errors.NewAmbiguousError(summary.String()+"; confirm or force to proceed", nil).
			WithContext("summary", summary).
			WithContext("targets", summary.Count)
	}
	return nil
}

// Execute runs every target in plan order. A failing target does not stop the
// rest; per-target outcomes are collected in the report.
func Execute(ctx context.Context, plan *Plan, opts Options, executor Executor, logger logging.Logger) (*Report, error) {
	if plan == nil {
		return nil, errors.NewInternalError("no plan to execute", nil)
	}
	if plan.DryRun || opts.DryRun {
		return nil, errors.NewValidationError("a dry-run plan is never executed", nil)
	}
	if err := Gate(plan, opts); err != nil {
		return nil, err
	}

	report := &Report{Operation: plan.Operation}
	for _, target := range plan.Targets {
		outcome := Outcome{Target: target.Target, CgroupPath: target.CgroupPath, NoOp: target.NoOp()}
		if err := ctx.Err(); err != nil {
			outcome.Err = errors.NewCancelledError("batch cancelled before this target", err).WithContext("pid", target.Target.PID)
		} else if err := executor.ExecuteTarget(ctx, plan.Operation, target); err != nil {
			outcome.Err = err
			logger.Warnf("Target failed, operation: %s, pid: %d, error: %v", plan.Operation, target.Target.PID, err)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	logger.Infof("Plan executed, operation: %s, succeeded: %d, failed: %d", plan.Operation, report.Succeeded(), report.Failed())
	return report, nil
}

// ===== REPORT =====

// Outcome is the result for one target
type Outcome struct {
	Target     process.Target
	CgroupPath string
	NoOp       bool
	Err        error
}

// Report collects every target outcome of an executed plan
type Report struct {
	Operation Operation
	Outcomes  []Outcome
}

func (r *Report) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

func (r *Report) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Err is nil when every target succeeded and the target's own error when
// there was only one failure and nothing else. When nothing succeeded and
// all failures share a type, that type is kept; otherwise it is a
// partial_batch error.
func (r *Report) Err() error {
	failed := r.Failed()
	if failed == 0 {
		return nil
	}

	collection := errors.NewErrorCollection()
	var first error
	sameType := true
	for _, o := range r.Outcomes {
		if o.Err == nil {
			continue
		}
		if first == nil {
			first = o.Err
		} else if errors.TypeOf(o.Err) != errors.TypeOf(first) {
			sameType = false
		}
		collection.Add(fmt.Errorf("pid %d: %w", o.Target.PID, o.Err))
	}

	succeeded := r.Succeeded()
	if succeeded == 0 && failed == 1 {
		return first
	}
	if succeeded == 0 && sameType && errors.TypeOf(first) != "" {
		return errors.NewDomainError(errors.TypeOf(first), fmt.Sprintf("%s failed for all %d targets", r.Operation, failed), collection.ToError()).
			WithContext("failed", failed)
	}
	return errors.NewPartialBatchError(fmt.Sprintf("%s failed for %d of %d targets", r.Operation, failed, len(r.Outcomes)), collection.ToError()).
		WithContext("succeeded", succeeded).
		WithContext("failed", failed)
}
