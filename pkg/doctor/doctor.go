package doctor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/registry"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// Status of one check
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check names, in the order they run
const (
	CheckMount       = "cgroup2-mount"
	CheckSubtree     = "managed-subtree"
	CheckPrivileges  = "privileges"
	CheckStateFile   = "state-file"
	CheckOrphans     = "orphans"
	CheckConfig      = "config"
	controllerPrefix = "controller:"
)

// CheckResult is the outcome of one diagnostic
type CheckResult struct {
	Name   string
	Status Status
	Detail string
	Hint   string
}

func pass(name, detail string) CheckResult {
	return CheckResult{Name: name, Status: StatusPass, Detail: detail}
}

func warn(name, detail, hint string) CheckResult {
	return CheckResult{Name: name, Status: StatusWarn, Detail: detail, Hint: hint}
}

func fail(name, detail, hint string) CheckResult {
	return CheckResult{Name: name, Status: StatusFail, Detail: detail, Hint: hint}
}

// Failed reports whether any result is a failure
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Cgroups is the read-only part of the cgroup controller doctor uses
type Cgroups interface {
	MountRoot() string
	Root() string
	Exists(path string) bool
	ListManaged() ([]string, error)
	Controllers(path string) (available, enabled []string, err error)
}

// StateReader reads the registry without modifying it
type StateReader interface {
	Snapshot(ctx context.Context) ([]registry.ManagedEntry, error)
	Path() string
}

type Dependencies struct {
	Cgroups  Cgroups
	Registry StateReader
	// Config reports how configuration loaded, as a detail line or an error
	Config func() (string, error)
	Probes Probes
}

// Doctor runs the environment checks. It never mutates anything.
type Doctor struct {
	deps   Dependencies
	logger logging.Logger
}

func New(deps Dependencies, logger logging.Logger) *Doctor {
	return &Doctor{deps: deps, logger: logger}
}

// Run executes every check in a fixed order
func (d *Doctor) Run(ctx context.Context) []CheckResult {
	results := []CheckResult{d.checkMount(), d.checkSubtree()}
	results = append(results, d.checkControllers()...)
	results = append(results, d.checkPrivileges(ctx))

	entries, state := d.checkState(ctx)
	results = append(results, state)
	if state.Status == StatusFail {
		results = append(results, warn(CheckOrphans, "skipped because the state file could not be read", ""))
	} else {
		results = append(results, d.checkOrphans(entries))
	}
	results = append(results, d.checkConfig())

	for _, r := range results {
		d.logger.Debugf("Doctor check, name: %s, status: %s, detail: %s", r.Name, r.Status, r.Detail)
	}
	return results
}

func (d *Doctor) checkMount() CheckResult {
	mount := d.deps.Cgroups.MountRoot()
	mounts, err := d.deps.Probes.Cgroup2Mounts()
	if err != nil {
		return fail(CheckMount, fmt.Sprintf("cannot read mount table: %v", err), "make sure /proc is mounted")
	}
	found := false
	for _, m := range mounts {
		if filepath.Clean(m) == mount {
			found = true
			break
		}
	}
	if !found {
		hint := "boot with systemd.unified_cgroup_hierarchy=1 or mount cgroup2 at " + mount
		if len(mounts) > 0 {
			hint = "set cgroup_root to " + mounts[0]
			return fail(CheckMount, fmt.Sprintf("no cgroup2 mount at %s; cgroup2 is mounted at %s", mount, strings.Join(mounts, ", ")), hint)
		}
		return fail(CheckMount, "cgroup2 is not mounted", hint)
	}
	if ok, err := d.deps.Probes.IsCgroup2(mount); err != nil || !ok {
		detail := fmt.Sprintf("%s is not a cgroup2 filesystem", mount)
		if err != nil {
			detail = fmt.Sprintf("cannot stat %s: %v", mount, err)
		}
		return fail(CheckMount, detail, "boot with systemd.unified_cgroup_hierarchy=1")
	}
	return pass(CheckMount, "cgroup2 mounted at "+mount)
}

func (d *Doctor) checkSubtree() CheckResult {
	root := d.deps.Cgroups.Root()
	if !d.deps.Cgroups.Exists(root) {
		parent := filepath.Dir(root)
		if err := d.deps.Probes.Writable(parent); err != nil {
			return fail(CheckSubtree, fmt.Sprintf("%s does not exist and %s is not writable", root, parent),
				"run as root, or set managed_subtree: auto to use your delegated systemd user service")
		}
		return warn(CheckSubtree, root+" does not exist yet", "it is created by the first limit or run")
	}
	if err := d.deps.Probes.Writable(root); err != nil {
		return fail(CheckSubtree, fmt.Sprintf("%s is not writable: %v", root, err),
			"run as root, or chown the subtree to your user")
	}
	return pass(CheckSubtree, root+" exists and is writable")
}

func (d *Doctor) checkControllers() []CheckResult {
	root := d.deps.Cgroups.Root()
	exists := d.deps.Cgroups.Exists(root)

	var available, enabled []string
	var err error
	source, delegator := root, filepath.Dir(root)
	if exists {
		available, enabled, err = d.deps.Cgroups.Controllers(root)
	} else {
		// the parent's subtree_control is what a new root would be given
		source = delegator
		_, available, err = d.deps.Cgroups.Controllers(source)
	}

	results := make([]CheckResult, 0, len(resourcelimits.Controllers))
	for _, ctrl := range resourcelimits.Controllers {
		name := controllerPrefix + string(ctrl)
		switch {
		case err != nil:
			results = append(results, fail(name, fmt.Sprintf("cannot read controllers of %s: %v", source, err), ""))
		case !contains(available, string(ctrl)):
			results = append(results, fail(name, fmt.Sprintf("%s controller is not delegated to %s", ctrl, source),
				fmt.Sprintf("echo +%s > %s", ctrl, filepath.Join(delegator, "cgroup.subtree_control"))))
		case exists && !contains(enabled, string(ctrl)):
			results = append(results, warn(name, fmt.Sprintf("%s controller is available but not yet enabled below %s", ctrl, root),
				"it is enabled by the next limit or run"))
		default:
			results = append(results, pass(name, fmt.Sprintf("%s controller available", ctrl)))
		}
	}
	return results
}

func (d *Doctor) checkPrivileges(ctx context.Context) CheckResult {
	uid := d.deps.Probes.UID()
	if uid == 0 {
		return pass(CheckPrivileges, "running as root")
	}
	if ok, err := d.deps.Probes.HasCapSysAdmin(); err == nil && ok {
		return pass(CheckPrivileges, "CAP_SYS_ADMIN is effective")
	}

	unit := fmt.Sprintf("user@%d.service", uid)
	delegated, err := d.deps.Probes.Delegated(ctx, unit)
	if err != nil {
		return warn(CheckPrivileges, fmt.Sprintf("not root and cannot ask systemd about %s: %v", unit, err),
			"run as root or enable Delegate=yes for "+unit)
	}
	if !delegated {
		return fail(CheckPrivileges, fmt.Sprintf("not root and %s has no cgroup delegation", unit),
			"run as root, or add Delegate=yes to a drop-in for user@.service and re-login")
	}
	return pass(CheckPrivileges, unit+" delegates its cgroup subtree")
}

func (d *Doctor) checkState(ctx context.Context) ([]registry.ManagedEntry, CheckResult) {
	path := d.deps.Registry.Path()
	entries, err := d.deps.Registry.Snapshot(ctx)
	switch {
	case err == nil:
		return entries, pass(CheckStateFile, fmt.Sprintf("%s readable, %d live entries", path, len(entries)))
	case errors.IsBusyError(err):
		return nil, warn(CheckStateFile, "state file is locked by another rlm invocation", "retry when it finishes")
	case errors.IsStateCorruptionError(err):
		return nil, fail(CheckStateFile, err.Error(),
			"inspect "+path+"; the next limit or run moves a corrupt file aside")
	default:
		return nil, fail(CheckStateFile, err.Error(), "check permissions of "+filepath.Dir(path))
	}
}

func (d *Doctor) checkOrphans(entries []registry.ManagedEntry) CheckResult {
	paths, err := d.deps.Cgroups.ListManaged()
	if err != nil {
		return fail(CheckOrphans, fmt.Sprintf("cannot list managed cgroups: %v", err), "")
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e.CgroupPath] = true
	}
	var orphans []string
	for _, p := range paths {
		if !known[p] {
			orphans = append(orphans, filepath.Base(p))
		}
	}
	if len(orphans) == 0 {
		return pass(CheckOrphans, fmt.Sprintf("%d managed cgroups, none orphaned", len(paths)))
	}
	sort.Strings(orphans)
	return warn(CheckOrphans, fmt.Sprintf("%d cgroups not referenced by the registry: %s", len(orphans), strings.Join(orphans, ", ")),
		"run rlm unlimit on their processes, or rmdir them once empty")
}

func (d *Doctor) checkConfig() CheckResult {
	if d.deps.Config == nil {
		return pass(CheckConfig, "no configuration check configured")
	}
	detail, err := d.deps.Config()
	if err != nil {
		file, _ := errors.ContextValue(err, "file")
		hint := "fix the reported file"
		if f, ok := file.(string); ok && f != "" {
			hint = "fix " + f
		}
		return fail(CheckConfig, err.Error(), hint)
	}
	return pass(CheckConfig, detail)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
