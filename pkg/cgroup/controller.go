package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PartialPolicy decides what happens to a new cgroup when one of its limit writes fails
type PartialPolicy string

const (
	PartialRollback PartialPolicy = "rollback"
	PartialKeep     PartialPolicy = "keep"
)

// DefaultMountRoot is the cgroup2 mount point
const DefaultMountRoot = "/sys/fs/cgroup"

// rmdir backoff between the five removal attempts
var removeBackoff = []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}

type Config struct {
	MountRoot     string
	ManagedRoot   string // absolute, strictly below MountRoot
	PartialPolicy PartialPolicy
	WriteRetries  int
	RetryBackoff  time.Duration
}

// ProcessInfo answers questions about processes the kernel files cannot
type ProcessInfo interface {
	// Cgroup returns the unified cgroup path of pid relative to the mount root
	Cgroup(pid int) (string, error)
	Exists(pid int) bool
}

type Dependencies struct {
	FS       FileSystem
	Procs    ProcessInfo
	Devices  DeviceResolver
	Launcher process.Launcher
}

// Controller owns one managed subtree of the cgroup hierarchy and never
// touches anything outside it except to move processes back out
type Controller struct {
	config   Config
	fs       FileSystem
	procs    ProcessInfo
	devices  DeviceResolver
	launcher process.Launcher
	logger   logging.Logger
}

// ApplyResult describes a successful Apply
type ApplyResult struct {
	CgroupPath string
	// Origin is the cgroup (relative to the mount root) the process was in
	// before; empty when it was already managed
	Origin string
	// Created is false when an existing cgroup was reused
	Created bool
}

func NewController(config Config, deps Dependencies, logger logging.Logger) (*Controller, error) {
	if config.MountRoot == "" {
		config.MountRoot = DefaultMountRoot
	}
	if config.PartialPolicy == "" {
		config.PartialPolicy = PartialRollback
	}
	if config.WriteRetries < 0 {
		config.WriteRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 5 * time.Millisecond
	}
	config.MountRoot = filepath.Clean(config.MountRoot)
	config.ManagedRoot = filepath.Clean(config.ManagedRoot)

	if !filepath.IsAbs(config.ManagedRoot) || !isWithin(config.MountRoot, config.ManagedRoot) {
		return nil, errors.NewConfigError("managed cgroup subtree must be below the cgroup mount", nil).
			WithContext("path", config.ManagedRoot)
	}
	if config.PartialPolicy != PartialRollback && config.PartialPolicy != PartialKeep {
		return nil, errors.NewConfigError("unknown partial policy: "+string(config.PartialPolicy), nil)
	}
	if deps.FS == nil || deps.Procs == nil {
		return nil, errors.NewInternalError("cgroup controller needs a filesystem and process info", nil)
	}

	return &Controller{
		config:   config,
		fs:       deps.FS,
		procs:    deps.Procs,
		devices:  deps.Devices,
		launcher: deps.Launcher,
		logger:   logger,
	}, nil
}

// Root is the managed subtree
func (c *Controller) Root() string {
	return c.config.ManagedRoot
}

// MountRoot is the cgroup2 mount point
func (c *Controller) MountRoot() string {
	return c.config.MountRoot
}

// PathFor returns the absolute path of a managed cgroup name
func (c *Controller) PathFor(name string) (string, error) {
	return joinManaged(c.config.ManagedRoot, name)
}

// IsManaged reports whether path is a cgroup directly below the managed root
func (c *Controller) IsManaged(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == c.config.ManagedRoot
}

// Exists reports whether a cgroup directory exists
func (c *Controller) Exists(path string) bool {
	return c.fs.PathExists(path)
}

// EnsureRoot creates the managed subtree and enables the controllers it delegates
func (c *Controller) EnsureRoot() error {
	root := c.config.ManagedRoot
	if !c.fs.PathExists(root) {
		c.logger.Infof("Creating managed cgroup subtree, path: %s", root)
		if err := c.fs.Mkdir(root); err != nil && !os.IsExist(err) {
			return classify(err, "cannot create managed cgroup subtree", "", root)
		}
	}

	available, err := c.fs.ReadFile(root, "cgroup.controllers")
	if err != nil {
		return classify(err, "cannot read available controllers", "", root)
	}
	enabled, err := c.fs.ReadFile(root, "cgroup.subtree_control")
	if err != nil {
		return classify(err, "cannot read enabled controllers", "", root)
	}

	for _, ctrl := range resourcelimits.Controllers {
		name := string(ctrl)
		if hasField(enabled, name) {
			continue
		}
		if !hasField(available, name) {
			c.logger.Warnf("Controller not delegated to managed subtree, controller: %s, path: %s", name, root)
			continue
		}
		if err := c.fs.WriteFile(root, "cgroup.subtree_control", "+"+name); err != nil {
			c.logger.Warnf("Cannot enable controller, controller: %s, path: %s, error: %v", name, root, err)
		}
	}
	return nil
}

// Prepare creates (or reuses) a managed cgroup and writes the limits into it.
// It returns whether the directory was newly created.
func (c *Controller) Prepare(name string, spec resourcelimits.LimitSpec) (string, bool, error) {
	if err := spec.Validate(); err != nil {
		return "", false, err
	}
	path, err := c.PathFor(name)
	if err != nil {
		return "", false, err
	}
	if err := c.EnsureRoot(); err != nil {
		return "", false, err
	}

	created := true
	if err := c.fs.Mkdir(path); err != nil {
		if !os.IsExist(err) {
			return "", false, classify(err, "cannot create cgroup", "", path)
		}
		created = false
		c.logger.Debugf("Reusing existing cgroup, path: %s", path)
	}

	if err := c.writeLimits(path, spec, !created); err != nil {
		if created && c.config.PartialPolicy == PartialRollback {
			c.logger.Warnf("Rolling back cgroup after failed limit write, path: %s, error: %v", path, err)
			if rmErr := c.removeWithRetry(path); rmErr != nil {
				c.logger.Errorf("Rollback failed, path: %s, error: %v", path, rmErr)
			}
		}
		return "", false, err
	}

	c.logger.Infof("Cgroup prepared, path: %s, limits: %s", path, spec)
	return path, created, nil
}

// Apply confines an existing process. Applying twice with the same spec is a no-op.
func (c *Controller) Apply(pid int, spec resourcelimits.LimitSpec) (*ApplyResult, error) {
	origin, err := c.procs.Cgroup(pid)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, err
		}
		c.logger.Warnf("Cannot read current cgroup, pid: %d, error: %v", pid, err)
		origin = ""
	}
	if origin != "" && isWithin(c.config.ManagedRoot, filepath.Join(c.config.MountRoot, origin)) {
		origin = ""
	}

	path, created, err := c.Prepare(NameForPID(pid), spec)
	if err != nil {
		return nil, errorWithPID(err, pid)
	}

	if err := c.fs.AddProcess(path, pid); err != nil {
		if created {
			if rmErr := c.removeWithRetry(path); rmErr != nil {
				c.logger.Errorf("Cleanup after failed migration failed, path: %s, error: %v", path, rmErr)
			}
		}
		if !c.procs.Exists(pid) {
			return nil, errors.NewNotFoundError(fmt.Sprintf("process %d exited", pid), err).WithContext("pid", pid)
		}
		return nil, classify(err, "cannot move process into cgroup", "cgroup.procs", path).WithContext("pid", pid)
	}

	c.logger.Infof("Process limited, pid: %d, path: %s", pid, path)
	return &ApplyResult{CgroupPath: path, Origin: origin, Created: created}, nil
}

// Release undoes Apply for pid. An unmanaged pid is a no-op.
func (c *Controller) Release(pid int, origin string) error {
	path, err := c.PathFor(NameForPID(pid))
	if err != nil {
		return err
	}
	return c.Remove(path, origin)
}

// Remove migrates every member of a managed cgroup back to origin (or the
// mount root) and deletes it. A missing cgroup is a no-op.
func (c *Controller) Remove(path, origin string) error {
	if !c.IsManaged(path) {
		return errors.NewValidationError("refusing to remove a cgroup outside the managed subtree", nil).
			WithContext("path", path)
	}
	if !c.fs.PathExists(path) {
		c.logger.Debugf("Cgroup already gone, path: %s", path)
		return nil
	}

	pids, err := c.fs.Processes(path)
	if err != nil && !isNotExist(err) {
		return classify(err, "cannot list cgroup members", "cgroup.procs", path)
	}
	target := c.restoreTarget(origin)
	for _, pid := range pids {
		if err := c.moveOut(target, pid); err != nil {
			c.logger.Warnf("Cannot move process out of cgroup, pid: %d, path: %s, error: %v", pid, path, err)
		}
	}

	if err := c.removeWithRetry(path); err != nil {
		return err
	}
	c.logger.Infof("Cgroup removed, path: %s", path)
	return nil
}

// RemoveIfEmpty deletes a managed cgroup that has no members left, and
// reports whether it is gone
func (c *Controller) RemoveIfEmpty(path string) (bool, error) {
	if !c.IsManaged(path) {
		return false, errors.NewValidationError("refusing to remove a cgroup outside the managed subtree", nil).
			WithContext("path", path)
	}
	if !c.fs.PathExists(path) {
		return true, nil
	}
	pids, err := c.fs.Processes(path)
	if err != nil {
		return false, classify(err, "cannot list cgroup members", "cgroup.procs", path)
	}
	if len(pids) > 0 {
		return false, nil
	}
	if err := c.removeWithRetry(path); err != nil {
		return false, err
	}
	return true, nil
}

// Inspect reads the limits currently in force for a managed cgroup
func (c *Controller) Inspect(path string) (resourcelimits.LimitSpec, error) {
	if !c.IsManaged(path) || !c.fs.PathExists(path) {
		return resourcelimits.LimitSpec{}, errors.NewNotFoundError("no such managed cgroup", nil).WithContext("path", path)
	}

	var mem *resourcelimits.MemoryMax
	var cpu *resourcelimits.CPUMax
	var io *resourcelimits.IOMax

	if content, err := c.fs.ReadFile(path, "memory.max"); err == nil {
		m, err := resourcelimits.DecodeMemoryMax(content)
		if err != nil {
			return resourcelimits.LimitSpec{}, errors.NewIOError("unexpected memory.max content", err).WithContext("path", path)
		}
		mem = &m
	}
	if content, err := c.fs.ReadFile(path, "cpu.max"); err == nil {
		m, err := resourcelimits.DecodeCPUMax(content)
		if err != nil {
			return resourcelimits.LimitSpec{}, errors.NewIOError("unexpected cpu.max content", err).WithContext("path", path)
		}
		cpu = &m
	}
	if content, err := c.fs.ReadFile(path, "io.max"); err == nil {
		m, err := resourcelimits.DecodeIOMax(content)
		if err != nil {
			return resourcelimits.LimitSpec{}, errors.NewIOError("unexpected io.max content", err).WithContext("path", path)
		}
		io = &m
	}
	return resourcelimits.FromKernel(mem, cpu, io), nil
}

// ListManaged returns the absolute paths of every cgroup in the managed subtree
func (c *Controller) ListManaged() ([]string, error) {
	if !c.fs.PathExists(c.config.ManagedRoot) {
		return nil, nil
	}
	names, err := c.fs.Children(c.config.ManagedRoot)
	if err != nil {
		return nil, classify(err, "cannot list managed cgroups", "", c.config.ManagedRoot)
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(c.config.ManagedRoot, name))
	}
	return paths, nil
}

// Controllers reads the controllers available in path and those it enables
// for its children. Any cgroup below the mount may be read.
func (c *Controller) Controllers(path string) (available, enabled []string, err error) {
	if !isWithin(c.config.MountRoot, path) && filepath.Clean(path) != c.config.MountRoot {
		return nil, nil, errors.NewValidationError("path is outside the cgroup mount", nil).WithContext("path", path)
	}
	content, err := c.fs.ReadFile(path, "cgroup.controllers")
	if err != nil {
		return nil, nil, classify(err, "cannot read available controllers", "", path)
	}
	available = strings.Fields(content)
	content, err = c.fs.ReadFile(path, "cgroup.subtree_control")
	if err != nil {
		return nil, nil, classify(err, "cannot read enabled controllers", "", path)
	}
	return available, strings.Fields(content), nil
}

// writeLimits lowers spec into path. A reused cgroup may still hold limits
// from an earlier spec, so every controller it exposes is rewritten and the
// ones spec leaves unset go back to "max".
func (c *Controller) writeLimits(path string, spec resourcelimits.LimitSpec, reuse bool) error {
	devices, err := c.limitDevices(path, spec, reuse)
	if err != nil {
		return err
	}

	settings := spec.Settings(devices)
	if reuse {
		wanted := make(map[resourcelimits.Controller]bool, len(settings))
		for _, setting := range settings {
			wanted[setting.Controller()] = true
		}
		settings = settings[:0]
		for _, setting := range spec.ReplaceSettings(devices) {
			if !wanted[setting.Controller()] {
				if _, err := c.fs.ReadFile(path, setting.File()); err != nil {
					// controller not enabled here, nothing to reset
					continue
				}
			}
			settings = append(settings, setting)
		}
	}

	for _, setting := range settings {
		values := setting.Encode()
		if len(values) == 0 {
			return errors.NewCgroupWriteError("no block devices resolved for io limits", nil).
				WithContext("controller", string(setting.Controller())).WithContext("path", path)
		}
		for _, v := range values {
			if err := c.writeWithRetry(path, setting.File(), v); err != nil {
				return classify(err, "cannot write "+setting.File(), string(setting.Controller()), path).
					WithContext("value", v)
			}
			c.logger.Debugf("Wrote cgroup file, path: %s, file: %s, value: %s", path, setting.File(), v)
		}
	}
	return nil
}

// limitDevices resolves the block devices io.max is written for. They are
// required when spec limits I/O; a reused cgroup without I/O limits resets
// whatever devices resolve and skips the reset otherwise.
func (c *Controller) limitDevices(path string, spec resourcelimits.LimitSpec, reuse bool) ([]resourcelimits.Device, error) {
	if !spec.HasIO() {
		if !reuse || c.devices == nil {
			return nil, nil
		}
		devices, err := c.devices.Devices()
		if err != nil {
			c.logger.Debugf("Skipping io.max reset, path: %s, error: %v", path, err)
			return nil, nil
		}
		return devices, nil
	}
	if c.devices == nil {
		return nil, errors.NewCgroupWriteError("no block device resolver configured for io limits", nil).
			WithContext("controller", string(resourcelimits.ControllerIO)).WithContext("path", path)
	}
	devices, err := c.devices.Devices()
	if err != nil {
		return nil, errors.NewCgroupWriteError("cannot resolve block devices for io limits", err).
			WithContext("controller", string(resourcelimits.ControllerIO)).WithContext("path", path)
	}
	return devices, nil
}

func (c *Controller) writeWithRetry(dir, file, data string) error {
	var err error
	backoff := c.config.RetryBackoff
	for attempt := 0; attempt <= c.config.WriteRetries; attempt++ {
		if err = c.fs.WriteFile(dir, file, data); err == nil || !isTransient(err) {
			return err
		}
		c.logger.Debugf("Transient cgroup write failure, file: %s, attempt: %d, error: %v", file, attempt+1, err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (c *Controller) removeWithRetry(path string) error {
	var err error
	for attempt := 0; attempt <= len(removeBackoff); attempt++ {
		err = c.fs.Rmdir(path)
		if err == nil || isNotExist(err) {
			return nil
		}
		if !pkgerrors.Is(err, unix.EBUSY) || attempt == len(removeBackoff) {
			break
		}
		time.Sleep(removeBackoff[attempt])
	}
	return classify(err, "cannot remove cgroup", "", path)
}

func (c *Controller) restoreTarget(origin string) string {
	if origin != "" {
		target := filepath.Join(c.config.MountRoot, origin)
		if !isWithin(c.config.ManagedRoot, target) && c.fs.PathExists(target) {
			return target
		}
	}
	return c.config.MountRoot
}

func (c *Controller) moveOut(target string, pid int) error {
	err := c.fs.AddProcess(target, pid)
	if err == nil || target == c.config.MountRoot {
		return err
	}
	c.logger.Debugf("Cannot restore process to origin, falling back to mount root, pid: %d, origin: %s, error: %v", pid, target, err)
	return c.fs.AddProcess(c.config.MountRoot, pid)
}

// classify maps a raw cgroupfs error onto the error taxonomy
func classify(err error, message, controller, path string) *errors.DomainError {
	var de *errors.DomainError
	switch {
	case pkgerrors.Is(err, unix.EACCES), pkgerrors.Is(err, unix.EPERM), pkgerrors.Is(err, unix.EROFS):
		de = errors.NewPermissionError(message, err)
	case pkgerrors.Is(err, unix.ENOENT) && controller != "" && controller != "cgroup.procs":
		de = errors.NewCgroupWriteError(message+": controller not enabled", err)
	default:
		de = errors.NewCgroupWriteError(message, err)
	}
	if controller != "" {
		de = de.WithContext("controller", controller)
	}
	return de.WithContext("path", path)
}

func errorWithPID(err error, pid int) error {
	if de, ok := err.(*errors.DomainError); ok {
		return de.WithContext("pid", pid)
	}
	return err
}

func isTransient(err error) bool {
	return pkgerrors.Is(err, unix.EBUSY) || pkgerrors.Is(err, unix.EAGAIN) || pkgerrors.Is(err, unix.EINTR)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || pkgerrors.Is(err, unix.ENOENT)
}

func hasField(content, name string) bool {
	for _, f := range strings.Fields(content) {
		if f == name {
			return true
		}
	}
	return false
}
