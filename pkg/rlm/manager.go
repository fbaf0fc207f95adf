package rlm

import (
	"os"

	"github.com/core-tools/hsu-rlm/pkg/cgroup"
	"github.com/core-tools/hsu-rlm/pkg/config"
	"github.com/core-tools/hsu-rlm/pkg/doctor"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/paths"
	"github.com/core-tools/hsu-rlm/pkg/planner"
	"github.com/core-tools/hsu-rlm/pkg/process"
	"github.com/core-tools/hsu-rlm/pkg/processstate"
	"github.com/core-tools/hsu-rlm/pkg/profiles"
	"github.com/core-tools/hsu-rlm/pkg/registry"
)

// Options configure a Manager. Zero values select the real host.
type Options struct {
	Paths paths.Config
	// StateFile overrides settings.state_file
	StateFile string
	// Log overrides settings.log fields that are non-empty
	Log logging.BackendConfig
	// TolerateConfigErrors falls back to default settings and built-in
	// profiles when configuration cannot be loaded; Doctor reports the error
	TolerateConfigErrors bool

	// Host seams, used by tests
	ProcRoot    string
	FS          cgroup.FileSystem
	CgroupProcs cgroup.ProcessInfo
	Devices     cgroup.DeviceResolver
	Launcher    process.Launcher
	Probes      *doctor.Probes
	UID         func() int
}

// Manager is the programmatic surface of rlm. Each instance serves one
// invocation; nothing is cached between invocations.
type Manager struct {
	settings   config.Settings
	locator    *paths.Locator
	loaded     *config.Loaded
	configErr  error
	store      *profiles.Store
	procs      *processstate.ProcFS
	resolver   *process.Resolver
	controller *cgroup.Controller
	registry   *registry.Registry
	planner    *planner.Planner
	probes     doctor.Probes
	backend    logging.Backend
	logger     logging.Logger
}

// New loads configuration and wires every component. When logger is nil the
// logger is built from settings.log.
func New(options Options, logger logging.Logger) (*Manager, error) {
	m := &Manager{}

	bootstrap := logger
	if bootstrap == nil {
		backend, err := logging.NewBackend(overlayLog(logging.DefaultBackendConfig(), options.Log))
		if err != nil {
			return nil, errors.NewConfigError("invalid log configuration", err)
		}
		m.backend = backend
		bootstrap = logging.NewBackendLogger(logging.Prefix("rlm"), backend)
	}

	m.locator = paths.NewLocator(options.Paths, bootstrap)
	loaded, err := config.Load(m.locator, bootstrap)
	if err != nil {
		if !options.TolerateConfigErrors {
			return nil, err
		}
		bootstrap.Warnf("Configuration failed to load, using defaults, error: %v", err)
		m.configErr = err
		loaded = &config.Loaded{Settings: config.DefaultSettings()}
	}
	m.loaded = loaded
	m.settings = loaded.Settings
	if options.StateFile != "" {
		m.settings.StateFile = options.StateFile
	}

	m.logger = bootstrap
	if logger == nil {
		backend, err := logging.NewBackend(overlayLog(m.settings.Log, options.Log))
		if err != nil {
			return nil, errors.NewConfigError("invalid log configuration", err)
		}
		m.backend = backend
		m.logger = logging.NewBackendLogger(logging.Prefix("rlm"), backend)
	}

	if m.configErr == nil {
		m.store, err = profiles.NewStore(loaded, m.locator.UserConfigFile(), m.component("profiles"))
		if err != nil {
			if !options.TolerateConfigErrors {
				return nil, err
			}
			m.configErr = err
		}
	}
	if m.store == nil {
		m.store, _ = profiles.NewStore(nil, m.locator.UserConfigFile(), m.component("profiles"))
	}

	if err := m.wire(options); err != nil {
		return nil, err
	}
	m.logger.Debugf("Manager ready, managed root: %s, state file: %s", m.controller.Root(), m.registry.Path())
	return m, nil
}

func (m *Manager) wire(options Options) error {
	m.procs = processstate.NewProcFS(options.ProcRoot)
	m.resolver = process.NewResolver(m.procs, m.component("process"))

	fs := options.FS
	if fs == nil {
		fs = cgroup.NewKernelFS()
	}
	cgroupProcs := options.CgroupProcs
	if cgroupProcs == nil {
		cgroupProcs = m.procs
	}
	devices := options.Devices
	if devices == nil {
		var err error
		if devices, err = m.deviceResolver(); err != nil {
			return err
		}
	}
	launcher := options.Launcher
	if launcher == nil {
		launcher = process.NewStdLauncher(m.component("process"))
	}
	uid := os.Getuid
	if options.UID != nil {
		uid = options.UID
	}

	controller, err := cgroup.NewController(cgroup.Config{
		MountRoot:     m.settings.CgroupRoot,
		ManagedRoot:   m.settings.ManagedRoot(uid(), fs.PathExists),
		PartialPolicy: cgroup.PartialPolicy(m.settings.PartialPolicy),
		WriteRetries:  m.settings.WriteRetries,
	}, cgroup.Dependencies{
		FS:       fs,
		Procs:    cgroupProcs,
		Devices:  devices,
		Launcher: launcher,
	}, m.component("cgroup"))
	if err != nil {
		return err
	}
	m.controller = controller

	statePath := m.settings.StateFile
	if statePath == "" {
		statePath = m.locator.StateFile()
	}
	reg, err := registry.New(registry.Config{
		Path:        statePath,
		ManagedRoot: controller.Root(),
		LockTimeout: m.settings.LockTimeout,
	}, &prober{procs: m.procs, cgroups: controller}, m.component("registry"))
	if err != nil {
		return err
	}
	reg.SetReaper(m.reap)
	m.registry = reg

	m.planner = planner.New(controller, devices, m.component("planner"))

	m.probes = doctor.SystemProbes()
	if options.Probes != nil {
		m.probes = *options.Probes
	}
	return nil
}

func (m *Manager) deviceResolver() (cgroup.DeviceResolver, error) {
	devices, err := m.settings.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return cgroup.StaticDevices(devices), nil
	}
	return cgroup.BlockDevices{Path: m.settings.IODevicePath, All: m.settings.IOAllDevices}, nil
}

func (m *Manager) component(name string) logging.Logger {
	if m.backend == nil {
		return m.logger
	}
	return logging.NewBackendLogger(logging.Prefix(name), m.backend)
}

// Settings returns the effective settings
func (m *Manager) Settings() config.Settings {
	return m.settings
}

// Close flushes the log backend
func (m *Manager) Close() error {
	if m.backend != nil {
		return m.backend.Sync()
	}
	return nil
}

func overlayLog(base, override logging.BackendConfig) logging.BackendConfig {
	if override.Backend != "" {
		base.Backend = override.Backend
	}
	if override.Level != "" {
		base.Level = override.Level
	}
	if override.Format != "" {
		base.Format = override.Format
	}
	if override.Output != "" {
		base.Output = override.Output
	}
	if override.Caller {
		base.Caller = true
	}
	return base
}

// ===== REGISTRY WIRING =====

// prober answers registry liveness questions from procfs and cgroupfs
type prober struct {
	procs   *processstate.ProcFS
	cgroups *cgroup.Controller
}

func (p *prober) StartTime(pid int) (uint64, error) {
	st, err := p.procs.Stat(pid)
	if err != nil {
		return 0, err
	}
	if st.IsZombie() {
		return 0, errors.NewNotFoundError("process has exited", nil).WithContext("pid", pid)
	}
	return st.StartTime, nil
}

func (p *prober) CgroupExists(path string) bool {
	return p.cgroups.Exists(path)
}

// reap removes the cgroup of a pruned entry once nothing lives in it
func (m *Manager) reap(entry registry.ManagedEntry, reason registry.PruneReason) {
	if reason == registry.PruneCgroupMissing {
		return
	}
	removed, err := m.controller.RemoveIfEmpty(entry.CgroupPath)
	switch {
	case err != nil:
		m.logger.Warnf("Cannot remove cgroup of pruned entry, pid: %d, path: %s, error: %v", entry.PID, entry.CgroupPath, err)
	case !removed:
		m.logger.Infof("Cgroup of pruned entry still has members, pid: %d, path: %s", entry.PID, entry.CgroupPath)
	default:
		m.logger.Debugf("Removed cgroup of pruned entry, pid: %d, path: %s", entry.PID, entry.CgroupPath)
	}
}
