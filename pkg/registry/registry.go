package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/paths"

	"gopkg.in/yaml.v3"
)

const (
	defaultLockTimeout  = 5 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	corruptTimeLayout   = "20060102T150405"
)

// Prober answers the liveness questions pruning needs
type Prober interface {
	// StartTime returns the start time of a live process; a not_found error
	// means the process is gone
	StartTime(pid int) (uint64, error)
	CgroupExists(path string) bool
}

// Reaper is told about every entry pruned by View or Update
type Reaper func(entry ManagedEntry, reason PruneReason)

type Config struct {
	Path         string
	ManagedRoot  string
	LockTimeout  time.Duration
	PollInterval time.Duration
}

// UpdateOptions tune Update
type UpdateOptions struct {
	// TolerateCorruption moves an unreadable state file aside and starts empty
	TolerateCorruption bool
}

// Registry is the durable record of managed processes, shared between
// concurrent rlm invocations through a file lock
type Registry struct {
	config Config
	prober Prober
	reaper Reaper
	logger logging.Logger
}

func New(config Config, prober Prober, logger logging.Logger) (*Registry, error) {
	if config.Path == "" {
		return nil, errors.NewConfigError("registry path cannot be empty", nil)
	}
	if !filepath.IsAbs(config.ManagedRoot) {
		return nil, errors.NewConfigError("registry needs an absolute managed root", nil).WithContext("path", config.ManagedRoot)
	}
	if prober == nil {
		return nil, errors.NewInternalError("registry needs a prober", nil)
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaultLockTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	config.ManagedRoot = filepath.Clean(config.ManagedRoot)
	return &Registry{config: config, prober: prober, logger: logger}, nil
}

// SetReaper installs the hook called for pruned entries
func (r *Registry) SetReaper(reaper Reaper) {
	r.reaper = reaper
}

// Path is the state file
func (r *Registry) Path() string {
	return r.config.Path
}

// LockPath is the sibling lock file
func (r *Registry) LockPath() string {
	return r.config.Path + ".lock"
}

// View returns the live entries. Pruned entries are removed from the file
// and handed to the reaper. A corrupt file is an error.
func (r *Registry) View(ctx context.Context) ([]ManagedEntry, error) {
	var entries []ManagedEntry
	err := r.Update(ctx, UpdateOptions{}, func(s *State) error {
		entries = s.Entries()
		return nil
	})
	return entries, err
}

// Snapshot returns the live entries under a shared lock without writing
// anything, not even the prune
func (r *Registry) Snapshot(ctx context.Context) ([]ManagedEntry, error) {
	if _, err := os.Stat(filepath.Dir(r.config.Path)); os.IsNotExist(err) {
		return nil, nil
	}
	lock, err := acquireLock(ctx, r.LockPath(), false, r.config.LockTimeout, r.config.PollInterval)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	live, _ := r.prune(entries)
	return live, nil
}

// Update runs fn on the pruned state under the exclusive lock and writes the
// result atomically when anything changed. If fn fails nothing is written.
func (r *Registry) Update(ctx context.Context, opts UpdateOptions, fn func(*State) error) error {
	if err := paths.EnsureDirectory(r.config.Path); err != nil {
		return err
	}
	lock, err := acquireLock(ctx, r.LockPath(), true, r.config.LockTimeout, r.config.PollInterval)
	if err != nil {
		return err
	}
	defer lock.release()

	entries, err := r.load()
	if err != nil {
		if !opts.TolerateCorruption || !errors.IsStateCorruptionError(err) {
			return err
		}
		if err := r.quarantine(err); err != nil {
			return err
		}
		entries = nil
	}

	live, pruned := r.prune(entries)
	state := newState(r.config.ManagedRoot, live)
	state.changed = len(pruned) > 0

	if err := fn(state); err != nil {
		return err
	}
	if !state.changed {
		return nil
	}
	if err := r.save(state.Entries()); err != nil {
		return err
	}

	for _, p := range pruned {
		r.logger.Infof("Pruned stale registry entry, pid: %d, path: %s, reason: %s", p.entry.PID, p.entry.CgroupPath, p.reason)
		if r.reaper != nil {
			r.reaper(p.entry, p.reason)
		}
	}
	return nil
}

type prunedEntry struct {
	entry  ManagedEntry
	reason PruneReason
}

func (r *Registry) prune(entries []ManagedEntry) ([]ManagedEntry, []prunedEntry) {
	live := make([]ManagedEntry, 0, len(entries))
	var pruned []prunedEntry
	for _, e := range entries {
		reason, stale := r.staleness(e)
		if stale {
			pruned = append(pruned, prunedEntry{entry: e, reason: reason})
			continue
		}
		e.Alive = true
		live = append(live, e)
	}
	return live, pruned
}

func (r *Registry) staleness(e ManagedEntry) (PruneReason, bool) {
	start, err := r.prober.StartTime(e.PID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return PruneExited, true
		}
		// cannot tell; keep the entry rather than forget a managed process
		r.logger.Warnf("Cannot check process liveness, pid: %d, error: %v", e.PID, err)
	} else if e.StartTime != 0 && start != e.StartTime {
		return PrunePIDReused, true
	}
	if !r.prober.CgroupExists(e.CgroupPath) {
		return PruneCgroupMissing, true
	}
	return "", false
}

func (r *Registry) load() ([]ManagedEntry, error) {
	data, err := os.ReadFile(r.config.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if os.IsPermission(err) {
			return nil, errors.NewPermissionError("cannot read registry", err).WithContext("file", r.config.Path)
		}
		return nil, errors.NewIOError("cannot read registry", err).WithContext("file", r.config.Path)
	}

	var entries []ManagedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.NewStateCorruptionError("registry file is unreadable", err).WithContext("file", r.config.Path)
	}

	seenPIDs := make(map[int]bool, len(entries))
	seenPaths := make(map[string]int, len(entries))
	for _, e := range entries {
		if err := checkEntry(r.config.ManagedRoot, e); err != nil {
			return nil, errors.NewStateCorruptionError("registry file is inconsistent", err).WithContext("file", r.config.Path)
		}
		if seenPIDs[e.PID] {
			return nil, errors.NewStateCorruptionError(fmt.Sprintf("registry lists pid %d twice", e.PID), nil).
				WithContext("file", r.config.Path)
		}
		if other, ok := seenPaths[e.CgroupPath]; ok {
			return nil, errors.NewStateCorruptionError("registry file is inconsistent", duplicatePath(e.CgroupPath, other, e.PID)).
				WithContext("file", r.config.Path)
		}
		seenPIDs[e.PID] = true
		seenPaths[e.CgroupPath] = e.PID
	}
	return entries, nil
}

func (r *Registry) save(entries []ManagedEntry) error {
	if entries == nil {
		entries = []ManagedEntry{}
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return errors.NewInternalError("cannot encode registry", err)
	}
	return paths.WriteFileAtomic(r.config.Path, data, 0o644)
}

// quarantine moves a corrupt state file aside so nothing is silently lost
func (r *Registry) quarantine(cause error) error {
	backup := fmt.Sprintf("%s.corrupt-%s", r.config.Path, time.Now().UTC().Format(corruptTimeLayout))
	if err := os.Rename(r.config.Path, backup); err != nil {
		return errors.NewIOError("cannot move corrupt registry aside", err).WithContext("file", r.config.Path)
	}
	r.logger.Warnf("Registry file was corrupt and has been moved aside, backup: %s, error: %v", backup, cause)
	return nil
}

func checkEntry(managedRoot string, e ManagedEntry) error {
	if e.PID <= 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid pid %d", e.PID), nil)
	}
	if filepath.Dir(filepath.Clean(e.CgroupPath)) != managedRoot || filepath.Clean(e.CgroupPath) != e.CgroupPath {
		return errors.NewValidationError("cgroup path is not in the managed subtree", nil).
			WithContext("pid", e.PID).WithContext("path", e.CgroupPath)
	}
	return nil
}

func duplicatePath(path string, first, second int) error {
	return errors.NewValidationError(fmt.Sprintf("cgroup path shared by pids %d and %d", first, second), nil).
		WithContext("path", path)
}
