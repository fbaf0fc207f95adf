package registry

import (
	"sort"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// Kind tells how a process came to be managed
type Kind string

const (
	KindLimit Kind = "limit" // an existing process moved into a cgroup
	KindRun   Kind = "run"   // a command started inside its cgroup
)

// ManagedEntry is one process currently confined by rlm
type ManagedEntry struct {
	PID         int                      `yaml:"pid"`
	CgroupPath  string                   `yaml:"cgroup_path"`
	Limits      resourcelimits.LimitSpec `yaml:"limits"`
	ProfileName string                   `yaml:"profile_name,omitempty"`
	CreatedAt   time.Time                `yaml:"created_at"`
	Kind        Kind                     `yaml:"kind,omitempty"`
	// StartTime is the kernel start time of PID in clock ticks; a different
	// value for the same PID means the PID was reused
	StartTime uint64 `yaml:"start_time,omitempty"`
	// OriginCgroup is where the process lived before, relative to the mount
	OriginCgroup string `yaml:"origin_cgroup,omitempty"`

	// Alive is computed on load and never stored
	Alive bool `yaml:"-"`
}

// PruneReason says why an entry was dropped on load
type PruneReason string

const (
	PruneExited        PruneReason = "exited"
	PrunePIDReused     PruneReason = "pid_reused"
	PruneCgroupMissing PruneReason = "cgroup_missing"
)

// State is the mutable view handed to Update callbacks
type State struct {
	managedRoot string
	entries     map[int]ManagedEntry
	changed     bool
}

func newState(managedRoot string, entries []ManagedEntry) *State {
	s := &State{managedRoot: managedRoot, entries: make(map[int]ManagedEntry, len(entries))}
	for _, e := range entries {
		s.entries[e.PID] = e
	}
	return s
}

// Entries returns all entries ordered by PID
func (s *State) Entries() []ManagedEntry {
	out := make([]ManagedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Get returns the entry for pid
func (s *State) Get(pid int) (ManagedEntry, bool) {
	e, ok := s.entries[pid]
	return e, ok
}

// Len is the number of entries
func (s *State) Len() int {
	return len(s.entries)
}

// Put inserts or replaces the entry for entry.PID. Another PID already
// owning the same cgroup path is an error.
func (s *State) Put(entry ManagedEntry) error {
	if err := checkEntry(s.managedRoot, entry); err != nil {
		return err
	}
	for pid, e := range s.entries {
		if pid != entry.PID && e.CgroupPath == entry.CgroupPath {
			return duplicatePath(entry.CgroupPath, pid, entry.PID)
		}
	}
	entry.Alive = true
	s.entries[entry.PID] = entry
	s.changed = true
	return nil
}

// Remove deletes the entry for pid and returns it
func (s *State) Remove(pid int) (ManagedEntry, bool) {
	e, ok := s.entries[pid]
	if ok {
		delete(s.entries, pid)
		s.changed = true
	}
	return e, ok
}
