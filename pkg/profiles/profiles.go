package profiles

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/config"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"
)

// BuiltinSource is the Source of built-in profiles
const BuiltinSource = "builtin"

const maxNameLength = 50

// Profile is a named, reusable LimitSpec
type Profile struct {
	Name     string
	Limits   resourcelimits.LimitSpec
	Builtin  bool
	Source   string // file the profile came from, or BuiltinSource
	MatchExe []string
	Override bool
}

// Builtins returns the fixed preset profiles in display order
func Builtins() []Profile {
	return []Profile{
		{Name: "Light", Limits: resourcelimits.LimitSpec{MemoryBytes: 512 << 20, CPUPercent: 25}},
		{Name: "Medium", Limits: resourcelimits.LimitSpec{MemoryBytes: 2 << 30, CPUPercent: 50, IOReadBPS: 50 << 20, IOWriteBPS: 25 << 20}},
		{Name: "Heavy", Limits: resourcelimits.LimitSpec{MemoryBytes: 4 << 30, CPUPercent: 100, IOReadBPS: 100 << 20, IOWriteBPS: 50 << 20}},
		{Name: "Browser", Limits: resourcelimits.LimitSpec{MemoryBytes: 4 << 30, CPUPercent: 75}, MatchExe: []string{"firefox", "chrome", "chromium"}},
	}
}

func builtinIndex() map[string]Profile {
	out := make(map[string]Profile)
	for _, p := range Builtins() {
		p.Builtin = true
		p.Source = BuiltinSource
		out[p.Name] = p
	}
	return out
}

// ValidateName accepts 1 to 50 characters of letters, digits, space, '.', '_' and '-'
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewValidationError("profile name cannot be empty", nil)
	}
	if len(name) > maxNameLength {
		return errors.NewValidationError(fmt.Sprintf("profile name longer than %d characters", maxNameLength), nil).
			WithContext("profile", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '.', r == '_', r == '-':
		default:
			return errors.NewValidationError(fmt.Sprintf("profile name contains forbidden character %q", r), nil).
				WithContext("profile", name)
		}
	}
	return nil
}

// FromEntry validates a file entry and turns it into a Profile
func FromEntry(name string, entry config.ProfileEntry, source string) (Profile, error) {
	if err := ValidateName(name); err != nil {
		return Profile{}, errors.NewConfigError("invalid profile name", err).WithContext("profile", name).WithContext("file", source)
	}
	limits, err := resourcelimits.Parse(entry.Strings)
	if err != nil {
		return Profile{}, errors.NewConfigError(fmt.Sprintf("invalid limits in profile %q", name), err).
			WithContext("profile", name).WithContext("file", source)
	}
	for _, exe := range entry.MatchExe {
		if exe == "" || strings.Contains(exe, "/") {
			return Profile{}, errors.NewConfigError(fmt.Sprintf("match_exe entries must be executable names, got %q", exe), nil).
				WithContext("profile", name).WithContext("file", source)
		}
	}
	return Profile{
		Name:     name,
		Limits:   limits,
		Source:   source,
		MatchExe: append([]string(nil), entry.MatchExe...),
		Override: entry.Override,
	}, nil
}

// Entry is the file form of p
func (p Profile) Entry() config.ProfileEntry {
	return config.ProfileEntry{
		Strings:  p.Limits.Strings(),
		MatchExe: append([]string(nil), p.MatchExe...),
		Override: p.Override,
	}
}

// Matches reports whether p auto-applies to the executable at exe
func (p Profile) Matches(exe string) bool {
	base := filepath.Base(exe)
	for _, m := range p.MatchExe {
		if m == base {
			return true
		}
	}
	return false
}

// sortedNames returns the keys of a profile map in name order
func sortedNames(entries map[string]config.ProfileEntry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ===== STORE =====

// Store merges built-in and user profiles
type Store struct {
	builtins map[string]Profile
	user     map[string]Profile
	userFile string
	// profiles.d files; they load after userFile and shadow it
	dropIns map[string]bool
	logger  logging.Logger
}

// NewStore builds the profile set from loaded configuration sources. userFile
// is where Import writes.
func NewStore(loaded *config.Loaded, userFile string, logger logging.Logger) (*Store, error) {
	s := &Store{
		builtins: builtinIndex(),
		user:     make(map[string]Profile),
		userFile: userFile,
		dropIns:  make(map[string]bool),
		logger:   logger,
	}
	if loaded == nil {
		return s, nil
	}
	for _, source := range loaded.Sources {
		if source.File == nil {
			continue
		}
		if source.Scope == config.ScopeDropIn {
			s.dropIns[source.Path] = true
		}
		for _, name := range sortedNames(source.File.Profiles) {
			p, err := FromEntry(name, source.File.Profiles[name], source.Path)
			if err != nil {
				return nil, err
			}
			if err := s.add(p); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Store) add(p Profile) error {
	if _, ok := s.builtins[p.Name]; ok && !p.Override {
		return errors.NewConfigError(
			fmt.Sprintf("profile %q in %s collides with the built-in profile of the same name; set override: true to replace it", p.Name, p.Source),
			nil,
		).WithContext("profile", p.Name).WithContext("file", p.Source).WithContext("other", BuiltinSource)
	}
	if prev, ok := s.user[p.Name]; ok {
		s.logger.Debugf("Profile overridden by later source, profile: %s, previous: %s, source: %s", p.Name, prev.Source, p.Source)
	}
	s.user[p.Name] = p
	return nil
}

// Get finds a profile by exact name; user profiles shadow built-ins
func (s *Store) Get(name string) (Profile, error) {
	if p, ok := s.user[name]; ok {
		return p, nil
	}
	if p, ok := s.builtins[name]; ok {
		return p, nil
	}
	return Profile{}, errors.NewNotFoundError(fmt.Sprintf("no profile named %q", name), nil).WithContext("profile", name)
}

// List returns built-ins in their fixed order followed by user profiles by
// name; an overridden built-in appears once, as the user version, in its
// built-in position
func (s *Store) List() []Profile {
	out := make([]Profile, 0, len(s.builtins)+len(s.user))
	for _, b := range Builtins() {
		if p, ok := s.user[b.Name]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, s.builtins[b.Name])
	}
	for _, p := range s.User() {
		if _, shadowing := s.builtins[p.Name]; !shadowing {
			out = append(out, p)
		}
	}
	return out
}

// User returns only user-defined profiles, by name
func (s *Store) User() []Profile {
	names := make([]string, 0, len(s.user))
	for name := range s.user {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Profile, 0, len(names))
	for _, name := range names {
		out = append(out, s.user[name])
	}
	return out
}

// ForExecutable returns the profile whose match_exe names the executable;
// user profiles are tried before built-ins, each group by name
func (s *Store) ForExecutable(exe string) (Profile, bool) {
	for _, p := range s.User() {
		if p.Matches(exe) {
			return p, true
		}
	}
	for _, b := range Builtins() {
		if _, shadowed := s.user[b.Name]; shadowed {
			continue
		}
		if p := s.builtins[b.Name]; p.Matches(exe) {
			return p, true
		}
	}
	return Profile{}, false
}
