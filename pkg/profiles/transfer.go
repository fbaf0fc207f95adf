package profiles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/config"
	"github.com/core-tools/hsu-rlm/pkg/errors"
)

// ImportResult lists what an Import changed
type ImportResult struct {
	Added    []string
	Replaced []string
}

// Export writes every user-defined profile to path. Built-ins are not exported.
func (s *Store) Export(path string) (int, error) {
	user := s.User()
	file := &config.File{Profiles: make(map[string]config.ProfileEntry, len(user))}
	for _, p := range user {
		file.Profiles[p.Name] = p.Entry()
	}
	if err := config.SaveFile(path, file); err != nil {
		return 0, err
	}
	s.logger.Infof("Exported profiles, file: %s, count: %d", path, len(user))
	return len(user), nil
}

// Import validates every profile in path and adds them to the user config
// file. Without overwrite any name clash is a config error and nothing is
// written. With overwrite clashing profiles are replaced; a replaced built-in
// gets override set. A clash with a profiles.d profile is always refused.
func (s *Store) Import(path string, overwrite bool) (*ImportResult, error) {
	incoming, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if incoming.Settings.Kind != 0 {
		s.logger.Warnf("Ignoring settings in imported file, file: %s", path)
	}

	names := sortedNames(incoming.Profiles)
	imported := make([]Profile, 0, len(names))
	var conflicts []string
	for _, name := range names {
		p, err := FromEntry(name, incoming.Profiles[name], path)
		if err != nil {
			return nil, err
		}
		if s.exists(name) {
			conflicts = append(conflicts, name)
		}
		imported = append(imported, p)
	}

	if len(conflicts) > 0 && !overwrite {
		return nil, errors.NewConfigError(
			fmt.Sprintf("imported profiles already exist: %s; use overwrite to replace them", strings.Join(conflicts, ", ")),
			nil,
		).WithContext("file", path).WithContext("conflicts", conflicts)
	}
	for _, name := range conflicts {
		if current := s.user[name]; s.dropIns[current.Source] {
			// a replacement in userFile would lose to the drop-in on the next load
			return nil, errors.NewConfigError(
				fmt.Sprintf("profile %q is defined in %s, which takes precedence over %s; edit that file instead", name, current.Source, s.userFile),
				nil,
			).WithContext("profile", name).WithContext("file", current.Source)
		}
	}

	target, err := config.LoadFile(s.userFile)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			return nil, err
		}
		target = &config.File{}
	}
	if target.Profiles == nil {
		target.Profiles = make(map[string]config.ProfileEntry)
	}

	result := &ImportResult{}
	for i := range imported {
		p := &imported[i]
		if _, builtin := s.builtins[p.Name]; builtin {
			p.Override = true
		}
		if s.exists(p.Name) {
			result.Replaced = append(result.Replaced, p.Name)
		} else {
			result.Added = append(result.Added, p.Name)
		}
		p.Source = s.userFile
		target.Profiles[p.Name] = p.Entry()
	}

	if err := config.SaveFile(s.userFile, target); err != nil {
		return nil, err
	}
	for _, p := range imported {
		s.user[p.Name] = p
	}
	sort.Strings(result.Added)
	sort.Strings(result.Replaced)
	s.logger.Infof("Imported profiles, file: %s, added: %d, replaced: %d", path, len(result.Added), len(result.Replaced))
	return result, nil
}

func (s *Store) exists(name string) bool {
	if _, ok := s.user[name]; ok {
		return true
	}
	_, ok := s.builtins[name]
	return ok
}
