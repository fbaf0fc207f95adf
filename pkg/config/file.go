package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/paths"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"gopkg.in/yaml.v3"
)

// File is the schema shared by config.yaml, profiles.d drop-ins and exports
type File struct {
	// Settings is kept as a raw node so rewriting a file preserves it verbatim
	Settings yaml.Node               `yaml:"settings,omitempty"`
	Profiles map[string]ProfileEntry `yaml:"profiles,omitempty"`
}

// ProfileEntry is one profile as written in a file
type ProfileEntry struct {
	resourcelimits.Strings `yaml:",inline"`
	MatchExe               []string `yaml:"match_exe,omitempty"`
	Override               bool     `yaml:"override,omitempty"`
}

// Scope tells where a source sits in the precedence order
type Scope string

const (
	ScopeSystem  Scope = "system"
	ScopeUser    Scope = "user"
	ScopeDropIn  Scope = "profiles.d"
	ScopeBuiltin Scope = "builtin"
)

// Source is one loaded file
type Source struct {
	Path  string
	Scope Scope
	File  *File
}

// Loaded is everything read from the configuration sources of one invocation
type Loaded struct {
	Settings Settings
	// Sources in precedence order, lowest first; missing files are omitted
	Sources []Source
}

// LoadFile reads and decodes one source under the size and expansion limits
func LoadFile(path string) (*File, error) {
	data, err := ReadBounded(path)
	if err != nil {
		return nil, err
	}
	var file File
	if err := DecodeBounded(data, path, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// SaveFile writes a source atomically
func SaveFile(path string, file *File) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return errors.NewInternalError("failed to encode configuration", err).WithContext("file", path)
	}
	return paths.WriteFileAtomic(path, data, 0o644)
}

// Load reads the system file, the user file and the profiles.d drop-ins.
// Settings are layered system then user; drop-ins may only carry profiles.
func Load(locator *paths.Locator, logger logging.Logger) (*Loaded, error) {
	loaded := &Loaded{Settings: DefaultSettings()}

	for _, path := range locator.ConfigFiles() {
		scope := ScopeUser
		if path == locator.SystemConfigFile() {
			scope = ScopeSystem
		}
		if err := loaded.add(path, scope, logger); err != nil {
			return nil, err
		}
	}

	dropIns, err := listDropIns(locator.ProfilesDirectory())
	if err != nil {
		return nil, err
	}
	for _, path := range dropIns {
		if err := loaded.add(path, ScopeDropIn, logger); err != nil {
			return nil, err
		}
	}

	if err := loaded.Settings.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

func (l *Loaded) add(path string, scope Scope, logger logging.Logger) error {
	file, err := LoadFile(path)
	if err != nil {
		if errors.IsNotFoundError(err) {
			logger.Debugf("Configuration source absent, file: %s", path)
			return nil
		}
		return err
	}

	if file.Settings.Kind != 0 {
		if scope == ScopeDropIn {
			logger.Warnf("Ignoring settings in profiles.d file, file: %s", path)
		} else if err := l.Settings.Overlay(&file.Settings, path); err != nil {
			return err
		}
	}
	logger.Debugf("Loaded configuration source, file: %s, profiles: %d", path, len(file.Profiles))
	l.Sources = append(l.Sources, Source{Path: path, Scope: scope, File: file})
	return nil
}

// listDropIns returns *.yaml and *.yml files in dir, sorted by name
func listDropIns(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to list profiles directory", err).WithContext("directory", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}
