package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"gopkg.in/yaml.v3"
)

// AutoSubtree selects the per-user systemd delegation when running unprivileged
const AutoSubtree = "auto"

// Settings is the "settings:" block of config.yaml. User files override the
// system file key by key.
type Settings struct {
	CgroupRoot     string                `yaml:"cgroup_root,omitempty"`
	ManagedSubtree string                `yaml:"managed_subtree,omitempty"`
	StateFile      string                `yaml:"state_file,omitempty"` // empty means the context default
	LockTimeout    time.Duration         `yaml:"lock_timeout,omitempty"`
	PartialPolicy  string                `yaml:"partial_policy,omitempty"`
	WriteRetries   int                   `yaml:"write_retries"`
	IODevicePath   string                `yaml:"io_device_path,omitempty"`
	IODevices      []string              `yaml:"io_devices,omitempty"` // "maj:min"
	IOAllDevices   bool                  `yaml:"io_all_devices,omitempty"`
	RunWaitDelay   time.Duration         `yaml:"run_wait_delay,omitempty"`
	Log            logging.BackendConfig `yaml:"log"`
}

var settingsKeys = map[string]bool{
	"cgroup_root": true, "managed_subtree": true, "state_file": true, "lock_timeout": true,
	"partial_policy": true, "write_retries": true, "io_device_path": true, "io_devices": true,
	"io_all_devices": true, "run_wait_delay": true, "log": true,
}

var logKeys = map[string]bool{"backend": true, "level": true, "format": true, "output": true, "caller": true}

// DefaultSettings returns the built-in settings every file is layered on
func DefaultSettings() Settings {
	return Settings{
		CgroupRoot:     "/sys/fs/cgroup",
		ManagedSubtree: "rlm",
		LockTimeout:    5 * time.Second,
		PartialPolicy:  "rollback",
		WriteRetries:   3,
		IODevicePath:   "/",
		RunWaitDelay:   10 * time.Second,
		Log:            logging.DefaultBackendConfig(),
	}
}

// Overlay decodes a settings mapping on top of s; keys absent from node keep
// their current value
func (s *Settings) Overlay(node *yaml.Node, source string) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errors.NewConfigError("settings must be a mapping", nil).WithContext("file", source).WithContext("line", node.Line)
	}
	if err := checkKeys(node, settingsKeys, "settings", source); err != nil {
		return err
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "log" && node.Content[i+1].Kind == yaml.MappingNode {
			if err := checkKeys(node.Content[i+1], logKeys, "settings.log", source); err != nil {
				return err
			}
		}
	}
	if err := node.Decode(s); err != nil {
		return errors.NewConfigError("invalid settings", err).WithContext("file", source)
	}
	return nil
}

func checkKeys(node *yaml.Node, known map[string]bool, section, source string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if !known[key.Value] {
			return errors.NewConfigError(fmt.Sprintf("unknown key %q in %s", key.Value, section), nil).
				WithContext("file", source).WithContext("line", key.Line)
		}
	}
	return nil
}

// Validate checks every setting
func (s *Settings) Validate() error {
	if !filepath.IsAbs(s.CgroupRoot) {
		return errors.NewConfigError(fmt.Sprintf("cgroup_root must be an absolute path: %q", s.CgroupRoot), nil)
	}
	if err := validateSubtree(s.ManagedSubtree); err != nil {
		return err
	}
	if s.StateFile != "" && !filepath.IsAbs(s.StateFile) {
		return errors.NewConfigError(fmt.Sprintf("state_file must be an absolute path: %q", s.StateFile), nil)
	}
	if s.LockTimeout <= 0 {
		return errors.NewConfigError(fmt.Sprintf("lock_timeout must be positive: %s", s.LockTimeout), nil)
	}
	if s.PartialPolicy != "rollback" && s.PartialPolicy != "keep" {
		return errors.NewConfigError(fmt.Sprintf("invalid partial_policy: %s", s.PartialPolicy), nil).
			WithContext("valid_values", "rollback, keep")
	}
	if s.WriteRetries < 0 || s.WriteRetries > 10 {
		return errors.NewConfigError(fmt.Sprintf("write_retries out of range: %d", s.WriteRetries), nil).
			WithContext("valid_range", "0-10")
	}
	if s.IODevicePath != "" && !filepath.IsAbs(s.IODevicePath) {
		return errors.NewConfigError(fmt.Sprintf("io_device_path must be an absolute path: %q", s.IODevicePath), nil)
	}
	if _, err := s.Devices(); err != nil {
		return err
	}
	if s.RunWaitDelay < 0 {
		return errors.NewConfigError(fmt.Sprintf("run_wait_delay cannot be negative: %s", s.RunWaitDelay), nil)
	}
	return validateLog(s.Log)
}

// Devices parses io_devices
func (s *Settings) Devices() ([]resourcelimits.Device, error) {
	devices := make([]resourcelimits.Device, 0, len(s.IODevices))
	for _, d := range s.IODevices {
		dev, err := resourcelimits.ParseDevice(d)
		if err != nil {
			return nil, errors.NewConfigError("invalid io_devices entry", err).WithContext("value", d)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// ManagedRoot resolves managed_subtree to an absolute path. With "auto" an
// unprivileged user gets a subtree inside their systemd user service when
// serviceExists reports that cgroup, and the plain "rlm" subtree otherwise.
func (s *Settings) ManagedRoot(uid int, serviceExists func(path string) bool) string {
	if s.ManagedSubtree != AutoSubtree {
		return filepath.Join(s.CgroupRoot, s.ManagedSubtree)
	}
	if uid != 0 {
		service := filepath.Join(s.CgroupRoot, "user.slice",
			fmt.Sprintf("user-%d.slice", uid), fmt.Sprintf("user@%d.service", uid))
		if serviceExists != nil && serviceExists(service) {
			return filepath.Join(service, "rlm")
		}
	}
	return filepath.Join(s.CgroupRoot, "rlm")
}

func validateSubtree(subtree string) error {
	if subtree == AutoSubtree {
		return nil
	}
	if subtree == "" || strings.HasPrefix(subtree, "/") {
		return errors.NewConfigError(fmt.Sprintf("managed_subtree must be a relative cgroup path: %q", subtree), nil)
	}
	for _, part := range strings.Split(subtree, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.NewConfigError(fmt.Sprintf("invalid managed_subtree: %q", subtree), nil)
		}
		for i := 0; i < len(part); i++ {
			c := part[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.' || c == '@') {
				return errors.NewConfigError(fmt.Sprintf("invalid character %q in managed_subtree", c), nil).
					WithContext("value", subtree)
			}
		}
	}
	return nil
}

func validateLog(log logging.BackendConfig) error {
	switch log.Backend {
	case "zap", "logrus":
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid log backend: %s", log.Backend), nil).
			WithContext("valid_values", "zap, logrus")
	}
	if _, ok := logging.ParseLevel(log.Level); !ok {
		return errors.NewConfigError(fmt.Sprintf("invalid log level: %s", log.Level), nil).
			WithContext("valid_levels", "debug, info, warn, error")
	}
	switch log.Format {
	case "console", "text", "json":
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid log format: %s", log.Format), nil).
			WithContext("valid_values", "console, text, json")
	}
	return nil
}
