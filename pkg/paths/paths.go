package paths

import (
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
)

// Default application name, used for directory names
const DefaultAppName = "rlm"

const (
	configFileName  = "config.yaml"
	stateFileName   = "state.yaml"
	profilesDirName = "profiles.d"
)

// ServiceContext defines whose files rlm reads and writes
type ServiceContext string

const (
	// SystemService is root: /etc and /var/lib
	SystemService ServiceContext = "system"

	// UserService is an unprivileged user: XDG config and state directories
	UserService ServiceContext = "user"
)

// Config holds configuration for file location
type Config struct {
	// Base directory that replaces "/" and $HOME. Empty means the real filesystem.
	BaseDirectory string

	// Service context, defaults to DefaultServiceContext()
	ServiceContext ServiceContext

	// Application name for subdirectories
	AppName string

	// ConfigFile replaces the user config file when set
	ConfigFile string
}

// Locator resolves the fixed on-disk locations of configuration and state
type Locator struct {
	config Config
	logger logging.Logger
}

// DefaultServiceContext is SystemService for root and UserService otherwise
func DefaultServiceContext() ServiceContext {
	if os.Geteuid() == 0 {
		return SystemService
	}
	return UserService
}

// NewLocator creates a new locator with the given configuration
func NewLocator(config Config, logger logging.Logger) *Locator {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = DefaultServiceContext()
	}
	return &Locator{
		config: config,
		logger: logger,
	}
}

// ServiceContext returns the effective context
func (l *Locator) ServiceContext() ServiceContext {
	return l.config.ServiceContext
}

// SystemConfigFile is read by every context
func (l *Locator) SystemConfigFile() string {
	return filepath.Join(l.rootDirectory(), "etc", l.config.AppName, configFileName)
}

// UserConfigFile is the writable config file for the current context
func (l *Locator) UserConfigFile() string {
	if l.config.ConfigFile != "" {
		return l.config.ConfigFile
	}
	if l.config.ServiceContext == SystemService {
		return l.SystemConfigFile()
	}
	return filepath.Join(l.userConfigDirectory(), configFileName)
}

// ProfilesDirectory holds drop-in profile files
func (l *Locator) ProfilesDirectory() string {
	return filepath.Join(filepath.Dir(l.UserConfigFile()), profilesDirName)
}

// ConfigFiles lists config files in precedence order, lowest first, without duplicates
func (l *Locator) ConfigFiles() []string {
	system := l.SystemConfigFile()
	user := l.UserConfigFile()
	if system == user {
		return []string{system}
	}
	return []string{system, user}
}

// StateFile is the registry location
func (l *Locator) StateFile() string {
	if l.config.ServiceContext == SystemService {
		return filepath.Join(l.rootDirectory(), "var", "lib", l.config.AppName, stateFileName)
	}
	return filepath.Join(l.userStateDirectory(), stateFileName)
}

func (l *Locator) rootDirectory() string {
	if l.config.BaseDirectory != "" {
		return l.config.BaseDirectory
	}
	return "/"
}

func (l *Locator) homeDirectory() string {
	if l.config.BaseDirectory != "" {
		return l.config.BaseDirectory
	}
	home, err := os.UserHomeDir()
	if err != nil {
		l.logger.Warnf("Cannot determine home directory, falling back to /tmp, error: %v", err)
		return os.TempDir()
	}
	return home
}

func (l *Locator) userConfigDirectory() string {
	if l.config.BaseDirectory == "" {
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return filepath.Join(dir, l.config.AppName)
		}
	}
	return filepath.Join(l.homeDirectory(), ".config", l.config.AppName)
}

func (l *Locator) userStateDirectory() string {
	if l.config.BaseDirectory == "" {
		if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
			return filepath.Join(dir, l.config.AppName)
		}
	}
	return filepath.Join(l.homeDirectory(), ".local", "state", l.config.AppName)
}

// EnsureDirectory creates the parent directory of filePath if needed and
// verifies that it is writable
func EnsureDirectory(filePath string) error {
	dir := filepath.Dir(filePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if os.IsPermission(err) {
				return errors.NewPermissionError("failed to create directory", err).WithContext("directory", dir)
			}
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	probe, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return errors.NewPermissionError("directory is not writable", err).WithContext("directory", dir)
	}
	probe.Close()
	os.Remove(probe.Name())

	return nil
}
