package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocator_WithDefaults(t *testing.T) {
	l := NewLocator(Config{}, logging.NewNopLogger())

	assert.Equal(t, DefaultAppName, l.config.AppName)
	assert.Equal(t, DefaultServiceContext(), l.ServiceContext())
}

func TestLocator_SystemContext(t *testing.T) {
	base := t.TempDir()
	l := NewLocator(Config{BaseDirectory: base, ServiceContext: SystemService}, logging.NewNopLogger())

	assert.Equal(t, filepath.Join(base, "etc", "rlm", "config.yaml"), l.SystemConfigFile())
	assert.Equal(t, l.SystemConfigFile(), l.UserConfigFile())
	assert.Equal(t, []string{l.SystemConfigFile()}, l.ConfigFiles())
	assert.Equal(t, filepath.Join(base, "etc", "rlm", "profiles.d"), l.ProfilesDirectory())
	assert.Equal(t, filepath.Join(base, "var", "lib", "rlm", "state.yaml"), l.StateFile())
}

func TestLocator_UserContext(t *testing.T) {
	base := t.TempDir()
	l := NewLocator(Config{BaseDirectory: base, ServiceContext: UserService}, logging.NewNopLogger())

	assert.Equal(t, filepath.Join(base, ".config", "rlm", "config.yaml"), l.UserConfigFile())
	assert.Equal(t, filepath.Join(base, ".config", "rlm", "profiles.d"), l.ProfilesDirectory())
	assert.Equal(t, filepath.Join(base, ".local", "state", "rlm", "state.yaml"), l.StateFile())
	assert.Equal(t, []string{l.SystemConfigFile(), l.UserConfigFile()}, l.ConfigFiles())
}

func TestLocator_ConfigFileOverride(t *testing.T) {
	base := t.TempDir()
	custom := filepath.Join(base, "custom", "rlm.yaml")
	l := NewLocator(Config{BaseDirectory: base, ServiceContext: SystemService, ConfigFile: custom}, logging.NewNopLogger())

	assert.Equal(t, custom, l.UserConfigFile())
	assert.Equal(t, filepath.Join(base, "custom", "profiles.d"), l.ProfilesDirectory())
	assert.Equal(t, []string{l.SystemConfigFile(), custom}, l.ConfigFiles())
}

func TestLocator_XDGDirectories(t *testing.T) {
	cfg := t.TempDir()
	state := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfg)
	t.Setenv("XDG_STATE_HOME", state)

	l := NewLocator(Config{ServiceContext: UserService}, logging.NewNopLogger())

	assert.Equal(t, filepath.Join(cfg, "rlm", "config.yaml"), l.UserConfigFile())
	assert.Equal(t, filepath.Join(state, "rlm", "state.yaml"), l.StateFile())
}

func TestEnsureDirectory(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "state.yaml")

	require.NoError(t, EnsureDirectory(target))

	info, err := os.Stat(filepath.Dir(target))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Empty(t, entries, "write probe must be removed")
}

func TestEnsureDirectory_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	err := EnsureDirectory(filepath.Join(file, "state.yaml"))
	assert.True(t, errors.IsValidationError(err))
}

func TestWriteFileAtomic(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "state.yaml")

	require.NoError(t, WriteFileAtomic(file, []byte("first\n"), 0o600))
	require.NoError(t, WriteFileAtomic(file, []byte("second\n"), 0o644))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(data))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(file))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestWriteFileAtomic_ParentIsFile(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(parent, nil, 0o644))

	err := WriteFileAtomic(filepath.Join(parent, "state.yaml"), []byte("x"), 0o644)
	assert.True(t, errors.IsValidationError(err))
}
