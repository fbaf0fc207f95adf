package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-rlm/pkg/config"
	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/paths"
	"github.com/core-tools/hsu-rlm/pkg/resourcelimits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func source(t *testing.T, path string, scope config.Scope, content string) config.Source {
	t.Helper()
	writeFile(t, path, content)
	file, err := config.LoadFile(path)
	require.NoError(t, err)
	return config.Source{Path: path, Scope: scope, File: file}
}

func names(list []Profile) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.Name)
	}
	return out
}

func TestBuiltins(t *testing.T) {
	store, err := NewStore(nil, "", logging.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"Light", "Medium", "Heavy", "Browser"}, names(store.List()))
	assert.Empty(t, store.User())

	light, err := store.Get("Light")
	require.NoError(t, err)
	assert.True(t, light.Builtin)
	assert.Equal(t, BuiltinSource, light.Source)
	assert.Equal(t, resourcelimits.LimitSpec{MemoryBytes: 512 << 20, CPUPercent: 25}, light.Limits)

	for _, p := range Builtins() {
		assert.NoError(t, p.Limits.Validate(), p.Name)
	}

	_, err = store.Get("light")
	assert.True(t, errors.IsNotFoundError(err), "lookup is case-sensitive")
}

func TestNewStore_MergesSources(t *testing.T) {
	dir := t.TempDir()
	loaded := &config.Loaded{Sources: []config.Source{
		source(t, filepath.Join(dir, "system.yaml"), config.ScopeSystem, `
profiles:
  build: {memory: 1G, cpu: 200%}
  editor: {memory: 256M}
`),
		source(t, filepath.Join(dir, "user.yaml"), config.ScopeUser, `
profiles:
  build: {memory: 8G}
`),
		source(t, filepath.Join(dir, "profiles.d", "10-games.yaml"), config.ScopeDropIn, `
profiles:
  games: {cpu: 300%, match_exe: [steam]}
`),
	}}

	store, err := NewStore(loaded, filepath.Join(dir, "user.yaml"), logging.NewNopLogger())
	require.NoError(t, err)

	build, err := store.Get("build")
	require.NoError(t, err)
	assert.Equal(t, resourcelimits.LimitSpec{MemoryBytes: 8 << 30}, build.Limits, "later source wins whole profile")
	assert.Equal(t, filepath.Join(dir, "user.yaml"), build.Source)
	assert.False(t, build.Builtin)

	assert.Equal(t, []string{"Light", "Medium", "Heavy", "Browser", "build", "editor", "games"}, names(store.List()))
	assert.Equal(t, []string{"build", "editor", "games"}, names(store.User()))
}

func TestNewStore_BuiltinCollisionNeedsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user.yaml")
	loaded := &config.Loaded{Sources: []config.Source{
		source(t, path, config.ScopeUser, "profiles:\n  Heavy: {memory: 16G}\n"),
	}}

	_, err := NewStore(loaded, path, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, err.Error(), "built-in")

	loaded = &config.Loaded{Sources: []config.Source{
		source(t, path, config.ScopeUser, "profiles:\n  Heavy: {memory: 16G, override: true}\n"),
	}}
	store, err := NewStore(loaded, path, logging.NewNopLogger())
	require.NoError(t, err)

	heavy, err := store.Get("Heavy")
	require.NoError(t, err)
	assert.False(t, heavy.Builtin)
	assert.Equal(t, uint64(16<<30), heavy.Limits.MemoryBytes)
	assert.Equal(t, []string{"Light", "Medium", "Heavy", "Browser"}, names(store.List()))
}

func TestNewStore_InvalidProfile(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad limit":   "profiles:\n  p: {memory: lots}\n",
		"empty":       "profiles:\n  p: {}\n",
		"bad name":    "profiles:\n  \"a/b\": {cpu: 10%}\n",
		"exe is path": "profiles:\n  p: {cpu: 10%, match_exe: [/usr/bin/vim]}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			loaded := &config.Loaded{Sources: []config.Source{source(t, path, config.ScopeUser, content)}}
			_, err := NewStore(loaded, path, logging.NewNopLogger())
			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err))
			file, ok := errors.ContextValue(err, "file")
			assert.True(t, ok)
			assert.Equal(t, path, file)
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("Web server-2.b_x"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("   "))
	assert.Error(t, ValidateName("x\n"))
	assert.Error(t, ValidateName(string(make([]byte, 51))))
}

func TestForExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user.yaml")
	loaded := &config.Loaded{Sources: []config.Source{
		source(t, path, config.ScopeUser, "profiles:\n  fox: {memory: 1G, match_exe: [firefox]}\n"),
	}}
	store, err := NewStore(loaded, path, logging.NewNopLogger())
	require.NoError(t, err)

	p, ok := store.ForExecutable("/usr/lib/firefox/firefox")
	require.True(t, ok)
	assert.Equal(t, "fox", p.Name, "user profiles are preferred")

	p, ok = store.ForExecutable("/opt/google/chrome/chrome")
	require.True(t, ok)
	assert.Equal(t, "Browser", p.Name)

	_, ok = store.ForExecutable("/usr/bin/vim")
	assert.False(t, ok)
}

func TestExport_WritesUserProfilesOnly(t *testing.T) {
	dir := t.TempDir()
	userFile := filepath.Join(dir, "user.yaml")
	loaded := &config.Loaded{Sources: []config.Source{
		source(t, userFile, config.ScopeUser, "profiles:\n  build: {memory: 2G, cpu: 150%}\n  Light: {memory: 128M, override: true}\n"),
	}}
	store, err := NewStore(loaded, userFile, logging.NewNopLogger())
	require.NoError(t, err)

	out := filepath.Join(dir, "export", "profiles.yaml")
	n, err := store.Export(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	file, err := config.LoadFile(out)
	require.NoError(t, err)
	assert.Len(t, file.Profiles, 2)
	assert.Equal(t, "2G", file.Profiles["build"].Memory)
	assert.Equal(t, "150%", file.Profiles["build"].CPU)
	assert.True(t, file.Profiles["Light"].Override)
	assert.NotContains(t, file.Profiles, "Heavy")
}

func TestImport_ConflictWritesNothing(t *testing.T) {
	dir := t.TempDir()
	userFile := filepath.Join(dir, "user.yaml")
	loaded := &config.Loaded{Sources: []config.Source{
		source(t, userFile, config.ScopeUser, "profiles:\n  build: {memory: 2G}\n"),
	}}
	store, err := NewStore(loaded, userFile, logging.NewNopLogger())
	require.NoError(t, err)
	before, err := os.ReadFile(userFile)
	require.NoError(t, err)

	in := filepath.Join(dir, "in.yaml")
	writeFile(t, in, "profiles:\n  build: {memory: 4G}\n  Heavy: {cpu: 400%}\n  fresh: {cpu: 10%}\n")

	_, err = store.Import(in, false)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Contains(t, err.Error(), "Heavy, build")

	after, err := os.ReadFile(userFile)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	_, err = store.Get("fresh")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestImport_OverwriteMarksBuiltinOverride(t *testing.T) {
	dir := t.TempDir()
	userFile := filepath.Join(dir, "user.yaml")
	writeFile(t, userFile, "settings:\n  lock_timeout: 9s\nprofiles:\n  build: {memory: 2G}\n")
	file, err := config.LoadFile(userFile)
	require.NoError(t, err)
	loaded := &config.Loaded{Sources: []config.Source{{Path: userFile, Scope: config.ScopeUser, File: file}}}
	store, err := NewStore(loaded, userFile, logging.NewNopLogger())
	require.NoError(t, err)

	in := filepath.Join(dir, "in.yaml")
	writeFile(t, in, "profiles:\n  build: {memory: 4G}\n  Heavy: {cpu: 400%}\n  fresh: {cpu: 10%}\n")

	result, err := store.Import(in, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, result.Added)
	assert.Equal(t, []string{"Heavy", "build"}, result.Replaced)

	heavy, err := store.Get("Heavy")
	require.NoError(t, err)
	assert.False(t, heavy.Builtin)
	assert.True(t, heavy.Override)
	assert.Equal(t, uint64(400), heavy.Limits.CPUPercent)

	saved, err := config.LoadFile(userFile)
	require.NoError(t, err)
	assert.Equal(t, "4G", saved.Profiles["build"].Memory)
	assert.True(t, saved.Profiles["Heavy"].Override)
	require.Equal(t, yaml.MappingNode, saved.Settings.Kind, "settings block survives the rewrite")

	var settings map[string]string
	require.NoError(t, saved.Settings.Decode(&settings))
	assert.Equal(t, "9s", settings["lock_timeout"])

	// reloading the written file must succeed now that override is set
	reloaded, err := NewStore(&config.Loaded{Sources: []config.Source{{Path: userFile, Scope: config.ScopeUser, File: saved}}}, userFile, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Len(t, reloaded.User(), 3)
}

func TestImport_RefusesProfileShadowedByDropIn(t *testing.T) {
	base := t.TempDir()
	locator := paths.NewLocator(paths.Config{BaseDirectory: base, ServiceContext: paths.UserService}, logging.NewNopLogger())
	writeFile(t, locator.UserConfigFile(), "profiles:\n  build: {memory: 2G}\n")
	dropIn := filepath.Join(locator.ProfilesDirectory(), "extra.yaml")
	writeFile(t, dropIn, "profiles:\n  web: {memory: 256M}\n")

	loaded, err := config.Load(locator, logging.NewNopLogger())
	require.NoError(t, err)
	store, err := NewStore(loaded, locator.UserConfigFile(), logging.NewNopLogger())
	require.NoError(t, err)
	before, err := os.ReadFile(locator.UserConfigFile())
	require.NoError(t, err)

	in := filepath.Join(base, "in.yaml")
	writeFile(t, in, "profiles:\n  web: {memory: 2G}\n  build: {memory: 4G}\n")

	_, err = store.Import(in, true)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Contains(t, err.Error(), dropIn)
	file, ok := errors.ContextValue(err, "file")
	require.True(t, ok)
	assert.Equal(t, dropIn, file)

	after, err := os.ReadFile(locator.UserConfigFile())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	web, err := store.Get("web")
	require.NoError(t, err)
	assert.Equal(t, uint64(256<<20), web.Limits.MemoryBytes)

	// profiles that live in the user file are still replaced
	writeFile(t, in, "profiles:\n  build: {memory: 4G}\n")
	result, err := store.Import(in, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, result.Replaced)
}

func TestImport_CreatesUserFile(t *testing.T) {
	dir := t.TempDir()
	userFile := filepath.Join(dir, "config", "rlm", "config.yaml")
	store, err := NewStore(nil, userFile, logging.NewNopLogger())
	require.NoError(t, err)

	in := filepath.Join(dir, "in.yaml")
	writeFile(t, in, "profiles:\n  tiny: {memory: 64M}\n")

	result, err := store.Import(in, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"tiny"}, result.Added)

	data, err := os.ReadFile(userFile)
	require.NoError(t, err)
	var raw map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "profiles")
	assert.NotContains(t, raw, "settings")
}

func TestImport_InvalidFileRejected(t *testing.T) {
	dir := t.TempDir()
	userFile := filepath.Join(dir, "user.yaml")
	store, err := NewStore(nil, userFile, logging.NewNopLogger())
	require.NoError(t, err)

	in := filepath.Join(dir, "in.yaml")
	writeFile(t, in, "profiles:\n  ok: {memory: 64M}\n  broken: {cpu: 0%}\n")
	_, err = store.Import(in, false)
	assert.True(t, errors.IsConfigError(err))
	assert.NoFileExists(t, userFile)

	_, err = store.Import(filepath.Join(dir, "missing.yaml"), false)
	assert.True(t, errors.IsNotFoundError(err))
}
