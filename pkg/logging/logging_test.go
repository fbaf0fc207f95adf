package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_PrefixAndDispatch(t *testing.T) {
	var got []string
	record := func(tag string) LogFunc {
		return func(format string, args ...interface{}) {
			got = append(got, tag+" "+fmt.Sprintf(format, args...))
		}
	}

	l := NewLogger(Prefix("cgroup"), LogFuncs{
		Debugf: record("D"),
		Warnf:  record("W"),
	})
	l.Debugf("created %s", "pid-42")
	l.Infof("dropped")
	l.Warnf("retry %d", 2)
	l.LogLevelf(LogLevelWarn, "via level")

	assert.Equal(t, []string{
		"D module: cgroup , created pid-42",
		"W module: cgroup , retry 2",
		"W module: cgroup , via level",
	}, got)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	assert.NotPanics(t, func() {
		l.Errorf("nothing %d", 1)
		l.LogLevelf(LogLevelDebug, "nothing")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		level int
		ok    bool
	}{
		{"debug", LogLevelDebug, true},
		{"INFO", LogLevelInfo, true},
		{"warning", LogLevelWarn, true},
		{"error", LogLevelError, true},
		{"loud", LogLevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestNewBackend_WritesToFile(t *testing.T) {
	for _, backend := range []string{"zap", "logrus"} {
		t.Run(backend, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "rlm.log")
			b, err := NewBackend(BackendConfig{Backend: backend, Level: "info", Format: "json", Output: out})
			require.NoError(t, err)

			l := NewBackendLogger(Prefix("registry"), b)
			l.Debugf("hidden")
			l.Infof("pruned %d entries", 3)
			require.NoError(t, b.Sync())

			data, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Contains(t, string(data), "module: registry , pruned 3 entries")
			assert.NotContains(t, string(data), "hidden")
		})
	}
}

func TestNewBackend_Rejects(t *testing.T) {
	_, err := NewBackend(BackendConfig{Backend: "slog"})
	assert.Error(t, err)

	_, err = NewBackend(BackendConfig{Backend: "zap", Level: "loud"})
	assert.Error(t, err)

	_, err = NewBackend(BackendConfig{Backend: "logrus", Level: "loud"})
	assert.Error(t, err)
}
