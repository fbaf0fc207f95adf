package logging

import (
	"fmt"
	"io"
	"os"
)

// ===== BACKEND SELECTION =====

// BackendConfig selects and configures the process-wide log sink
type BackendConfig struct {
	Backend string `yaml:"backend"` // "zap", "logrus"
	Level   string `yaml:"level"`   // "debug", "info", "warn", "error"
	Format  string `yaml:"format"`  // "console"/"text", "json"
	Output  string `yaml:"output"`  // "stderr", "stdout", file path
	Caller  bool   `yaml:"caller"`
}

// DefaultBackendConfig is a quiet console logger on stderr; command output owns stdout.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Backend: "zap",
		Level:   "warn",
		Format:  "console",
		Output:  "stderr",
	}
}

// Backend is a configured log sink that Logger instances dispatch to
type Backend interface {
	Funcs() LogFuncs
	Sync() error
}

// NewBackend builds the sink named by config.Backend
func NewBackend(config BackendConfig) (Backend, error) {
	switch config.Backend {
	case "zap", "":
		return newZapBackend(config)
	case "logrus":
		return newLogrusBackend(config)
	default:
		return nil, fmt.Errorf("unknown log backend: %s", config.Backend)
	}
}

// NewBackendLogger is NewLogger over a Backend
func NewBackendLogger(prefix string, backend Backend) Logger {
	return NewLogger(prefix, backend.Funcs())
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.WriteCloser, error) {
	switch output {
	case "stderr", "":
		return nopCloser{os.Stderr}, nil
	case "stdout":
		return nopCloser{os.Stdout}, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", output, err)
		}
		return f, nil
	}
}
