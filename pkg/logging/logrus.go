package logging

import (
	"github.com/sirupsen/logrus"
)

// ===== LOGRUS BACKEND =====

type logrusBackend struct {
	logger *logrus.Logger
}

func newLogrusBackend(config BackendConfig) (*logrusBackend, error) {
	level := logrus.InfoLevel
	if config.Level != "" {
		parsed, err := logrus.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	out, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetReportCaller(config.Caller)
	switch config.Format {
	case "json":
		l.SetFormatter(new(logrus.JSONFormatter))
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &logrusBackend{logger: l}, nil
}

func (b *logrusBackend) Funcs() LogFuncs {
	return LogFuncs{
		Debugf: b.logger.Debugf,
		Infof:  b.logger.Infof,
		Warnf:  b.logger.Warnf,
		Errorf: b.logger.Errorf,
	}
}

func (b *logrusBackend) Sync() error {
	return nil
}
