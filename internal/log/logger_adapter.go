package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"firestige.xyz/netstack/internal/config"
)

type logrusAdapter struct {
	entry *logrus.Entry
}

func newLogrus(cfg config.LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var f logrus.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "pattern":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = defaultPattern
		}
		timeLayout := cfg.Time
		if timeLayout == "" {
			timeLayout = defaultTime
		}
		f = &formatter{pattern: pattern, time: timeLayout}
	case "text":
		f = &prefixed.TextFormatter{FullTimestamp: true, TimestampFormat: defaultTime}
	case "json":
		f = &logrus.JSONFormatter{}
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be pattern, text or json)", cfg.Format)
	}

	out, err := buildOutput(cfg)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetFormatter(f)
	l.SetLevel(level)
	l.SetOutput(out)
	return l, nil
}

func buildOutput(cfg config.LogConfig) (io.Writer, error) {
	w := NewMultiWriter().Add(os.Stdout)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, fmt.Errorf("file output requires 'path' field")
		}
		w.AddFileAppender(cfg.Outputs.File)
	}
	return w, nil
}

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
