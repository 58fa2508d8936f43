// Package log provides the process-wide structured logger.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/netstack/internal/config"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
}

const (
	defaultPattern = "%time [%level] %caller: %msg%field%n"
	defaultTime    = "2006-01-02 15:04:05.000"
)

var (
	mu     sync.RWMutex
	logger Logger = newDefaultLogger()
)

// GetLogger returns the process logger. Before Init it writes info level to stdout.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger according to cfg.
func Init(cfg config.LogConfig) error {
	l, err := newLogrus(cfg)
	if err != nil {
		return err
	}
	SetLogger(&logrusAdapter{entry: logrus.NewEntry(l)})
	return nil
}

// SetLogger swaps the process logger; tests use it to capture output.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func newDefaultLogger() Logger {
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: defaultPattern, time: defaultTime})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(NewMultiWriter().Add(os.Stdout))
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}
