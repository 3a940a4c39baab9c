// Package logger provides structured logging shared across the hub's
// components, wrapping logrus with a component-name field.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with a fixed component name.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls the level and format of a Logger; output always goes to
// stdout.
type Config struct {
	Level  string
	Format string
}

// New creates a Logger for component, configured by cfg.
func New(component string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a Logger using HUB_LOG_LEVEL / HUB_LOG_FORMAT, defaulting
// to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("HUB_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("HUB_LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, Config{Level: level, Format: format})
}

// NewDefault builds a Logger with sane defaults, for tests and examples.
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info", Format: "text"})
}

// WithField returns a log entry carrying the component name plus one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithField(key, value)
}

// WithFields returns a log entry carrying the component name plus fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithFields(fields)
}
