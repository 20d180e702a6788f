// Package logger wraps logrus with the defaults used across the service.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig selects level, format and destination.
type LoggingConfig struct {
	Level      string
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr" or "file"
	FilePrefix string
}

// Logger is a named logrus logger.
type Logger struct {
	*logrus.Logger
	name string
}

// New builds a logger from cfg. Invalid values fall back to info/text/stdout.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(openOutput(cfg))
	return &Logger{Logger: l}
}

// NewDefault returns an info-level text logger tagged with name.
func NewDefault(name string) *Logger {
	log := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	log.name = name
	return log
}

// Name returns the component name the logger was created for.
func (l *Logger) Name() string {
	return l.name
}

// Named returns a logger sharing configuration but tagged with a different name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger, name: name}
}

// Component returns an entry carrying the component field.
func (l *Logger) Component() *logrus.Entry {
	if l.name == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.name)
}

// WithField overrides logrus to keep the component tag.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Component().WithField(key, value)
}

// WithFields overrides logrus to keep the component tag.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Component().WithFields(fields)
}

// WithError overrides logrus to keep the component tag.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Component().WithError(err)
}

// NewDiscard returns a logger that drops everything. Useful in tests.
func NewDiscard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l, name: "discard"}
}

func openOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "coinjoin"
		}
		path := filepath.Clean(fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102")))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: open %s: %v; using stdout\n", path, err)
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
