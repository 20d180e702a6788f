package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewFallsBackOnInvalidLevel(t *testing.T) {
	log := New(LoggingConfig{Level: "loud", Format: "text"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
}

func TestComponentFieldIsAttached(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log = log.Named("mixer")

	log.WithError(errors.New("boom")).Warn("settle failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "mixer" {
		t.Fatalf("component = %v, want mixer", entry["component"])
	}
	if entry["error"] != "boom" {
		t.Fatalf("error = %v, want boom", entry["error"])
	}
	if entry["level"] != "warning" {
		t.Fatalf("level = %v, want warning", entry["level"])
	}
}

func TestNewDefaultName(t *testing.T) {
	if got := NewDefault("keeper").Name(); got != "keeper" {
		t.Fatalf("Name() = %q, want keeper", got)
	}
}
