package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesValidLevel(t *testing.T) {
	log := New("warn", "json")
	if log.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %s, want warn", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want *logrus.JSONFormatter", log.Formatter)
	}
}

func TestNewFallsBackToInfoOnUnparseableLevel(t *testing.T) {
	log := New("not-a-real-level", "json")
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("level = %s, want info fallback", log.GetLevel())
	}
}

func TestNewUsesTextFormatterWhenRequested(t *testing.T) {
	log := New("info", "text")
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("formatter = %T, want *logrus.TextFormatter", log.Formatter)
	}
}

func TestForComponentTagsComponentField(t *testing.T) {
	log := New("info", "json")
	entry := ForComponent(log, "router")

	if got := entry.Data["component"]; got != "router" {
		t.Errorf("component field = %v, want router", got)
	}
}

func TestForNodeAndForRequestNestUnderComponentEntry(t *testing.T) {
	log := New("info", "json")
	entry := ForComponent(log, "health")
	entry = ForNode(entry, "node-1")
	entry = ForRequest(entry, "req-1")

	if entry.Data["component"] != "health" {
		t.Errorf("component field lost after nesting, got %v", entry.Data["component"])
	}
	if entry.Data["node_id"] != "node-1" {
		t.Errorf("node_id field = %v, want node-1", entry.Data["node_id"])
	}
	if entry.Data["request_id"] != "req-1" {
		t.Errorf("request_id field = %v, want req-1", entry.Data["request_id"])
	}
}
