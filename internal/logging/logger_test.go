package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})

	log.Debug("debug msg")
	log.Info("info msg")
	log.Warn("warn msg")
	log.Error("error msg")

	out := buf.String()
	if strings.Contains(out, "debug msg") || strings.Contains(out, "info msg") {
		t.Errorf("messages below warn should be suppressed, got:\n%s", out)
	}
	if !strings.Contains(out, "warn msg") || !strings.Contains(out, "error msg") {
		t.Errorf("warn and error messages missing, got:\n%s", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Output: &buf})

	log.Debug("hidden")
	log.SetLevel(LevelDebug)
	log.Debug("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message logged before level change")
	}
	if !strings.Contains(out, "visible") {
		t.Error("debug message missing after level change")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Output: &buf})

	log.WithComponent("codegen").Info("compiled", "rules", 3)

	out := buf.String()
	if !strings.Contains(out, "codegen: compiled") {
		t.Errorf("component prefix missing, got: %s", out)
	}
	if !strings.Contains(out, "rules=3") {
		t.Errorf("attribute missing, got: %s", out)
	}
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	log.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected JSON output, got: %s", buf.String())
	}
}
