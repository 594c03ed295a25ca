package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelForVerbosity(t *testing.T) {
	tests := []struct {
		verbosity int
		want      slog.Level
	}{
		{0, slog.LevelInfo},
		{1, slog.LevelDebug},
		{2, LevelTrace},
		{5, LevelTrace},
	}
	for _, tt := range tests {
		if got := LevelForVerbosity(tt.verbosity); got != tt.want {
			t.Errorf("LevelForVerbosity(%d) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
}

func TestNewHandler_JSONTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, LevelTrace, FormatJSON))

	logger.Log(context.Background(), LevelTrace, "deep detail")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if rec["level"] != "TRC" {
		t.Errorf("level = %v, want TRC", rec["level"])
	}
}

func TestNewHandler_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo, FormatText))

	logger.Debug("hidden")
	logger.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record logged at info level:\n%s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("info record missing:\n%s", out)
	}
}

func TestNewHandler_SystemdDropsTime(t *testing.T) {
	t.Setenv("INVOCATION_ID", "abc")
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo, FormatText))

	logger.Info("under systemd")

	out := buf.String()
	if !strings.HasPrefix(out, "INF ") {
		t.Errorf("expected line to start with the level, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("expected no color codes under systemd, got %q", out)
	}
}

func TestLogWriteReason(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	caller := Caller{Sender: ":1.3", UID: 0, PID: 77, Process: "zincati"}

	l.LogWriteReason(context.Background(), "req-1", caller, "eol", "/run/motd.d/deadend.motd", nil)
	l.LogWriteReason(context.Background(), "req-2", caller, "eol", "/run/motd.d/deadend.motd", errors.New("disk full"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d records, want 2:\n%s", len(lines), buf.String())
	}

	var ok, failed map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ok); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &failed); err != nil {
		t.Fatal(err)
	}

	if ok["level"] != "INFO" || ok["result"] != "ok" || ok["method"] != "WriteDeadendReason" {
		t.Errorf("success record = %v", ok)
	}
	if ok["request_id"] != "req-1" || ok["reason"] != "eol" || ok["process"] != "zincati" {
		t.Errorf("success record fields = %v", ok)
	}
	if _, has := ok["error"]; has {
		t.Errorf("success record has error: %v", ok)
	}
	if failed["level"] != "ERROR" || failed["result"] != "error" || failed["error"] != "disk full" {
		t.Errorf("failure record = %v", failed)
	}
}
