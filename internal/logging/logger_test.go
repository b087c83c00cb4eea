// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "", want: slog.LevelInfo},
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q): expected %v got %v", tc.in, tc.want, got)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if logger := NewLogger("dev", "debug"); logger == nil {
		t.Fatal("expected dev logger")
	}
	if logger := NewLogger("prod", "info"); logger == nil {
		t.Fatal("expected prod logger")
	}
}

func TestProdLoggerWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(&buf, "prod", "info"), "engine")

	logger.Debug("hidden")
	logger.Info("run finished", "event_id", "42")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "hidden") {
		t.Fatalf("expected debug record to be filtered, got %s", line)
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("expected JSON record: %v (%s)", err, line)
	}
	if rec["component"] != "engine" {
		t.Fatalf("expected component=engine got %v", rec["component"])
	}
	if rec["event_id"] != "42" {
		t.Fatalf("expected event_id=42 got %v", rec["event_id"])
	}
}
