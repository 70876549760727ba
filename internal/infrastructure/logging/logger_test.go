package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return rec
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewWithWriter_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info"}, "2.0.0", &buf)

	logger.ForType(TypeHTTP).Info("request", "request_id", "abc", "status", 200)

	rec := decodeRecord(t, &buf)
	checks := map[string]any{
		"msg":        "request",
		"type":       TypeHTTP,
		"service":    "graygate",
		"version":    "2.0.0",
		"request_id": "abc",
		"status":     float64(200),
	}
	for k, want := range checks {
		if rec[k] != want {
			t.Errorf("%s = %v, want %v", k, rec[k], want)
		}
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "TEXT"}, "dev", &buf)

	logger.Info("schema cache ready", "resource_version", 3)

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Fatalf("expected text output, got %q", out)
	}
	if !strings.Contains(out, "resource_version=3") {
		t.Errorf("output %q missing resource_version=3", out)
	}
}

func TestNewWithWriter_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, "dev", &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info record to be filtered, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected warn record in output, got %q", buf.String())
	}
}

func TestNewWithWriter_RedactsCredentials(t *testing.T) {
	tests := []struct {
		name string
		log  func(l *Logger)
		key  []string
	}{
		{
			name: "top level",
			log:  func(l *Logger) { l.Info("auth", "Authorization", "Bearer abc.def") },
			key:  []string{"Authorization"},
		},
		{
			name: "admin secret header",
			log:  func(l *Logger) { l.Info("auth", "x-hasura-admin-secret", "s3cret") },
			key:  []string{"x-hasura-admin-secret"},
		},
		{
			name: "inside a group",
			log: func(l *Logger) {
				l.Info("mqtt", slog.Group("auth", slog.String("username", "gw"), slog.String("password", "pw")))
			},
			key: []string{"auth", "password"},
		},
		{
			name: "added with With",
			log:  func(l *Logger) { l.With("token", "influx-token").Info("connected") },
			key:  []string{"token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewWithWriter(config.LoggingConfig{Level: "info"}, "dev", &buf))

			rec := decodeRecord(t, &buf)
			var got any = rec
			for _, k := range tt.key {
				m, ok := got.(map[string]any)
				if !ok {
					t.Fatalf("record %v has no group for %q", rec, k)
				}
				got = m[k]
			}
			if got != Redacted {
				t.Errorf("%s = %v, want %q", strings.Join(tt.key, "."), got, Redacted)
			}
		})
	}
}

func TestNewWithWriter_KeepsOrdinaryValues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info"}, "dev", &buf)

	logger.Info("mqtt", slog.Group("auth", slog.String("username", "gw")))

	rec := decodeRecord(t, &buf)
	group, _ := rec["auth"].(map[string]any)
	if group["username"] != "gw" {
		t.Errorf("auth.username = %v, want gw", group["username"])
	}
}

func TestLogger_WithReturnsChild(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(config.LoggingConfig{Level: "info"}, "dev", &buf)
	child := parent.With("component", "schemasync")

	if child == parent {
		t.Fatal("expected child logger to be different from parent")
	}
	parent.Info("parent")
	if strings.Contains(buf.String(), "schemasync") {
		t.Errorf("parent record carries child attribute: %q", buf.String())
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("expected non-nil default logger")
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing happens")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled")
	}
}
