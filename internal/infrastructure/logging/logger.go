package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/graygate/internal/infrastructure/config"
)

// Log types attached to records under the "type" key so that operators can
// route request logs separately from lifecycle logs.
const (
	TypeStartup    = "startup"
	TypeHTTP       = "http-log"
	TypeWebSocket  = "websocket-log"
	TypeSchemaSync = "schema-sync-log"
)

// Redacted replaces the value of any attribute whose key names a credential.
const Redacted = "[redacted]"

// sensitiveKeys are matched case-insensitively against attribute keys,
// including keys nested in groups.
var sensitiveKeys = map[string]struct{}{
	"authorization":         {},
	"cookie":                {},
	"x-hasura-admin-secret": {},
	"admin_secret":          {},
	"admin_secrets":         {},
	"password":              {},
	"token":                 {},
	"jwt_secret":            {},
}

// Logger is the gateway's structured logger. Every record carries the
// service name and build version; request records also carry a log type.
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to the destination named by cfg.Output.
//
// Parameters:
//   - cfg: Logging configuration (level, json/text format, stdout/stderr)
//   - version: Build version attached to every record
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination. Output in cfg is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler = slog.NewJSONHandler(output, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "graygate"),
		slog.String("version", version),
	}))}
}

// redact masks credential values so that header maps and config sections
// can be logged as-is.
func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// parseLevel maps debug, info, warn(ing) and error to slog levels.
// Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ForType returns a Logger whose records carry the given log type.
func (l *Logger) ForType(logType string) *Logger {
	return l.With("type", logType)
}

// Default is the JSON, info level, stdout logger used before the
// configuration has been loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard returns a logger that drops every record. Intended for tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}
