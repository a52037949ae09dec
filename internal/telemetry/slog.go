package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Redacted replaces the value of any log attribute whose key names secret material.
const Redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are never written, at any nesting depth.
var sensitiveKeys = map[string]bool{
	"secret":        true,
	"password":      true,
	"passphrase":    true,
	"totp_seed":     true,
	"otp_code":      true,
	"master_key":    true,
	"token":         true,
	"authorization": true,
}

// SetupLogger configures the global slog default logger based on the supplied format and level
// strings read from application configuration.
//
// format: "json" selects a JSONHandler; anything else a TextHandler.
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// The configured logger is installed as the default so all slog.Info/Warn/Error calls elsewhere
// in the application use it without carrying a *slog.Logger in context.
func SetupLogger(format, level string) {
	handler := NewHandler(os.Stdout, format, level)
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
}

// NewHandler builds the handler SetupLogger installs, writing to w.
func NewHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redactAttr,
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a configuration level name to a slog.Level.
func ParseLevel(level string) slog.Level {
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

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}
