package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupLogger_DoesNotPanicForAllCombinations(t *testing.T) {
	formats := []string{"json", "text", "JSON", "", "unknown"}
	levels := []string{"debug", "info", "warn", "warning", "error", "ERROR", "", "unknown"}

	for _, format := range formats {
		for _, level := range levels {
			t.Run(format+"/"+level, func(t *testing.T) {
				defer func() {
					if r := recover(); r != nil {
						t.Errorf("SetupLogger(%q, %q) panicked: %v", format, level, r)
					}
				}()
				SetupLogger(format, level)
			})
		}
	}
	// Restore a quiet default so other tests in this binary are unaffected.
	SetupLogger("text", "error")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", "info")).Info("entry revealed", "entry_id", "7")

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if obj["msg"] != "entry revealed" || obj["entry_id"] != "7" {
		t.Errorf("unexpected record: %v", obj)
	}
	if _, ok := obj["source"]; ok {
		t.Error("source must only be added at debug level")
	}
}

func TestNewHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "text", "warn"))
	logger.Info("should be suppressed")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should be suppressed") {
		t.Error("Info record appeared despite warn level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("Warn record was unexpectedly suppressed")
	}
}

func TestNewHandler_RedactsSecretAttributes(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			slog.New(NewHandler(&buf, format, "debug")).Info("oops",
				"secret", "hunter2",
				"Password", "p4ss",
				slog.Group("req", slog.String("authorization", "Bearer abc.def")),
				"otp_code", "123456",
				"title", "FW Admin")

			out := buf.String()
			for _, leaked := range []string{"hunter2", "p4ss", "abc.def", "123456"} {
				if strings.Contains(out, leaked) {
					t.Errorf("output leaks %q: %s", leaked, out)
				}
			}
			if !strings.Contains(out, Redacted) {
				t.Errorf("output has no redaction marker: %s", out)
			}
			if !strings.Contains(out, "FW Admin") {
				t.Errorf("non-sensitive attribute was dropped: %s", out)
			}
		})
	}
}
