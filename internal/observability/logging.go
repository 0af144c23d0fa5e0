// Package observability provides structured logging and metrics for the
// Cascade runtime.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging behavior.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format selects the output handler: "json" (production) or "text".
	Format string `yaml:"format"`

	// Output is the destination writer. Defaults to os.Stderr so worker
	// stdio protocols never share a stream with logs.
	Output io.Writer `yaml:"-"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
}

// defaultRedactPatterns matches secret-shaped values that must never reach
// log output. Tool arguments and LLM prompts flow through logs at debug
// level, so redaction is applied unconditionally.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)[\s:=]+\S+`),
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
}

// NewLogger builds a slog.Logger from the config and installs redaction of
// secret-shaped attribute values.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	redacted := Redact(s)
	if redacted != s {
		a.Value = slog.StringValue(redacted)
	}
	return a
}

// Redact replaces secret-shaped substrings with a placeholder.
func Redact(s string) string {
	for _, re := range defaultRedactPatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
	}
	return s
}
