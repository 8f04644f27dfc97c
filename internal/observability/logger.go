// Package observability provides logging and metrics for abrengine.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/m-mizutani/masq"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/abrengine/internal/config"
)

const redacted = "[REDACTED]"

// sensitiveParamPattern matches credential-bearing query parameters in
// segment and manifest URLs (signed CDN URLs, API keys).
var sensitiveParamPattern = regexp.MustCompile(
	`(?i)([?&](?:password|secret|token|apikey|api_key|credential|sig|signature|key|policy|key-pair-id)=)[^&#\s]*`)

var sensitiveFields = []string{
	"password", "Password", "secret", "Secret", "token", "Token",
	"apikey", "ApiKey", "api_key", "credential", "Credential",
	"authorization", "Authorization",
}

// NewLogger builds the process logger on stderr, keeping stdout free for
// command output.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter builds a JSON (default) or text logger on w. String
// attributes pass through RedactURL and credential fields are masked.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)

	maskOpts := make([]masq.Option, 0, len(sensitiveFields))
	for _, name := range sensitiveFields {
		maskOpts = append(maskOpts, masq.WithFieldName(name))
	}
	redact := masq.New(maskOpts...)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(RedactURL(a.Value.String()))
			}
			return redact(groups, a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// RedactURL replaces the values of credential query parameters.
func RedactURL(s string) string {
	return sensitiveParamPattern.ReplaceAllString(s, "${1}"+redacted)
}

// Discard drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewSessionID returns a sortable identifier for one playback session.
func NewSessionID() string {
	return ulid.Make().String()
}

// WithSession tags every record with the engine run it belongs to.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String("session_id", sessionID))
}

// WithComponent names the engine part emitting the record, e.g. "fetcher".
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

func WithMediaType(logger *slog.Logger, mediaType string) *slog.Logger {
	return logger.With(slog.String("media_type", mediaType))
}

func WithPeriod(logger *slog.Logger, periodID string) *slog.Logger {
	return logger.With(slog.String("period_id", periodID))
}

func WithRepresentation(logger *slog.Logger, representationID string) *slog.Logger {
	return logger.With(slog.String("representation_id", representationID))
}
