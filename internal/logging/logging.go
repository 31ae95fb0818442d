// Package logging configures the process-wide zerolog logger with
// secret redaction.
package logging

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Kkasuga904/sedori/internal/config"
)

const redactedMarker = "[REDACTED]"

// RedactingWriter replaces every configured secret value with a marker
// before bytes reach the sink. zerolog emits one Write per event, so a
// secret never straddles two writes.
type RedactingWriter struct {
	sink    io.Writer
	secrets [][]byte
}

func NewRedactingWriter(sink io.Writer, secrets []string) *RedactingWriter {
	bs := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			bs = append(bs, []byte(s))
		}
	}
	return &RedactingWriter{sink: sink, secrets: bs}
}

func (w *RedactingWriter) Write(p []byte) (int, error) {
	out := p
	for _, secret := range w.secrets {
		if bytes.Contains(out, secret) {
			out = bytes.ReplaceAll(out, secret, []byte(redactedMarker))
		}
	}
	if _, err := w.sink.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Setup builds the root logger. levelOverride, when non-empty, wins
// over the configured level.
func Setup(obs config.ObservabilitySettings, levelOverride string, secrets []string) zerolog.Logger {
	level := obs.LogLevel
	if levelOverride != "" {
		level = levelOverride
	}

	var sink io.Writer = NewRedactingWriter(os.Stderr, secrets)
	if !obs.JSONLogs {
		sink = zerolog.ConsoleWriter{Out: sink}
	}
	return zerolog.New(sink).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
