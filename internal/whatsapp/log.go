package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger routes whatsmeow's printf-style logging into slog so library
// output carries the same assistant_id attribute as the gateway's own logs.
type slogLogger struct {
	l     *slog.Logger
	min   slog.Level
	attrs []any
}

// newLogger returns a waLog.Logger for one assistant. Messages below min are
// dropped before formatting; whatsmeow logs a great deal at debug level.
func newLogger(assistantID string, min slog.Level) waLog.Logger {
	return &slogLogger{
		l:     slog.Default(),
		min:   min,
		attrs: []any{"assistant_id", assistantID, "module", "whatsmeow"},
	}
}

func (s *slogLogger) log(level slog.Level, format string, args []any) {
	if level < s.min || !s.l.Enabled(context.Background(), level) {
		return
	}
	s.l.Log(context.Background(), level, "WhatsApp: "+fmt.Sprintf(format, args...), s.attrs...)
}

func (s *slogLogger) Debugf(msg string, args ...interface{}) { s.log(slog.LevelDebug, msg, args) }
func (s *slogLogger) Infof(msg string, args ...interface{})  { s.log(slog.LevelInfo, msg, args) }
func (s *slogLogger) Warnf(msg string, args ...interface{})  { s.log(slog.LevelWarn, msg, args) }
func (s *slogLogger) Errorf(msg string, args ...interface{}) { s.log(slog.LevelError, msg, args) }

func (s *slogLogger) Sub(module string) waLog.Logger {
	attrs := make([]any, 0, len(s.attrs))
	for i := 0; i+1 < len(s.attrs); i += 2 {
		if s.attrs[i] == "module" {
			attrs = append(attrs, "module", fmt.Sprintf("%v/%s", s.attrs[i+1], module))
			continue
		}
		attrs = append(attrs, s.attrs[i], s.attrs[i+1])
	}
	return &slogLogger{l: s.l, min: s.min, attrs: attrs}
}

// parseLevel maps a config string to a slog level, defaulting to warn.
func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelWarn
	}
	return lvl
}
