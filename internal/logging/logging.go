package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// NewLogger initialises an slog.Logger with the provided level and format strings.
func NewLogger(levelStr, format string) *slog.Logger {
	return newLogger(os.Stdout, levelStr, format)
}

func newLogger(w io.Writer, levelStr, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(levelStr)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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

// WhatsMeow adapts an slog.Logger to the whatsmeow logging interface so transport
// logs end up in the same sink as the rest of the service.
func WhatsMeow(logger *slog.Logger, module, levelStr string) waLog.Logger {
	return &waLogger{
		base:   logger,
		module: module,
		min:    parseLevel(levelStr),
	}
}

type waLogger struct {
	base   *slog.Logger
	module string
	min    slog.Level
}

func (l *waLogger) log(level slog.Level, msg string, args []interface{}) {
	if level < l.min {
		return
	}
	l.base.Log(context.Background(), level, fmt.Sprintf(msg, args...), "module", l.module)
}

func (l *waLogger) Debugf(msg string, args ...interface{}) { l.log(slog.LevelDebug, msg, args) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.log(slog.LevelInfo, msg, args) }
func (l *waLogger) Warnf(msg string, args ...interface{})  { l.log(slog.LevelWarn, msg, args) }
func (l *waLogger) Errorf(msg string, args ...interface{}) { l.log(slog.LevelError, msg, args) }

func (l *waLogger) Sub(module string) waLog.Logger {
	name := module
	if l.module != "" {
		name = l.module + "/" + module
	}
	return &waLogger{
		base:   l.base,
		module: name,
		min:    l.min,
	}
}
