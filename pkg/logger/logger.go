// Copyright 2026 Capiroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger configures the process-wide slog logger.
//
// Below debug level, records emitted by third-party libraries are
// suppressed so routing logs stay readable; at debug everything passes
// through.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const modulePrefix = "github.com/capiroute/capiroute"

// ParseLevel converts a level string (debug, info, warn, error) to a
// slog.Level. Unknown strings default to warn.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("unknown log level: %q", levelStr)
	}
}

// filteringHandler drops third-party records unless the level is debug.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if fromThisModule(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), modulePrefix) ||
		strings.Contains(file, "capiroute/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

// textHandler renders "LEVEL message k=v" lines, optionally colored and
// optionally prefixed with a timestamp.
type textHandler struct {
	handler  slog.Handler
	writer   io.Writer
	useColor bool
	withTime bool
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.withTime && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(record.Level.String())
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.useColor {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{
		handler:  h.handler.WithAttrs(attrs),
		writer:   h.writer,
		useColor: h.useColor,
		withTime: h.withTime,
	}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return &textHandler{
		handler:  h.handler.WithGroup(name),
		writer:   h.writer,
		useColor: h.useColor,
		withTime: h.withTime,
	}
}

// Init sets up the process-wide logger.
//
// format "simple" renders level + message only; "verbose" prepends a
// timestamp; anything else falls back to slog's standard text format.
// Colors are enabled automatically when the output is a terminal.
func Init(level slog.Level, output *os.File, format string) {
	opts := &slog.HandlerOptions{Level: level}
	base := slog.NewTextHandler(output, opts)

	var handler slog.Handler = base
	switch format {
	case "simple", "":
		handler = &textHandler{handler: base, writer: output, useColor: isTerminal(output)}
	case "verbose":
		handler = &textHandler{handler: base, writer: output, useColor: isTerminal(output), withTime: true}
	}

	defaultLogger = slog.New(&filteringHandler{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file for appending. It returns the
// file and a cleanup function.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the default logger, initializing it lazily with
// info level and the simple format.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
