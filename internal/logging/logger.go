// Package logging provides the printf-style Logger used across mcp-assistant.
//
// The Logger is backed by zap so that components needing structured fields
// (the HTTP request middleware, for example) can share the same sink through Zap().
// Every method is safe to call on a nil *Logger.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes human-readable log lines and optional JSON-RPC traces.
type Logger struct {
	mu          sync.RWMutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
	level       zap.AtomicLevel
	zl          *zap.Logger
}

// NewLogger creates a Logger writing to stdout.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	l := &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
		level:       zap.NewAtomicLevelAt(levelFor(verbose)),
	}
	l.zl = l.build()
	return l
}

func levelFor(verbose bool) zapcore.Level {
	if verbose {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func (l *Logger) build() *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		NameKey:          "logger",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	if l.useColor {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(l.writer), l.level)
	return zap.New(core)
}

// Zap returns the underlying zap logger. A nil Logger yields a no-op logger.
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

// Verbose reports whether verbose output is enabled.
func (l *Logger) Verbose() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

// SetVerbose toggles verbose output.
func (l *Logger) SetVerbose(verbose bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
	l.level.SetLevel(levelFor(verbose))
}

// SetWriter redirects all subsequent output to w.
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
	l.zl = l.build()
}

func (l *Logger) log(level zapcore.Level, prefix, format string, args ...interface{}) {
	if l == nil {
		return
	}
	msg := prefix + fmt.Sprintf(format, args...)
	zl := l.Zap()
	if ce := zl.Check(level, msg); ce != nil {
		ce.Write()
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(zapcore.InfoLevel, "", format, args...)
}

// Success logs a message marking a completed step.
func (l *Logger) Success(format string, args ...interface{}) {
	l.log(zapcore.InfoLevel, "✓ ", format, args...)
}

// Warning logs a warning.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(zapcore.WarnLevel, "", format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(zapcore.ErrorLevel, "", format, args...)
}

// Debug logs only in verbose mode.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(zapcore.DebugLevel, "", format, args...)
}

// InfoVerbose logs an info message only when verbose mode is enabled.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Info(format, args...)
}

// WarningVerbose logs a warning only when verbose mode is enabled.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.Verbose() {
		return
	}
	l.Warning(format, args...)
}

// Request traces an outgoing request.
func (l *Logger) Request(method string, params interface{}) {
	l.trace("→", method, params)
}

// Response traces the response to a request.
func (l *Logger) Response(method string, result interface{}) {
	l.trace("←", method, result)
}

func (l *Logger) trace(arrow, method string, payload interface{}) {
	if l == nil {
		return
	}
	l.mu.RLock()
	jsonRPC := l.jsonRPCMode
	l.mu.RUnlock()

	if jsonRPC {
		l.Info("%s %s\n%s", arrow, method, PrettyJSON(payload))
		return
	}
	l.Debug("%s %s", arrow, method)
}

// PrettyJSON renders v as indented JSON, falling back to %+v.
func PrettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
