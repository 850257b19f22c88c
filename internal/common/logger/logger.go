// Package logger wraps zap with the context fields the client attaches to
// log lines: session, turn, tool call and agent.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects level, encoding and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Format     string `mapstructure:"format"`     // json or text
	OutputPath string `mapstructure:"outputPath"` // stderr, stdout or a file
}

// Logger is a zap logger carrying client context fields.
type Logger struct {
	zap *zap.Logger
}

// NewNop returns a logger that discards everything. Library packages use it
// when the caller supplied none.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// FromZap wraps z.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z}
}

// NewLogger builds a logger from cfg. An unknown level falls back to info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), sink, zap.NewAtomicLevelAt(level))
	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder

	if f := strings.ToLower(format); f == "text" || f == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}

// ParseLevel accepts a level name in any case, with surrounding space.
func ParseLevel(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
}

// DetectFormat picks json under Kubernetes or CODEY_ENV=production, text
// everywhere else.
func DetectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	switch os.Getenv("CODEY_ENV") {
	case "production", "prod":
		return "json"
	}
	return "text"
}

func (l *Logger) Sync() error { return l.zap.Sync() }

// Zap exposes the wrapped logger.
func (l *Logger) Zap() *zap.Logger { return l.zap }

func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

func (l *Logger) WithError(err error) *Logger { return l.WithFields(zap.Error(err)) }

func (l *Logger) WithSessionID(id string) *Logger {
	return l.WithFields(zap.String("session_id", id))
}

func (l *Logger) WithTurnID(id string) *Logger { return l.WithFields(zap.String("turn_id", id)) }

func (l *Logger) WithCallID(id string) *Logger { return l.WithFields(zap.String("call_id", id)) }

func (l *Logger) WithAgentID(id uint32) *Logger { return l.WithFields(zap.Uint32("agent_id", id)) }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }

func (l *Logger) Info(msg string, fields ...zap.Field) { l.zap.Info(msg, fields...) }

func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zap.Warn(msg, fields...) }

func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
