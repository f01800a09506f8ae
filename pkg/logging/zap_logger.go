// Package logging backs the core.Logger/core.ComponentLogger contracts with
// go.uber.org/zap, the structured-logging library used across the retrieval
// pack's production-grade repos.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/neuralcore/engine/pkg/core"
)

// ZapLogger adapts a *zap.Logger to core.ComponentLogger.
type ZapLogger struct {
	z         *zap.Logger
	component string
}

// New builds a ZapLogger. development=true uses zap's console-friendly
// development config (debug level, human-readable); otherwise a JSON
// production config at info level.
func New(development bool) (*ZapLogger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{z: z}, nil
}

func (l *ZapLogger) fields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if l.component != "" {
		out = append(out, zap.String("component", l.component))
	}
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.z.Info(msg, l.fields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.z.Warn(msg, l.fields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.z.Error(msg, l.fields(fields)...)
}

func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.z.Debug(msg, l.fields(fields)...)
}

// WithComponent returns a logger that tags every entry with component.
func (l *ZapLogger) WithComponent(component string) core.Logger {
	return &ZapLogger{z: l.z, component: component}
}

// Sync flushes buffered log entries; call during shutdown.
func (l *ZapLogger) Sync() error { return l.z.Sync() }

var _ core.ComponentLogger = (*ZapLogger)(nil)
