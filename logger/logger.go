package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. Development mode switches to the console encoder.
func New(env, levelName string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if env == "development" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := zapcore.InfoLevel
	if levelName != "" {
		if err := level.UnmarshalText([]byte(levelName)); err != nil {
			level = zapcore.InfoLevel
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	l, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	return l, nil
}

// Must is New that falls back to a production logger on error.
func Must(env, levelName string) *zap.Logger {
	l, err := New(env, levelName)
	if err != nil {
		l, _ = zap.NewProduction()
	}
	return l
}

// Sync flushes buffered entries. Errors on stdout/stderr sync are ignored.
func Sync(l *zap.Logger) {
	if l != nil {
		_ = l.Sync()
	}
}
