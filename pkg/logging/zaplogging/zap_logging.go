package zaplogging

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"
	"github.com/core-tools/hsu-workerdeploy/pkg/logging"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configure the zap backend
type Options struct {
	Level string // debug, info, warn, error
	JSON  bool   // JSON encoder instead of console
}

// ParseLevel maps a configuration log level to a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", level),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}
}

// NewZapLogger builds a zap logger writing to stderr
func NewZapLogger(options Options) (*zap.Logger, error) {
	level, err := ParseLevel(options.Level)
	if err != nil {
		return nil, err
	}

	encoding := "console"
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if options.JSON {
		encoding = "json"
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	zapLogger, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, errors.NewInternalError("failed to build zap logger", err)
	}
	return zapLogger, nil
}

// LogFuncs adapts a zap logger to logging.LogFuncs
func LogFuncs(zapLogger *zap.Logger) logging.LogFuncs {
	sugar := zapLogger.Sugar()
	return logging.LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}

// NewLogger creates a module logger backed by zap
func NewLogger(prefix string, zapLogger *zap.Logger) logging.Logger {
	return logging.NewLogger(prefix, LogFuncs(zapLogger))
}
