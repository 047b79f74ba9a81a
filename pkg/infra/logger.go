package infra

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"revita/clinic/dispatch-queue-server/pkg/config"
)

var (
	// Allow changing log level at run time.
	LoggerLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

type LoggerFactory struct {
	baseLogger *zap.Logger
}

func (f *LoggerFactory) Create(name string) *zap.Logger {
	return f.baseLogger.Named(name)
}

// NewLoggerFactory wraps an existing logger, tests pass zap.NewNop().
func NewLoggerFactory(base *zap.Logger) *LoggerFactory {
	return &LoggerFactory{baseLogger: base}
}

func ProvideLoggerFactory(cfg *config.Config) (*LoggerFactory, error) {
	if err := LoggerLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level[%v]: %w", cfg.LogLevel, err)
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if cfg.LogEncoding == "json" {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	// See the documentation for Config and zapcore.EncoderConfig for all the
	// available options.
	var zapCfg = zap.Config{
		Level:            LoggerLevel,
		Development:      false,
		Encoding:         cfg.LogEncoding,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			// Keys can be anything except the empty string.
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "name",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	logger.Info("logger created")

	return &LoggerFactory{
		baseLogger: logger,
	}, nil
}
