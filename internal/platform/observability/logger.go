package observability

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the service's JSON logger writing to stdout.
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return zap.New(consoleCore(lvl), loggerOptions(serviceName)...), nil
}

// WithOTelBridge returns a logger that also ships records to the global OpenTelemetry
// logger provider. It is a plain copy of base when no provider was installed.
func WithOTelBridge(base *zap.Logger, serviceName, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	bridge := otelzap.NewCore(serviceName, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	return zap.New(zapcore.NewTee(consoleCore(lvl), bridge), loggerOptions(serviceName)...)
}

func consoleCore(lvl zapcore.Level) zapcore.Core {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		lvl,
	)
}

func loggerOptions(serviceName string) []zap.Option {
	return []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", serviceName)),
	}
}
