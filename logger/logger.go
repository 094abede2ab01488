// Package logger wraps zap with the args-to-fields helper API used
// throughout the orchestrator, and a selectable console/json/logfmt encoder.
package logger

import (
	"os"
	"time"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. InitLogger must run before use.
var Logger *zap.Logger

// InitLogger configures the global Logger for the given level and format
// ("console", "json", or "logfmt").
func InitLogger(level, format string) {
	zapcoreLevel := ConvertLevelToZapCoreLevel(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     "\n",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writer := zapcore.AddSync(os.Stdout)
	core := zapcore.NewCore(encoder, writer, zapcoreLevel)
	Logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

func Info(msg string, args ...interface{}) {
	Logger.Info(msg, ConvertArgsToFields(args...)...)
}

func Error(msg string, args ...interface{}) {
	Logger.Error(msg, ConvertArgsToFields(args...)...)
}

func Debug(msg string, args ...interface{}) {
	Logger.Debug(msg, ConvertArgsToFields(args...)...)
}

func Fatal(msg string, args ...interface{}) {
	Logger.Fatal(msg, ConvertArgsToFields(args...)...)
}

func Warn(msg string, args ...interface{}) {
	Logger.Warn(msg, ConvertArgsToFields(args...)...)
}

func ConvertArgsToFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, len(args))
	for i, arg := range args {
		fields[i] = convertToField(arg)
	}
	return fields
}

// convertToField converts an argument to a zap.Field based on its type.
func convertToField(arg interface{}) zap.Field {
	switch v := arg.(type) {
	case string:
		return zap.String("string", v)
	case int:
		return zap.Int("int", v)
	case int64:
		return zap.Int64("int64", v)
	case float64:
		return zap.Float64("float64", v)
	case bool:
		return zap.Bool("bool", v)
	case time.Duration:
		return zap.Duration("duration", v)
	case error:
		return zap.Error(v)
	case zap.Field:
		return v
	default:
		return zap.Any("any", v)
	}
}

func ConvertLevelToZapCoreLevel(level string) zapcore.LevelEnabler {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
