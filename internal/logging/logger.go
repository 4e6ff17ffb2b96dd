package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const TraceIDKey = "trace_id"

// Logger is the context-aware logging interface used across the codebase.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

// Config controls the zap logger construction.
type Config struct {
	Level    string `yaml:"level"`  // debug/info/warn/error
	Format   string `yaml:"format"` // json or console
	Output   string `yaml:"output"` // stdout, stderr or a file path
	FileDir  string `yaml:"file_dir"`
	Rotate   bool   `yaml:"rotate"`
	MaxAgeDd int    `yaml:"max_age_days"`
}

type zapLogger struct {
	l *zap.Logger
}

// New builds a Logger from config. Errors only on unwritable file output.
func New(cfg Config) (Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		enc = zapcore.NewConsoleEncoder(encoderConfig)
	}

	ws, err := buildWriteSyncer(cfg)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(enc, ws, parseLevel(cfg.Level))
	return &zapLogger{l: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func buildWriteSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "file":
		if cfg.FileDir == "" {
			return nil, fmt.Errorf("file_dir is required when output is 'file'")
		}
		if err := os.MkdirAll(cfg.FileDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.FileDir, "warmq.log")
		if cfg.Rotate {
			maxAge := cfg.MaxAgeDd
			if maxAge <= 0 {
				maxAge = 7
			}
			return zapcore.AddSync(&lumberjack.Logger{
				Filename:  logFile,
				MaxSize:   100, // MB
				MaxAge:    maxAge,
				Compress:  true,
				LocalTime: true,
			}), nil
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return zapcore.AddSync(f), nil
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return zapcore.AddSync(f), nil
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *zapLogger) log(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) {
	all := append([]zap.Field{zap.String(TraceIDKey, traceIDFrom(ctx))}, fields...)
	if ce := z.l.Check(level, msg); ce != nil {
		ce.Write(all...)
	}
}

func (z *zapLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	z.log(ctx, zapcore.DebugLevel, msg, fields...)
}
func (z *zapLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	z.log(ctx, zapcore.InfoLevel, msg, fields...)
}
func (z *zapLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	z.log(ctx, zapcore.WarnLevel, msg, fields...)
}
func (z *zapLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	z.log(ctx, zapcore.ErrorLevel, msg, fields...)
}
func (z *zapLogger) With(fields ...zap.Field) Logger { return &zapLogger{l: z.l.With(fields...)} }
func (z *zapLogger) Sync() error                     { return z.l.Sync() }

type ctxKey string

const traceCtxKey ctxKey = TraceIDKey

// WithTraceID stores a trace id in the context for correlated logging.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceCtxKey, traceID)
}

func traceIDFrom(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(traceCtxKey).(string); ok && v != "" {
			return v
		}
	}
	return uuid.New().String()
}
