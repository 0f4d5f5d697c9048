package zap_engine

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log         atomic.Pointer[zap.Logger]
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel) // для динамического изменения уровня
)

func init() {
	log.Store(zap.NewNop())
}

func current() *zap.Logger {
	return log.Load()
}

func InitLoggerForStdout(level zapcore.Level, cloud bool, cfg *zapcore.EncoderConfig, option ...zap.Option) error {
	atomicLevel.SetLevel(level)

	var encCfg zapcore.EncoderConfig
	if cfg == nil {
		encCfg = zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			MessageKey:     "message",
			CallerKey:      "caller",
			StacktraceKey:  "stack",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339Nano)) },
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	} else {
		encCfg = *cfg
	}

	var enc zapcore.Encoder
	if cloud {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), atomicLevel)

	opt := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	opt = append(opt, option...)

	log.Store(zap.New(core, opt...))
	return nil
}

// ReplaceLogger подменяет глобальный логгер, возвращает функцию восстановления (нужно в тестах)
func ReplaceLogger(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	prev := log.Swap(l)
	return func() { log.Store(prev) }
}

// SetLevel Позволяет менять уровень в рантайме
func SetLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

func GetLevel() string {
	return atomicLevel.Level().String()
}

func Sync() {
	l := current()
	if l == nil {
		return
	}
	if err := l.Sync(); err != nil && !isIgnorableSyncError(err) {
		fmt.Fprintf(os.Stderr, "zap sync error: %v\n", err)
	}
}

func isIgnorableSyncError(err error) bool {
	if err == nil {
		return true
	}
	var pe *os.PathError
	if errors.As(err, &pe) {
		switch pe.Err {
		case syscall.EINVAL, syscall.ENOTSUP, syscall.ENOSYS:
			return true
		}
	}
	return false
}
