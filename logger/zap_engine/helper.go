package zap_engine

import (
	"context"
	"time"

	loggerwrapper "github.com/PavelAgarkov/dlock/logger"

	"go.uber.org/zap"
)

func FlushLogs() {
	Sync()
}

func WriteInfoLog(ctx context.Context, entry *loggerwrapper.LogEntry) {
	current().Info(entry.Msg, unpack(ctx, entry)...)
}

func WriteDebugLog(ctx context.Context, entry *loggerwrapper.LogEntry) {
	current().Debug(entry.Msg, unpack(ctx, entry)...)
}

func WriteWarnLog(ctx context.Context, entry *loggerwrapper.LogEntry) {
	current().Warn(entry.Msg, unpack(ctx, entry)...)
}

func WriteErrorLog(ctx context.Context, entry *loggerwrapper.LogEntry) {
	current().Error(entry.Msg, unpack(ctx, entry)...)
}

func WriteFatalLog(ctx context.Context, entry *loggerwrapper.LogEntry) {
	current().Fatal(entry.Msg, unpack(ctx, entry)...)
}

func unpack(ctx context.Context, entry *loggerwrapper.LogEntry) []zap.Field {
	fields := make([]zap.Field, 0, 8)
	if entry.Component != "" {
		fields = append(fields, zap.String("component", entry.Component))
	}
	if entry.Method != "" {
		fields = append(fields, zap.String("method", entry.Method))
	}
	if entry.Resource != "" {
		fields = append(fields, zap.String("resource", entry.Resource))
	}
	if entry.Args != nil {
		fields = append(fields, zap.Any("args", entry.Args))
	}
	if entry.Result != nil {
		fields = append(fields, zap.Any("result", entry.Result))
	}
	if entry.Start != nil {
		fields = append(fields, zap.Duration("latency", time.Since(*entry.Start)))
	}
	if id := loggerwrapper.CorrelationID(ctx); id != "" {
		fields = append(fields, zap.String("correlation_id", id))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	return fields
}
