package logger_wrapper

import (
	"context"
	"time"
)

type LogEntry struct {
	Msg       string
	Args      any
	Result    any
	Error     error
	Component string
	Method    string
	Resource  string
	Start     *time.Time
}

type correlationKey struct{}

// WithCorrelationID кладёт идентификатор запроса в контекст, движок добавит его в каждую запись
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
