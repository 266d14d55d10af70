package logger

import "context"

// LogCtx holds the request-scoped fields the handler adds to every record.
type LogCtx struct {
	Action    string
	RequestID string
	DeviceID  int64
}

type logCtxKeyStruct struct{}

var logCtxKey = logCtxKeyStruct{}

func fromContext(ctx context.Context) LogCtx {
	lc, _ := ctx.Value(logCtxKey).(LogCtx)
	return lc
}

func WithAction(ctx context.Context, action string) context.Context {
	lc := fromContext(ctx)
	lc.Action = action
	return context.WithValue(ctx, logCtxKey, lc)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	lc := fromContext(ctx)
	lc.RequestID = requestID
	return context.WithValue(ctx, logCtxKey, lc)
}

func WithDeviceID(ctx context.Context, deviceID int64) context.Context {
	lc := fromContext(ctx)
	lc.DeviceID = deviceID
	return context.WithValue(ctx, logCtxKey, lc)
}

func RequestID(ctx context.Context) string {
	return fromContext(ctx).RequestID
}
