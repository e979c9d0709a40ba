package operation

import "context"

type ctxKey int

const (
	ctxKeyOperationID ctxKey = iota
	ctxKeyTraceID
)

// WithID attaches the executing operation's id to ctx. The dispatcher sets
// this before invoking a provider so the provider can tag the synthetic
// change it emits with Local{operation_id}, which is what lets a UI match a
// live row update back to its own write.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyOperationID, id)
}

// IDFromContext returns the executing operation's id, if any.
func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyOperationID).(string)
	return id, ok && id != ""
}

// WithTraceID attaches a trace id for cross-component correlation.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, id)
}

// TraceIDFromContext returns the trace id, if any.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyTraceID).(string)
	return id, ok && id != ""
}
