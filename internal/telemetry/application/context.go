package application

import "context"

type sourceKey struct{}

// SourceUnknown labels batches submitted without a transport name.
const SourceUnknown = "unknown"

// WithSource tags ctx with the transport that submitted a batch.
func WithSource(ctx context.Context, source string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the transport name stored in ctx.
func SourceFromContext(ctx context.Context) string {
	if ctx == nil {
		return SourceUnknown
	}
	if source, ok := ctx.Value(sourceKey{}).(string); ok && source != "" {
		return source
	}
	return SourceUnknown
}
