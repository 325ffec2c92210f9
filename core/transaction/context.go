package transaction

import "context"

type ctxKey struct{}

// WithTransaction returns a context carrying id as the ambient transaction.
func WithTransaction(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the ambient transaction, if any.
func FromContext(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(ID)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// WithoutTransaction hides any ambient transaction from the callee.
func WithoutTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ID(""))
}
