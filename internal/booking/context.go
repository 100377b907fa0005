package booking

import "context"

type contextKey string

const idempotencyKey contextKey = "idempotencyKey"

// WithIdempotencyKey tags ctx so that a retried Book returns the
// reservation created by the first attempt.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey, key)
}

func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey).(string)

	return key, ok
}
