package logging

import (
	"context"
	"time"
)

// DetachContext returns a context that keeps parent's values but ignores its cancellation.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout detaches from parent and applies a fresh deadline.
// The pipeline uses it for work that must finish after the request budget expires,
// such as producing an apology or persisting the failed turn.
//
//	apologyCtx, cancel := logging.DetachContextWithTimeout(ctx, 2*time.Second)
//	defer cancel()
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
