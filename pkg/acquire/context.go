package acquire

import "context"

type coordinatorKey struct{}

// WithCoordinator returns a context carrying c for request-scoped access.
func WithCoordinator(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, c)
}

// FromContext returns the coordinator stored by WithCoordinator.
func FromContext(ctx context.Context) (*Coordinator, bool) {
	c, ok := ctx.Value(coordinatorKey{}).(*Coordinator)
	return c, ok && c != nil
}
