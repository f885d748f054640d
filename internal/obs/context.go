package obs

import "context"

type routePatternKey struct{}

// WithRoutePattern stores the matched router pattern so later middleware and
// metrics label on the pattern, not the raw path.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePattern returns the stored pattern, or "" when none was matched.
func RoutePattern(ctx context.Context) string {
	if v, ok := ctx.Value(routePatternKey{}).(string); ok {
		return v
	}
	return ""
}
