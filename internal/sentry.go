package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault returns the hub attached to ctx, or
// sentry.CurrentHub when ctx carries none.
//
// Sentry's HTTP middleware attaches a hub to each request context, but the
// feed goroutines here report errors from contexts that never pass through
// that middleware, so those reports need the fallback. Never returns nil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}
