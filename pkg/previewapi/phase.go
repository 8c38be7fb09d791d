package previewapi

import "context"

type phaseKey struct{}

// WithPhase returns a context whose pipeline steps report their phase to fn.
func WithPhase(ctx context.Context, fn func(Status)) context.Context {
	return context.WithValue(ctx, phaseKey{}, fn)
}

// ReportPhase is a no-op when ctx carries no phase listener.
func ReportPhase(ctx context.Context, s Status) {
	if fn, ok := ctx.Value(phaseKey{}).(func(Status)); ok && fn != nil {
		fn(s)
	}
}
