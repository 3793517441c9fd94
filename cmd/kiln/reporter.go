package main

import (
	"context"

	"github.com/getsentry/sentry-go"

	"github.com/seantiz/kiln/internal/worker"
)

// sentryReporter forwards engine failures to Sentry, tagged with their kind.
type sentryReporter struct {
	hub *sentry.Hub
}

func newSentryReporter(hub *sentry.Hub) *sentryReporter {
	return &sentryReporter{hub: hub}
}

// Report implements worker.Reporter.
func (r *sentryReporter) Report(_ context.Context, e *worker.Error) {
	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(e.Kind))
		scope.SetLevel(sentry.LevelError)
		hub.CaptureException(e)
	})
}
