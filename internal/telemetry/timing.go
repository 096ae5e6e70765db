package telemetry

import (
	"context"

	servertiming "github.com/mitchellh/go-server-timing"
)

// StartTiming adds a Server-Timing metric to the request in ctx and returns
// the function that stops it. Outside an HTTP request it does nothing.
func StartTiming(ctx context.Context, name string) func() {
	timing := servertiming.FromContext(ctx)
	if timing == nil {
		return func() {}
	}
	m := timing.NewMetric(name).Start()
	return func() { m.Stop() }
}
