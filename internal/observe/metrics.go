// Package observe provides the bridge's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so the HTTP
// transport can expose a standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all bridge metrics.
const meterName = "github.com/codemode/bridge"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// EvalDuration tracks end-to-end sandbox_eval_js latency.
	EvalDuration metric.Float64Histogram

	// Evals counts script evaluations. Use with attributes:
	//   attribute.String("executor", ...), attribute.String("status", ...)
	Evals metric.Int64Counter

	// ToolCalls counts sandbox→upstream tool round-trips. Use with:
	//   attribute.String("server", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// UpstreamReconnects counts background reconnect attempts by server.
	UpstreamReconnects metric.Int64Counter

	// ActiveSessions tracks the number of live sandbox sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SearchQueries counts sandbox_search_functions invocations.
	SearchQueries metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// sandbox executions, which range from sub-millisecond in-process runs to
// multi-second container round-trips.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EvalDuration, err = m.Float64Histogram("codemode.eval.duration",
		metric.WithDescription("End-to-end sandbox script evaluation latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Evals, err = m.Int64Counter("codemode.evals",
		metric.WithDescription("Total script evaluations by executor kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("codemode.tool.calls",
		metric.WithDescription("Total upstream tool round-trips by server and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("codemode.upstream.reconnects",
		metric.WithDescription("Total background reconnect attempts by server."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("codemode.active_sessions",
		metric.WithDescription("Number of live sandbox sessions."),
	); err != nil {
		return nil, err
	}
	if met.SearchQueries, err = m.Int64Counter("codemode.search.queries",
		metric.WithDescription("Total tool search queries."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider. Panics if instrument creation fails
// (does not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}
