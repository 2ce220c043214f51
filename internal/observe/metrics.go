// Package observe provides application-wide observability primitives for
// dialvox: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dialvox metrics.
const meterName = "github.com/dialvox/dialvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTConnectDuration tracks how long the streaming STT session takes to
	// open.
	STTConnectDuration metric.Float64Histogram

	// LLMDuration tracks LLM response latency, first request to stream end.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per utterance.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks the end-to-end latency from a confirmed human turn
	// to the first outbound audio byte of the agent's response.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CallsStarted counts originated calls.
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attribute:
	//   attribute.String("status", ...)
	CallsEnded metric.Int64Counter

	// TranscriptTurns counts confirmed transcript turns. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptTurns metric.Int64Counter

	// DroppedTranscripts counts transcripts dropped by the echo oracle. Use
	// with attribute: attribute.String("verdict", ...)
	DroppedTranscripts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// ControlClients tracks the number of connected control-plane clients.
	ControlClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTConnectDuration, err = m.Float64Histogram("dialvox.stt.connect.duration",
		metric.WithDescription("Latency of opening the streaming STT session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("dialvox.llm.duration",
		metric.WithDescription("Latency of LLM response generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("dialvox.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("dialvox.turn.duration",
		metric.WithDescription("Confirmed human turn to first outbound response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("dialvox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CallsStarted, err = m.Int64Counter("dialvox.calls.started",
		metric.WithDescription("Total originated calls."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("dialvox.calls.ended",
		metric.WithDescription("Total finished calls by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptTurns, err = m.Int64Counter("dialvox.transcript.turns",
		metric.WithDescription("Total confirmed transcript turns by role."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTranscripts, err = m.Int64Counter("dialvox.transcript.dropped",
		metric.WithDescription("Transcripts dropped by the echo oracle, by verdict."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dialvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("dialvox.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.ControlClients, err = m.Int64UpDownCounter("dialvox.control_clients",
		metric.WithDescription("Number of connected control-plane clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dialvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCallEnded records a finished call with its terminal status.
func (m *Metrics) RecordCallEnded(ctx context.Context, status string) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTranscriptTurn records a confirmed transcript turn by role.
func (m *Metrics) RecordTranscriptTurn(ctx context.Context, role string) {
	m.TranscriptTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordDroppedTranscript records a transcript dropped by the echo oracle.
func (m *Metrics) RecordDroppedTranscript(ctx context.Context, verdict string) {
	m.DroppedTranscripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("verdict", verdict)),
	)
}
