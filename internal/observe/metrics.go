// Package observe provides the observability primitives shared by the call
// engine: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped from
// /metrics through the Prometheus exporter bridge set up by [InitProvider].
// Tests should build their own [Metrics] with [NewMetrics] over a manual
// reader rather than using [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/callwright"

// Metrics holds all instruments. The OTel types are safe for concurrent use.
type Metrics struct {
	// ── Sessions ──────────────────────────────────────────────────────────────

	// ActiveSessions is 1 while a call is live.
	ActiveSessions metric.Int64UpDownCounter

	// SessionOutcomes counts ended calls by "outcome" (lead status, or "error").
	SessionOutcomes metric.Int64Counter

	// ConnectDuration tracks how long the remote endpoint took to open.
	ConnectDuration metric.Float64Histogram

	// Interruptions counts barge-ins.
	Interruptions metric.Int64Counter

	// TransportErrors counts transport failures by "provider".
	TransportErrors metric.Int64Counter

	// ── Audio ─────────────────────────────────────────────────────────────────

	// FramesSent and FramesDropped count outbound capture frames.
	FramesSent    metric.Int64Counter
	FramesDropped metric.Int64Counter

	// ── Analysis ──────────────────────────────────────────────────────────────

	// AnalysisStages counts stage results by "stage" and "status".
	AnalysisStages metric.Int64Counter

	// AnalysisDuration tracks stage latency by "stage".
	AnalysisDuration metric.Float64Histogram

	// ProviderRequests counts LLM calls by "provider" and "status".
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts LLM failures by "provider".
	ProviderErrors metric.Int64Counter

	// ── Storage ───────────────────────────────────────────────────────────────

	// StoreWrites counts KV writes by "key" and "status".
	StoreWrites metric.Int64Counter

	// ── HTTP ──────────────────────────────────────────────────────────────────

	// HTTPRequestDuration tracks request latency by "method" and "route".
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("callwright.sessions.active",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("callwright.sessions.outcomes",
		metric.WithDescription("Ended calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("callwright.sessions.connect.duration",
		metric.WithDescription("Latency of opening the remote agent connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("callwright.sessions.interruptions",
		metric.WithDescription("Agent speech cut off by the human."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("callwright.transport.errors",
		metric.WithDescription("Remote endpoint failures by provider."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("callwright.audio.frames.sent",
		metric.WithDescription("Capture frames delivered to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callwright.audio.frames.dropped",
		metric.WithDescription("Capture frames dropped because the send queue was full."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisStages, err = m.Int64Counter("callwright.analysis.stages",
		metric.WithDescription("Post-call analysis stage results by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("callwright.analysis.duration",
		metric.WithDescription("Post-call analysis stage latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("callwright.llm.requests",
		metric.WithDescription("LLM requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callwright.llm.errors",
		metric.WithDescription("LLM failures by provider."),
	); err != nil {
		return nil, err
	}
	if met.StoreWrites, err = m.Int64Counter("callwright.store.writes",
		metric.WithDescription("Persistence writes by key and status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwright.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built on the global meter
// provider. It panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// StatusLabel maps an error to "ok" or "error".
func StatusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSessionOutcome counts an ended call.
func (m *Metrics) RecordSessionOutcome(ctx context.Context, outcome string) {
	m.SessionOutcomes.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordTransportError counts a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, provider string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider)))
}

// RecordAnalysisStage counts a stage result and records its latency.
func (m *Metrics) RecordAnalysisStage(ctx context.Context, stage, status string, seconds float64) {
	m.AnalysisStages.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage), Attr("status", status)))
	m.AnalysisDuration.Record(ctx, seconds, metric.WithAttributes(Attr("stage", stage)))
}

// RecordProviderRequest counts an LLM request.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("status", status)))
}

// RecordProviderError counts an LLM failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider)))
}

// RecordStoreWrite counts a persistence write.
func (m *Metrics) RecordStoreWrite(ctx context.Context, key string, err error) {
	m.StoreWrites.Add(ctx, 1, metric.WithAttributes(Attr("key", key), Attr("status", StatusLabel(err))))
}
