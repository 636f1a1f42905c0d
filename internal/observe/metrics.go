// Package observe provides the observability primitives shared by the
// calltap services: OpenTelemetry metric instruments with a Prometheus
// exporter bridge so every service can expose a standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([Default]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all calltap metrics.
const meterName = "github.com/sebas/calltap"

// Metrics holds all OpenTelemetry metric instruments used across the three
// services. The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Orchestrator ---

	// TapsStarted counts /start_tap outcomes. Attributes: backend, status.
	TapsStarted metric.Int64Counter

	// TapCleanups counts tap session teardowns. Attribute: reason.
	TapCleanups metric.Int64Counter

	// ActiveTaps tracks live tap sessions.
	ActiveTaps metric.Int64UpDownCounter

	// --- Framed gateway ---

	// FramedSessions tracks registered per-call UDP/TCP sessions.
	FramedSessions metric.Int64UpDownCounter

	// FramedFrames counts AUDIO frames written downstream.
	FramedFrames metric.Int64Counter

	// FramedConflicts counts /register attempts on an already-bound port.
	FramedConflicts metric.Int64Counter

	// FramedInactivityCloses counts sessions reaped by the RTP watchdog.
	FramedInactivityCloses metric.Int64Counter

	// --- Streaming gateway ---

	// StreamSessions tracks live SSRC-keyed upstream sessions.
	StreamSessions metric.Int64UpDownCounter

	// StreamDropped counts SSRCs rejected by the admission cap.
	StreamDropped metric.Int64Counter

	// StreamTranscripts counts transcript results. Attribute: final.
	StreamTranscripts metric.Int64Counter

	// StreamReconnects counts upstream socket reconnect attempts.
	StreamReconnects metric.Int64Counter

	// AssistantRequests counts generative assistant POSTs. Attribute: status.
	AssistantRequests metric.Int64Counter

	// RTPPackets counts inbound RTP datagrams. Attributes: service, dir.
	RTPPackets metric.Int64Counter
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TapsStarted, err = m.Int64Counter("calltap.taps.started",
		metric.WithDescription("Tap requests by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.TapCleanups, err = m.Int64Counter("calltap.taps.cleanups",
		metric.WithDescription("Tap session teardowns by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTaps, err = m.Int64UpDownCounter("calltap.taps.active",
		metric.WithDescription("Live tap sessions."),
	); err != nil {
		return nil, err
	}

	if met.FramedSessions, err = m.Int64UpDownCounter("calltap.framed.sessions",
		metric.WithDescription("Registered framed-gateway sessions."),
	); err != nil {
		return nil, err
	}
	if met.FramedFrames, err = m.Int64Counter("calltap.framed.frames",
		metric.WithDescription("AUDIO frames written to the downstream TCP peer."),
	); err != nil {
		return nil, err
	}
	if met.FramedConflicts, err = m.Int64Counter("calltap.framed.register_conflicts",
		metric.WithDescription("Register attempts on a port that is already bound."),
	); err != nil {
		return nil, err
	}
	if met.FramedInactivityCloses, err = m.Int64Counter("calltap.framed.inactivity_closes",
		metric.WithDescription("Sessions closed by the RTP inactivity watchdog."),
	); err != nil {
		return nil, err
	}

	if met.StreamSessions, err = m.Int64UpDownCounter("calltap.stream.sessions",
		metric.WithDescription("Live SSRC-keyed streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.StreamDropped, err = m.Int64Counter("calltap.stream.dropped",
		metric.WithDescription("New SSRCs dropped by the concurrent-session cap."),
	); err != nil {
		return nil, err
	}
	if met.StreamTranscripts, err = m.Int64Counter("calltap.stream.transcripts",
		metric.WithDescription("Transcript results republished to widget rooms."),
	); err != nil {
		return nil, err
	}
	if met.StreamReconnects, err = m.Int64Counter("calltap.stream.reconnects",
		metric.WithDescription("Upstream speech socket reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.AssistantRequests, err = m.Int64Counter("calltap.assistant.requests",
		metric.WithDescription("Generative assistant requests by status."),
	); err != nil {
		return nil, err
	}
	if met.RTPPackets, err = m.Int64Counter("calltap.rtp.packets",
		metric.WithDescription("Inbound RTP datagrams by service and direction."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level [Metrics] instance, creating it on first
// call from the global meter provider. Panics if instrument creation fails,
// which cannot happen with the global provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: creating default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}
