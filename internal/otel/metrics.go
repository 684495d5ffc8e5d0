package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by dispatch, queue, agentsession and gateway.
type Metrics struct {
	TasksCreated     metric.Int64Counter
	AdmissionRejects metric.Int64Counter
	PublishAttempts  metric.Int64Counter
	PublishFailures  metric.Int64Counter
	StreamEvents     metric.Int64Counter
	ActiveStreams    metric.Int64UpDownCounter
	StreamTimeouts   metric.Int64Counter
	StaleRecoveries  metric.Int64Counter
	TurnDuration     metric.Float64Histogram
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksCreated, "taskstream.task.created", "Task records created (user and assistant)"},
		{&m.AdmissionRejects, "taskstream.task.admission_rejected", "Create requests rejected by admission control"},
		{&m.PublishAttempts, "taskstream.queue.publish_attempts", "Queue publish attempts"},
		{&m.PublishFailures, "taskstream.queue.publish_failures", "Queue publishes that exhausted retries"},
		{&m.StreamEvents, "taskstream.stream.events", "Events written to client streams"},
		{&m.StreamTimeouts, "taskstream.stream.timeouts", "Client streams ended by the wall-clock budget"},
		{&m.StaleRecoveries, "taskstream.session.stale_recoveries", "Stale upstream sessions purged"},
		{&m.RateLimitRejects, "taskstream.ratelimit.rejects", "Requests rejected by the rate limiter"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("taskstream.stream.sessions",
		metric.WithDescription("Client streams currently open"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("taskstream.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("taskstream.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Disabled().Meter)
	return m
}

// Add increments c, tolerating a nil instrument.
func Add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
