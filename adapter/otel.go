// Package adapter provides adapters for integrating the shared-memory core with external systems.
package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/fairmq-shm"

// Telemetry records OpenTelemetry spans and instruments for allocator and
// region operations. A nil Meter or Tracer falls back to a noop implementation.
type Telemetry struct {
	tracer trace.Tracer

	allocatedBytes metric.Int64Counter
	allocWait      metric.Float64Histogram
	acks           metric.Int64Counter
	ackTimeouts    metric.Int64Counter
}

// NewTelemetry builds the instruments on meter and uses tracer for spans.
func NewTelemetry(meter metric.Meter, tracer trace.Tracer) (*Telemetry, error) {
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	t := &Telemetry{tracer: tracer}
	var err error
	if t.allocatedBytes, err = meter.Int64Counter("fmq_shm.allocated_bytes",
		metric.WithDescription("Bytes allocated in the main segment"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if t.allocWait, err = meter.Float64Histogram("fmq_shm.allocation_wait",
		metric.WithDescription("Time spent waiting for free segment memory"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if t.acks, err = meter.Int64Counter("fmq_shm.acks",
		metric.WithDescription("Region acknowledgements sent")); err != nil {
		return nil, err
	}
	if t.ackTimeouts, err = meter.Int64Counter("fmq_shm.ack_timeouts",
		metric.WithDescription("Region acknowledgements that timed out")); err != nil {
		return nil, err
	}
	return t, nil
}

// StartSpan starts a span named name as a child of ctx.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// RecordAllocation records a successful allocation of n bytes after waiting wait.
func (t *Telemetry) RecordAllocation(ctx context.Context, n int, wait time.Duration) {
	t.allocatedBytes.Add(ctx, int64(n))
	t.allocWait.Record(ctx, wait.Seconds())
}

// RecordAck records one acknowledgement send.
func (t *Telemetry) RecordAck(ctx context.Context, timedOut bool) {
	if timedOut {
		t.ackTimeouts.Add(ctx, 1)
		return
	}
	t.acks.Add(ctx, 1)
}
