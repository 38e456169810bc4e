// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/eventpipe/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eventpipe"

var _ transport.Recorder = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the event pipeline.
type Metrics struct {
	meter metric.Meter

	// Counters
	eventsReceived   metric.Int64Counter
	eventsRejected   metric.Int64Counter
	batchesDelivered metric.Int64Counter
	eventsDelivered  metric.Int64Counter
	deliveryFailures metric.Int64Counter
	retries          metric.Int64Counter

	// Histograms
	deliveryDuration metric.Float64Histogram
	batchSize        metric.Int64Histogram
}

// NewMetrics creates all instruments on provider, or on the global
// MeterProvider when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: provider.Meter(meterName),
	}

	var err error

	m.eventsReceived, err = m.meter.Int64Counter(
		"eventpipe.events.received.total",
		metric.WithDescription("Total events accepted for delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsReceived counter: %w", err)
	}

	m.eventsRejected, err = m.meter.Int64Counter(
		"eventpipe.events.rejected.total",
		metric.WithDescription("Total ingest requests rejected by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsRejected counter: %w", err)
	}

	m.batchesDelivered, err = m.meter.Int64Counter(
		"eventpipe.delivery.batches.total",
		metric.WithDescription("Total batches handed to transports"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchesDelivered counter: %w", err)
	}

	m.eventsDelivered, err = m.meter.Int64Counter(
		"eventpipe.delivery.events.total",
		metric.WithDescription("Total events delivered successfully"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsDelivered counter: %w", err)
	}

	m.deliveryFailures, err = m.meter.Int64Counter(
		"eventpipe.delivery.failures.total",
		metric.WithDescription("Total failed batch deliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryFailures counter: %w", err)
	}

	m.retries, err = m.meter.Int64Counter(
		"eventpipe.delivery.retries.total",
		metric.WithDescription("Total scheduled delivery retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"eventpipe.delivery.duration.ms",
		metric.WithDescription("Batch delivery duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"eventpipe.delivery.batch.size",
		metric.WithDescription("Events per delivered batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	return m, nil
}

// RecordReceived counts events accepted by the ingest endpoint.
func (m *Metrics) RecordReceived(ctx context.Context, events int) {
	m.eventsReceived.Add(ctx, int64(events))
}

// RecordRejected counts a rejected ingest request.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.eventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDelivery records the outcome of one Handle call.
func (m *Metrics) RecordDelivery(ctx context.Context, name string, events int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("transport", name))

	m.batchesDelivered.Add(ctx, 1, attrs)
	m.batchSize.Record(ctx, int64(events), attrs)
	m.deliveryDuration.Record(ctx, float64(duration.Microseconds())/1000.0, attrs)

	if err != nil {
		m.deliveryFailures.Add(ctx, 1, attrs)
		return
	}
	m.eventsDelivered.Add(ctx, int64(events), attrs)
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context, name string, attempt int) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", name),
		attribute.Int("attempt", attempt),
	))
}

// RegisterQueueDepth exports the number of stored and in-flight events as
// gauges read on every collection.
func (m *Metrics) RegisterQueueDepth(length func(ctx context.Context) (int, error), inFlight func() int) error {
	depth, err := m.meter.Int64ObservableGauge(
		"eventpipe.queue.depth",
		metric.WithDescription("Events waiting in the delivery queue"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	flight, err := m.meter.Int64ObservableGauge(
		"eventpipe.queue.in_flight",
		metric.WithDescription("Events currently being delivered"),
	)
	if err != nil {
		return fmt.Errorf("failed to create in-flight gauge: %w", err)
	}

	_, err = m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := length(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(depth, int64(n))
		o.ObserveInt64(flight, int64(inFlight()))
		return nil
	}, depth, flight)
	if err != nil {
		return fmt.Errorf("failed to register queue callback: %w", err)
	}

	return nil
}
