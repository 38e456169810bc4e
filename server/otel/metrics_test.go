// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumFor(t *testing.T, data metricdata.Aggregation, transport string) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)

	var total int64
	for _, dp := range sum.DataPoints {
		if transport == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key("transport")); ok && v.AsString() == transport {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordDelivery(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "http", 5, 20*time.Millisecond, nil)
	m.RecordDelivery(ctx, "http", 3, 10*time.Millisecond, errors.New("503"))
	m.RecordDelivery(ctx, "mqtt", 2, time.Millisecond, nil)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, data["eventpipe.delivery.batches.total"], "http"))
	assert.Equal(t, int64(5), sumFor(t, data["eventpipe.delivery.events.total"], "http"))
	assert.Equal(t, int64(2), sumFor(t, data["eventpipe.delivery.events.total"], "mqtt"))
	assert.Equal(t, int64(1), sumFor(t, data["eventpipe.delivery.failures.total"], "http"))
	assert.Zero(t, sumFor(t, data["eventpipe.delivery.failures.total"], "mqtt"))

	hist, ok := data["eventpipe.delivery.duration.ms"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestMetrics_IngestAndRetries(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordReceived(ctx, 4)
	m.RecordReceived(ctx, 6)
	m.RecordRejected(ctx, "rate_limited")
	m.RecordRetry(ctx, "http", 1)
	m.RecordRetry(ctx, "http", 2)

	data := collect(t, reader)
	assert.Equal(t, int64(10), sumFor(t, data["eventpipe.events.received.total"], ""))
	assert.Equal(t, int64(1), sumFor(t, data["eventpipe.events.rejected.total"], ""))
	assert.Equal(t, int64(2), sumFor(t, data["eventpipe.delivery.retries.total"], "http"))
}

func TestMetrics_QueueDepth(t *testing.T) {
	m, reader := newTestMetrics(t)

	length := 7
	require.NoError(t, m.RegisterQueueDepth(
		func(context.Context) (int, error) { return length, nil },
		func() int { return 2 },
	))

	data := collect(t, reader)
	depth, ok := data["eventpipe.queue.depth"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, depth.DataPoints, 1)
	assert.Equal(t, int64(7), depth.DataPoints[0].Value)

	flight, ok := data["eventpipe.queue.in_flight"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, flight.DataPoints, 1)
	assert.Equal(t, int64(2), flight.DataPoints[0].Value)
}
