// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func sum(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	m.RecordPublish(true, 12, 0.5)
	m.RecordPublish(false, 8, 0.2)
	m.RecordDelivered(3)
	m.RecordDelivered(0)
	m.RecordDropped("rate_limited")
	m.RecordHandlerError()
	m.RecordRetainedEvicted(2)
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionAdded()
	m.RecordSubscriptionsRemoved(1)
	m.RecordRequest("timeout", 50)
	m.RecordDuplicateReply()

	got := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, got["panbus.messages.published"]))
	assert.Equal(t, int64(3), sum(t, got["panbus.messages.delivered"]))
	assert.Equal(t, int64(1), sum(t, got["panbus.messages.dropped"]))
	assert.Equal(t, int64(1), sum(t, got["panbus.handler.errors"]))
	assert.Equal(t, int64(2), sum(t, got["panbus.retained.evicted"]))
	assert.Equal(t, int64(1), sum(t, got["panbus.subscriptions.active"]))
	assert.Equal(t, int64(1), sum(t, got["panbus.requests"]))
	assert.Equal(t, int64(1), sum(t, got["panbus.replies.duplicate"]))

	sizes, ok := got["panbus.message.size"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, sizes.DataPoints, 1)
	assert.Equal(t, uint64(2), sizes.DataPoints[0].Count)
	assert.Equal(t, int64(20), sizes.DataPoints[0].Sum)
}
