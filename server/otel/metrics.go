// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the message bus.
type Metrics struct {
	published       metric.Int64Counter
	delivered       metric.Int64Counter
	dropped         metric.Int64Counter
	handlerErrors   metric.Int64Counter
	retainedEvicted metric.Int64Counter
	requests        metric.Int64Counter
	anomalies       metric.Int64Counter

	subscriptionsActive metric.Int64UpDownCounter

	messageSize     metric.Int64Histogram
	publishDuration metric.Float64Histogram
	requestDuration metric.Float64Histogram
}

// NewMetrics creates the instruments from mp, or from the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.published, "panbus.messages.published", "Messages accepted for delivery"},
		{&m.delivered, "panbus.messages.delivered", "Handler invocations, failed ones included"},
		{&m.dropped, "panbus.messages.dropped", "Publishes rejected before delivery, by reason"},
		{&m.handlerErrors, "panbus.handler.errors", "Handler invocations that failed or panicked"},
		{&m.retainedEvicted, "panbus.retained.evicted", "Retained entries evicted to stay within budget"},
		{&m.requests, "panbus.requests", "Completed requests, by outcome"},
		{&m.anomalies, "panbus.replies.duplicate", "Replies dropped after their request was resolved"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.subscriptionsActive, err = meter.Int64UpDownCounter(
		"panbus.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptionsActive gauge: %w", err)
	}

	m.messageSize, err = meter.Int64Histogram(
		"panbus.message.size",
		metric.WithDescription("Serialized message size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = meter.Float64Histogram(
		"panbus.publish.duration",
		metric.WithDescription("Publish processing duration including delivery"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	m.requestDuration, err = meter.Float64Histogram(
		"panbus.request.duration",
		metric.WithDescription("Request round-trip duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublish records an accepted publish.
func (m *Metrics) RecordPublish(retained bool, sizeBytes int64, durationMs float64) {
	ctx := context.Background()
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.Bool("retained", retained)))
	m.messageSize.Record(ctx, sizeBytes)
	m.publishDuration.Record(ctx, durationMs)
}

// RecordDelivered records n handler invocations.
func (m *Metrics) RecordDelivered(n int) {
	if n > 0 {
		m.delivered.Add(context.Background(), int64(n))
	}
}

// RecordDropped records a rejected publish.
func (m *Metrics) RecordDropped(reason string) {
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordHandlerError records a failed handler invocation.
func (m *Metrics) RecordHandlerError() {
	m.handlerErrors.Add(context.Background(), 1)
}

// RecordRetainedEvicted records n evicted retained entries.
func (m *Metrics) RecordRetainedEvicted(n int) {
	if n > 0 {
		m.retainedEvicted.Add(context.Background(), int64(n))
	}
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionsRemoved records n removed subscriptions.
func (m *Metrics) RecordSubscriptionsRemoved(n int) {
	if n > 0 {
		m.subscriptionsActive.Add(context.Background(), -int64(n))
	}
}

// RecordRequest records a finished request with its outcome
// ("ok", "remote_error", "timeout", "cancelled", "closed").
func (m *Metrics) RecordRequest(outcome string, durationMs float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, durationMs, attrs)
}

// RecordDuplicateReply records a dropped duplicate reply.
func (m *Metrics) RecordDuplicateReply() {
	m.anomalies.Add(context.Background(), 1)
}
