// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/broker/router"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/topics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Drop reasons reported to metrics and events.
const (
	reasonValidation       = "validation"
	reasonRateLimited      = "rate_limited"
	reasonRetainedOverflow = "retained_overflow"
	reasonClosed           = "closed"
)

// PublishRequest describes a message to publish.
type PublishRequest struct {
	Topic         string
	Data          any
	Retain        bool
	CorrelationID string
	ReplyTo       string
	ClientID      string
}

// DeliveryReport summarizes a completed publish.
type DeliveryReport struct {
	MessageID string   `json:"message_id"`
	Topic     string   `json:"topic"`
	Matched   int      `json:"matched"`   // subscriptions matching the topic
	Delivered int      `json:"delivered"` // handlers invoked by this call
	Failed    int      `json:"failed"`    // invoked handlers that failed or panicked
	Deferred  int      `json:"deferred"`  // held until a running retained replay completes
	Retained  bool     `json:"retained"`
	Evicted   []string `json:"evicted,omitempty"`
}

// Publish validates, optionally retains and delivers a message to every
// subscription matching its topic. Handlers run synchronously on the
// caller's goroutine, in subscription order, before Publish returns.
// Handler failures are isolated and never returned.
func (b *Broker) Publish(ctx context.Context, req PublishRequest) (DeliveryReport, error) {
	start := b.now()
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "panbus.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.destination", req.Topic),
				attribute.Bool("panbus.retain", req.Retain),
			))
		defer span.End()
	}

	if b.closed.Load() {
		return b.reject(ctx, req, ErrClosed, reasonClosed)
	}

	msg, err := b.validate(req)
	if err != nil {
		return b.reject(ctx, req, err, reasonValidation)
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return b.reject(ctx, req, ErrClosed, reasonClosed)
	}
	// Last validation step, so that invalid publishes spend no token.
	if !b.limiter.AllowPublish(req.ClientID) {
		b.mu.Unlock()
		return b.reject(ctx, req, fmt.Errorf("%w: client %q", ErrRateLimited, req.ClientID), reasonRateLimited)
	}

	report := DeliveryReport{MessageID: msg.ID, Topic: msg.Topic}
	if msg.Retain {
		evicted, err := b.retained.Put(msg.Topic, msg)
		if err != nil {
			b.mu.Unlock()
			if errors.Is(err, storage.ErrRetainedTooLarge) {
				err = fmt.Errorf("%w: %w", ErrRetainedOverflow, err)
			}
			return b.reject(ctx, req, err, reasonRetainedOverflow)
		}
		report.Retained = true
		report.Evicted = evicted
	}

	matched := b.subs.Resolve(msg.Topic)
	report.Matched = len(matched)
	targets := matched[:0]
	for _, sub := range matched {
		if sub.Hold(msg) {
			report.Deferred++
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	b.logOp("publish",
		slog.String("topic", msg.Topic),
		slog.String("message_id", msg.ID),
		slog.Bool("retain", msg.Retain),
		slog.Int("matched", report.Matched))

	report.Delivered, report.Failed = b.deliver(ctx, targets, msg)

	b.stats.IncrementPublished()
	if len(report.Evicted) > 0 {
		b.evicted(ctx, msg.Topic, report.Evicted)
	}
	if b.metrics != nil {
		b.metrics.RecordPublish(msg.Retain, int64(msg.Size), float64(b.now().Sub(start))/float64(time.Millisecond))
	}
	b.record(msg, report.Delivered)

	b.notify(ctx, events.MessagePublished{
		MessageID:    msg.ID,
		ClientID:     msg.ClientID,
		MessageTopic: msg.Topic,
		Retained:     report.Retained,
		PayloadSize:  msg.Size,
		Matched:      report.Matched,
		Delivered:    report.Delivered,
		Failed:       report.Failed,
		Payload:      msg.Data,
	})

	return report, nil
}

// validate turns a request into a message, deep-copying its data.
// It never touches broker state.
func (b *Broker) validate(req PublishRequest) (storage.Message, error) {
	if err := topics.ValidateTopic(req.Topic); err != nil {
		return storage.Message{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if req.ReplyTo != "" {
		if err := topics.ValidateTopic(req.ReplyTo); err != nil {
			return storage.Message{}, fmt.Errorf("%w: reply topic: %w", ErrValidation, err)
		}
	}

	data, err := storage.Normalize(req.Data)
	if err != nil {
		return storage.Message{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	size, err := storage.EncodedSize(data)
	if err != nil {
		return storage.Message{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if b.cfg.MaxMessageSize > 0 && size > b.cfg.MaxMessageSize {
		return storage.Message{}, fmt.Errorf("%w: payload of %d bytes exceeds limit of %d", ErrValidation, size, b.cfg.MaxMessageSize)
	}

	return storage.Message{
		ID:            uuid.NewString(),
		Topic:         req.Topic,
		Data:          data,
		Timestamp:     b.now(),
		Retain:        req.Retain,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		ClientID:      req.ClientID,
		Size:          size,
	}, nil
}

func (b *Broker) reject(ctx context.Context, req PublishRequest, err error, reason string) (DeliveryReport, error) {
	b.stats.IncrementDropped()
	if b.metrics != nil {
		b.metrics.RecordDropped(reason)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	b.logOp("publish_rejected",
		slog.String("topic", req.Topic),
		slog.String("client_id", req.ClientID),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	b.notify(ctx, events.PublishRejected{
		ClientID:     req.ClientID,
		MessageTopic: req.Topic,
		Reason:       reason,
	})
	return DeliveryReport{Topic: req.Topic}, err
}

// deliver invokes each subscription's handler in order and returns how
// many were invoked and how many of those failed.
func (b *Broker) deliver(ctx context.Context, subs []*router.Subscription, msg storage.Message) (delivered, failed int) {
	for _, sub := range subs {
		if err := b.invoke(ctx, sub, msg); err != nil {
			failed++
		}
		delivered++
	}
	if delivered > 0 {
		b.stats.AddDelivered(uint64(delivered))
		if b.metrics != nil {
			b.metrics.RecordDelivered(delivered)
		}
	}
	return delivered, failed
}

// invoke runs a single handler with its own copy of msg, converting panics
// into errors.
func (b *Broker) invoke(ctx context.Context, sub *router.Subscription, msg storage.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err == nil {
			return
		}

		herr := &HandlerError{SubscriptionID: sub.ID, Pattern: sub.Pattern, Topic: msg.Topic, Err: err}
		err = herr

		b.stats.IncrementHandlerErrors()
		if b.metrics != nil {
			b.metrics.RecordHandlerError()
		}
		b.logError("handler_failed", herr,
			slog.Uint64("subscription_id", sub.ID),
			slog.String("topic", msg.Topic))
		b.notify(ctx, events.HandlerFailed{
			SubscriptionID: sub.ID,
			Pattern:        sub.Pattern,
			MessageTopic:   msg.Topic,
			MessageID:      msg.ID,
			Error:          herr.Err.Error(),
		})
	}()

	return sub.Handler(storage.CopyMessage(msg))
}

func (b *Broker) evicted(ctx context.Context, by string, evicted []string) {
	b.stats.AddRetainedEvicted(uint64(len(evicted)))
	if b.metrics != nil {
		b.metrics.RecordRetainedEvicted(len(evicted))
	}
	for _, topic := range evicted {
		b.logOp("retained_evicted", slog.String("topic", topic), slog.String("evicted_by", by))
		b.notify(ctx, events.RetainedEvicted{MessageTopic: topic, EvictedBy: by})
	}
}

// record offers msg to the trace buffer. A failing collector never
// affects delivery.
func (b *Broker) record(msg storage.Message, delivered int) {
	b.mu.Lock()
	buf := b.trace
	b.mu.Unlock()
	if buf == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("trace collector failed", slog.Any("panic", r))
		}
	}()
	buf.Record(msg, delivered)
}
