// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/broker/router"
	"github.com/absmach/panbus/ratelimit"
	"github.com/absmach/panbus/server/otel"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/storage/memory"
	"github.com/absmach/panbus/tracebuf"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the delivery engine limits.
type Config struct {
	// ID identifies the broker in event envelopes.
	ID string

	// MaxMessageSize bounds the serialized size of message data. Zero
	// disables the check.
	MaxMessageSize int

	// AllowGlobalWildcard permits subscriptions to the bare "*" pattern.
	AllowGlobalWildcard bool
}

// Broker is the delivery engine. It owns the subscription registry, the
// retained store and the publish rate limiter, and serializes every
// transition on them behind a single engine lock. Handlers always run
// outside that lock, on the goroutine of the publishing or subscribing
// caller, so they may publish, subscribe and unsubscribe freely.
type Broker struct {
	mu       sync.Mutex // engine lock
	cfg      Config
	subs     *router.Registry
	retained storage.RetainedStore
	limiter  *ratelimit.Manager // nil if rate limiting disabled
	trace    *tracebuf.Buffer   // nil if message tracing disabled
	logger   *slog.Logger
	stats    *Stats
	webhooks events.Notifier // nil if webhooks disabled
	metrics  *otel.Metrics   // nil if metrics disabled
	tracer   trace.Tracer    // nil if tracing disabled
	closed   atomic.Bool
	now      func() time.Time
}

// NewBroker creates a new broker instance.
// Parameters:
//   - cfg: engine limits
//   - retained: retained message store (nil uses an unbounded memory store)
//   - limiter: publish rate limiter (nil disables rate limiting)
//   - logger: Logger instance (nil uses default)
//   - stats: Stats collector (nil creates new one)
//   - webhooks: event notifier (nil if webhooks disabled)
//   - metrics: OTel metrics instance (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func NewBroker(cfg Config, retained storage.RetainedStore, limiter *ratelimit.Manager, logger *slog.Logger, stats *Stats, webhooks events.Notifier, metrics *otel.Metrics, tracer trace.Tracer) *Broker {
	if retained == nil {
		retained = memory.NewRetainedStore(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}

	return &Broker{
		cfg:      cfg,
		subs:     router.NewRegistry(),
		retained: retained,
		limiter:  limiter,
		logger:   logger,
		stats:    stats,
		webhooks: webhooks,
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
	}
}

// SetTraceBuffer attaches the sampled message trace. Nil detaches it.
func (b *Broker) SetTraceBuffer(buf *tracebuf.Buffer) {
	b.mu.Lock()
	b.trace = buf
	b.mu.Unlock()
}

// TraceBuffer returns the attached message trace, if any.
func (b *Broker) TraceBuffer() *tracebuf.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trace
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// ID returns the broker identifier.
func (b *Broker) ID() string {
	return b.cfg.ID
}

// MaxMessageSize returns the configured payload limit; zero means none.
func (b *Broker) MaxMessageSize() int {
	return b.cfg.MaxMessageSize
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Broker) SubscriptionCount() int {
	return b.subs.Count()
}

// Retained returns the retained message for an exact topic.
func (b *Broker) Retained(topic string) (storage.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained.Get(topic)
}

// RemoveRetained deletes the retained message of topic and reports whether
// there was one.
func (b *Broker) RemoveRetained(topic string) bool {
	b.mu.Lock()
	removed := b.retained.Remove(topic)
	b.mu.Unlock()
	if removed {
		b.logOp("retained_removed", slog.String("topic", topic))
	}
	return removed
}

// RetainedMatching returns the retained messages matching any of the
// patterns, ordered by topic.
func (b *Broker) RetainedMatching(patterns ...string) []storage.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained.GetAll(patterns)
}

// RetainedUsage returns the number of retained entries and their total size.
func (b *Broker) RetainedUsage() (entries, bytes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained.Len(), b.retained.Bytes()
}

// Closed reports whether Close was called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}

// Close removes every subscription and rejects further publishes and
// subscriptions with ErrClosed. Retained messages stay readable.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	removed := b.subs.Drain()
	for _, sub := range removed {
		if sub.Detach != nil {
			sub.Detach()
		}
	}
	b.mu.Unlock()

	b.removed(context.Background(), removed, RemovedByClose)
	b.logger.Info("broker closed", slog.Int("subscriptions_removed", len(removed)))
	return nil
}

func (b *Broker) notify(ctx context.Context, ev events.Event) {
	if b.webhooks == nil {
		return
	}
	if err := b.webhooks.Notify(ctx, ev); err != nil {
		b.logError("notify", err, slog.String("event_type", ev.Type()))
	}
}

func (b *Broker) logOp(op string, attrs ...any) {
	b.logger.Debug(op, attrs...)
}

func (b *Broker) logError(op string, err error, attrs ...any) {
	if err != nil {
		allAttrs := append([]any{slog.String("error", err.Error())}, attrs...)
		b.logger.Error(op, allAttrs...)
	}
}
