// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements correlated request/reply on top of the broker's
// public publish and subscribe operations.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/broker/router"
	"github.com/absmach/panbus/server/otel"
	"github.com/absmach/panbus/storage"
	"github.com/google/uuid"
)

// DefaultTimeout applies to Request when no WithTimeout option is given.
const DefaultTimeout = 30 * time.Second

// ReplyPrefix is the first segment of every reply topic.
const ReplyPrefix = "_reply"

// Request outcomes recorded in metrics.
const (
	outcomeOK        = "ok"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeRemote    = "remote_error"
	outcomeError     = "error"
)

// Bus is the broker surface the coordinator depends on.
type Bus interface {
	Publish(ctx context.Context, req broker.PublishRequest) (broker.DeliveryReport, error)
	Subscribe(pattern string, handler router.Handler, opts broker.SubscribeOptions) (*broker.Subscription, error)
	Stats() *broker.Stats
}

// ResponderFunc computes the reply to a request message.
type ResponderFunc func(ctx context.Context, msg storage.Message) (any, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the timeout used by Request.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientID sets the client id requests and replies are published as.
// It labels messages only; subscriptions are owned by OwnerID.
func WithClientID(id string) Option {
	return func(c *Coordinator) {
		c.clientID = id
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records request outcomes and duplicate replies.
func WithMetrics(m *otel.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithNotifier emits reply.duplicate events.
func WithNotifier(n events.Notifier) Option {
	return func(c *Coordinator) {
		c.notifier = n
	}
}

type outcome struct {
	data any
	err  error
}

// pending is an outstanding request. Exactly one outcome resolves it.
type pending struct {
	correlationID string
	topic         string
	replyTopic    string
	deadline      time.Time

	once   sync.Once
	done   chan struct{}
	result outcome
}

func (p *pending) resolve(o outcome) bool {
	resolved := false
	p.once.Do(func() {
		p.result = o
		close(p.done)
		resolved = true
	})
	return resolved
}

// Coordinator issues requests and serves responders over a Bus.
type Coordinator struct {
	bus      Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	notifier events.Notifier
	clientID string
	ownerID  string
	timeout  time.Duration
	prefix   string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending  map[string]*pending // correlation id -> request
	closed   bool
	closeErr error
	replies  *broker.Subscription
}

// New creates a coordinator and subscribes it to its reply topics.
func New(bus Bus, opts ...Option) (*Coordinator, error) {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Coordinator{
		bus:     bus,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		ownerID: "rpc." + id,
		prefix:  ReplyPrefix + "." + id,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}

	sub, err := bus.Subscribe(c.prefix+".*", c.handleReply, broker.SubscribeOptions{
		OwnerID:  c.ownerID,
		Context:  ctx,
		OnRemove: c.repliesRemoved,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	c.replies = sub

	return c, nil
}

// Request publishes data to topic and waits for the reply using the
// coordinator's default timeout.
func (c *Coordinator) Request(ctx context.Context, topic string, data any) (any, error) {
	return c.RequestTimeout(ctx, topic, data, c.timeout)
}

// RequestTimeout publishes data to topic and waits up to timeout for the
// reply. A zero timeout is already due once the request is published.
// Ending ctx rejects the request with ErrRequestCancelled.
func (c *Coordinator) RequestTimeout(ctx context.Context, topic string, data any, timeout time.Duration) (any, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		c.bus.Stats().IncrementRequestCancellations()
		c.recordOutcome(outcomeCancelled, start)
		return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, err)
	}
	if timeout < 0 {
		timeout = 0
	}

	id := uuid.NewString()
	p := &pending{
		correlationID: id,
		topic:         topic,
		replyTopic:    c.prefix + "." + id,
		deadline:      start.Add(timeout),
		done:          make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.finish(p, outcome{err: fmt.Errorf("%w: %w", ErrRequestCancelled, context.Cause(ctx))})
	})
	defer stop()

	_, err := c.bus.Publish(ctx, broker.PublishRequest{
		Topic:         topic,
		Data:          data,
		CorrelationID: id,
		ReplyTo:       p.replyTopic,
		ClientID:      c.clientID,
	})
	if err != nil {
		c.finish(p, outcome{err: err})
	}

	timer := time.AfterFunc(timeout, func() {
		c.finish(p, outcome{err: ErrRequestTimeout})
	})
	defer timer.Stop()

	<-p.done
	res := p.result

	switch {
	case res.err == nil:
		c.recordOutcome(outcomeOK, start)
	case errors.Is(res.err, ErrRequestTimeout):
		c.bus.Stats().IncrementRequestTimeouts()
		c.recordOutcome(outcomeTimeout, start)
	case errors.Is(res.err, ErrRequestCancelled):
		c.bus.Stats().IncrementRequestCancellations()
		c.recordOutcome(outcomeCancelled, start)
	case errors.Is(res.err, ErrRemote):
		c.recordOutcome(outcomeRemote, start)
	default:
		c.recordOutcome(outcomeError, start)
	}

	if res.err != nil {
		c.logger.Debug("rpc_request_failed",
			slog.String("topic", topic),
			slog.String("correlation_id", id),
			slog.String("error", res.err.Error()))
	}
	return res.data, res.err
}

// OwnerID returns the owner id of the coordinator's reply and responder
// subscriptions. It is generated per coordinator.
func (c *Coordinator) OwnerID() string {
	return c.ownerID
}

// Pending returns the number of outstanding requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every outstanding request with broker.ErrClosed and removes
// the reply and responder subscriptions. It is safe to call more than once.
func (c *Coordinator) Close() error {
	if c.teardown(broker.ErrClosed) {
		c.replies.Unsubscribe()
	}
	return nil
}

// repliesRemoved closes the coordinator when its reply subscription is
// removed by anything other than Close, since no reply can arrive any more.
func (c *Coordinator) repliesRemoved(reason string) {
	err := broker.ErrClosed
	if reason != broker.RemovedByClose {
		err = fmt.Errorf("%w: reply subscription removed (%s)", ErrRequestCancelled, reason)
	}
	if c.teardown(err) {
		c.logger.Warn("rpc_replies_removed", slog.String("reason", reason))
	}
}

// teardown marks the coordinator closed, rejects outstanding requests with
// err and stops its responders. It reports false when already closed.
func (c *Coordinator) teardown(err error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeErr = err
	outstanding := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range outstanding {
		p.resolve(outcome{err: err})
	}
	c.cancel()
	return true
}

// finish resolves p and forgets it. It reports false when p was already
// resolved.
func (c *Coordinator) finish(p *pending, o outcome) bool {
	if !p.resolve(o) {
		return false
	}
	c.mu.Lock()
	delete(c.pending, p.correlationID)
	c.mu.Unlock()
	return true
}

func (c *Coordinator) handleReply(msg storage.Message) error {
	id := strings.TrimPrefix(msg.Topic, c.prefix+".")

	c.mu.Lock()
	p := c.pending[id]
	c.mu.Unlock()

	if p == nil || (msg.CorrelationID != "" && msg.CorrelationID != id) {
		c.duplicate(msg)
		return nil
	}

	o := outcome{data: msg.Data}
	if re, ok := remoteError(p.topic, msg.Data); ok {
		o = outcome{err: re}
	}
	if !c.finish(p, o) {
		c.duplicate(msg)
	}
	return nil
}

func (c *Coordinator) duplicate(msg storage.Message) {
	c.bus.Stats().IncrementDuplicateReplies()
	if c.metrics != nil {
		c.metrics.RecordDuplicateReply()
	}
	c.logger.Debug("rpc_duplicate_reply",
		slog.String("reply_topic", msg.Topic),
		slog.String("correlation_id", msg.CorrelationID))
	if c.notifier != nil {
		ev := events.ReplyDuplicate{CorrelationID: msg.CorrelationID, ReplyTopic: msg.Topic}
		if err := c.notifier.Notify(c.ctx, ev); err != nil {
			c.logger.Warn("rpc_notify_failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) recordOutcome(o string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordRequest(o, float64(time.Since(start).Microseconds())/1000)
	}
}
