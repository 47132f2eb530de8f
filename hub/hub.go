// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hub is the single intake point through which participants reach
// the broker. Intents submitted before a broker is attached are queued and
// replayed in submission order once it is.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/broker/router"
)

// DefaultMaxPending bounds the queue of an unattached hub.
const DefaultMaxPending = 1024

var (
	// ErrNotReady is returned when no broker is attached and the queue is full.
	ErrNotReady = errors.New("hub not ready: pending intent queue is full")

	// ErrAlreadyAttached is returned by a second Attach.
	ErrAlreadyAttached = errors.New("hub already attached")

	// ErrUnknownIntent is returned for an intent of unknown kind.
	ErrUnknownIntent = errors.New("unknown intent kind")
)

// Engine is the broker surface intents are applied to.
type Engine interface {
	Publish(ctx context.Context, req broker.PublishRequest) (broker.DeliveryReport, error)
	Subscribe(pattern string, handler router.Handler, opts broker.SubscribeOptions) (*broker.Subscription, error)
	Unsubscribe(sub *broker.Subscription) bool
	UnsubscribeOwner(ownerID string) int
}

// Kind identifies an intent.
type Kind uint8

const (
	KindPublish Kind = iota + 1
	KindSubscribe
	KindUnsubscribe
	KindUnsubscribeOwner
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindUnsubscribeOwner:
		return "unsubscribe_owner"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Intent is a request from a participant. Only the fields of its Kind are used.
type Intent struct {
	Kind Kind

	// KindPublish.
	Publish broker.PublishRequest

	// KindSubscribe.
	Pattern string
	Handler router.Handler
	Options broker.SubscribeOptions

	// KindUnsubscribe.
	Subscription *broker.Subscription

	// KindUnsubscribeOwner.
	OwnerID string
}

// Result is the outcome of an applied intent.
type Result struct {
	Report       broker.DeliveryReport
	Subscription *broker.Subscription
	Removed      int
}

type queued struct {
	ctx    context.Context
	intent Intent
	wait   bool
	taken  bool
	done   chan struct{}
	res    Result
	err    error
}

// Hub routes intents to the attached engine.
type Hub struct {
	mu         sync.Mutex
	engine     Engine
	attaching  bool
	queue      []*queued
	maxPending int
	logger     *slog.Logger
}

// New creates an unattached hub. A non-positive maxPending uses DefaultMaxPending.
func New(maxPending int, logger *slog.Logger) *Hub {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		maxPending: maxPending,
		logger:     logger,
	}
}

// Attach connects the hub to engine and applies every queued intent in
// submission order before returning.
func (h *Hub) Attach(engine Engine) error {
	if engine == nil {
		return errors.New("hub: nil engine")
	}

	h.mu.Lock()
	if h.engine != nil || h.attaching {
		h.mu.Unlock()
		return ErrAlreadyAttached
	}
	h.attaching = true
	h.mu.Unlock()

	replayed := 0
	for {
		h.mu.Lock()
		batch := h.queue
		h.queue = nil
		if len(batch) == 0 {
			// Intents arriving from here on go straight to the engine.
			h.engine = engine
			h.attaching = false
			h.mu.Unlock()
			break
		}
		for _, q := range batch {
			q.taken = true
		}
		h.mu.Unlock()

		for _, q := range batch {
			if err := q.ctx.Err(); err != nil {
				q.err = err
			} else {
				q.res, q.err = apply(q.ctx, engine, q.intent)
			}
			if q.err != nil && !q.wait && !errors.Is(q.err, context.Canceled) {
				h.logger.Warn("hub_intent_failed",
					slog.String("kind", q.intent.Kind.String()),
					slog.String("error", q.err.Error()))
			}
			close(q.done)
		}
		replayed += len(batch)
	}

	h.logger.Info("hub_attached", slog.Int("replayed", replayed))
	return nil
}

// Attached reports whether an engine is attached.
func (h *Hub) Attached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil
}

// Pending returns the number of queued intents.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Submit applies intent, waiting for a broker to be attached if necessary.
// Ending ctx while the intent is still queued withdraws it.
func (h *Hub) Submit(ctx context.Context, intent Intent) (Result, error) {
	q, engine, err := h.enqueue(ctx, intent, true)
	if err != nil {
		return Result{}, err
	}
	if engine != nil {
		return apply(ctx, engine, intent)
	}

	select {
	case <-q.done:
		return q.res, q.err
	case <-ctx.Done():
	}

	h.mu.Lock()
	if !q.taken {
		h.withdraw(q)
		h.mu.Unlock()
		return Result{}, ctx.Err()
	}
	h.mu.Unlock()

	// Already being applied.
	<-q.done
	return q.res, q.err
}

// Listen subscribes handler to pattern without waiting for a broker to be
// attached. Calling the returned function removes the subscription, or
// drops it if it is still queued.
func (h *Hub) Listen(pattern string, handler router.Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	intent := Intent{
		Kind:    KindSubscribe,
		Pattern: pattern,
		Handler: handler,
		Options: broker.SubscribeOptions{Context: ctx},
	}

	q, engine, err := h.enqueue(ctx, intent, false)
	if err != nil {
		cancel()
		return nil, err
	}
	if engine != nil {
		if _, err := apply(ctx, engine, intent); err != nil {
			cancel()
			return nil, err
		}
		return cancel, nil
	}

	stop := func() {
		h.mu.Lock()
		if !q.taken {
			h.withdraw(q)
		}
		h.mu.Unlock()
		cancel()
	}
	return stop, nil
}

func (h *Hub) enqueue(ctx context.Context, intent Intent, wait bool) (*queued, Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine != nil {
		return nil, h.engine, nil
	}
	if len(h.queue) >= h.maxPending {
		return nil, nil, ErrNotReady
	}
	q := &queued{
		ctx:    ctx,
		intent: intent,
		wait:   wait,
		done:   make(chan struct{}),
	}
	h.queue = append(h.queue, q)
	return q, nil, nil
}

// withdraw removes q from the queue. Caller holds h.mu.
func (h *Hub) withdraw(q *queued) {
	for i, p := range h.queue {
		if p == q {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return
		}
	}
}

func apply(ctx context.Context, engine Engine, intent Intent) (Result, error) {
	switch intent.Kind {
	case KindPublish:
		report, err := engine.Publish(ctx, intent.Publish)
		return Result{Report: report}, err
	case KindSubscribe:
		sub, err := engine.Subscribe(intent.Pattern, intent.Handler, intent.Options)
		return Result{Subscription: sub}, err
	case KindUnsubscribe:
		if engine.Unsubscribe(intent.Subscription) {
			return Result{Removed: 1}, nil
		}
		return Result{}, nil
	case KindUnsubscribeOwner:
		return Result{Removed: engine.UnsubscribeOwner(intent.OwnerID)}, nil
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownIntent, intent.Kind)
	}
}
