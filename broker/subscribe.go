// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/broker/router"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/topics"
)

// Removal reasons reported in subscription.removed events and to
// SubscribeOptions.OnRemove.
const (
	RemovedByUnsubscribe = "unsubscribe"
	RemovedByOwner       = "owner"
	RemovedByCancel      = "cancelled"
	RemovedByClose       = "closed"
)

// SubscribeOptions configures a new subscription.
type SubscribeOptions struct {
	// Retained requests synchronous replay of matching retained messages,
	// in topic order, before Subscribe returns.
	Retained bool

	// OwnerID groups subscriptions for UnsubscribeOwner.
	OwnerID string

	// Context removes the subscription once done.
	Context context.Context

	// OnRemove is called once with the removal reason after the
	// subscription is removed, however that happens. It runs outside the
	// engine lock.
	OnRemove func(reason string)
}

// Subscription is an active subscription handle.
type Subscription struct {
	*router.Subscription
	broker *Broker
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() bool {
	return s.broker.Unsubscribe(s)
}

// Subscribe registers handler for every topic matching pattern.
func (b *Broker) Subscribe(pattern string, handler router.Handler, opts SubscribeOptions) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrValidation)
	}
	if err := topics.ValidatePattern(pattern); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if topics.IsGlobal(pattern) && !b.cfg.AllowGlobalWildcard {
		return nil, ErrGlobalWildcardDenied
	}
	if opts.Context != nil {
		if err := opts.Context.Err(); err != nil {
			return nil, err
		}
	}

	rs := &router.Subscription{
		Pattern:  pattern,
		OwnerID:  opts.OwnerID,
		Retained: opts.Retained,
		Handler:  handler,
		Context:  opts.Context,
		OnRemove: opts.OnRemove,
	}
	sub := &Subscription{Subscription: rs, broker: b}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs.Add(rs)

	var replay []storage.Message
	if opts.Retained {
		replay = b.retained.GetAll([]string{pattern})
		if len(replay) > 0 {
			rs.BeginReplay()
		}
	}
	if opts.Context != nil {
		id := rs.ID
		rs.Detach = context.AfterFunc(opts.Context, func() {
			b.remove(id, RemovedByCancel)
		})
	}
	b.mu.Unlock()

	b.stats.IncrementSubscriptions()
	if b.metrics != nil {
		b.metrics.RecordSubscriptionAdded()
	}
	b.logOp("subscribe",
		slog.Uint64("subscription_id", rs.ID),
		slog.String("pattern", pattern),
		slog.String("owner_id", opts.OwnerID),
		slog.Int("replay", len(replay)))

	ctx := context.Background()
	if len(replay) > 0 {
		b.replay(ctx, rs, replay)
	}

	b.notify(ctx, events.SubscriptionCreated{
		SubscriptionID: rs.ID,
		Pattern:        pattern,
		OwnerID:        opts.OwnerID,
		Retained:       opts.Retained,
		Replayed:       len(replay),
	})

	return sub, nil
}

// replay delivers retained messages, then any live messages held back
// while replaying, and finally opens the subscription to direct delivery.
func (b *Broker) replay(ctx context.Context, sub *router.Subscription, retained []storage.Message) {
	pending := retained
	for {
		for i, msg := range pending {
			if _, ok := b.subs.Get(sub.ID); !ok {
				// Removed meanwhile; nothing can be held for it any more.
				b.logOp("replay_aborted", slog.Uint64("subscription_id", sub.ID), slog.Int("skipped", len(pending)-i))
				return
			}
			b.deliver(ctx, []*router.Subscription{sub}, msg)
		}

		b.mu.Lock()
		pending = sub.TakeBacklog()
		b.mu.Unlock()
		if len(pending) == 0 {
			return
		}
	}
}

// Unsubscribe removes sub. Removing an already removed subscription is a
// no-op that returns false.
func (b *Broker) Unsubscribe(sub *Subscription) bool {
	if sub == nil || sub.Subscription == nil {
		return false
	}
	return b.remove(sub.ID, RemovedByUnsubscribe)
}

// UnsubscribeOwner removes every subscription of ownerID and forgets its
// rate limit bucket. It returns the number of removed subscriptions.
func (b *Broker) UnsubscribeOwner(ownerID string) int {
	if ownerID == "" {
		return 0
	}

	b.mu.Lock()
	removed := b.subs.RemoveOwner(ownerID)
	for _, sub := range removed {
		if sub.Detach != nil {
			sub.Detach()
		}
	}
	b.limiter.RemoveClient(ownerID)
	b.mu.Unlock()

	b.removed(context.Background(), removed, RemovedByOwner)
	return len(removed)
}

func (b *Broker) remove(id uint64, reason string) bool {
	b.mu.Lock()
	sub := b.subs.Remove(id)
	if sub != nil && sub.Detach != nil {
		sub.Detach()
	}
	b.mu.Unlock()

	if sub == nil {
		return false
	}
	b.removed(context.Background(), []*router.Subscription{sub}, reason)
	return true
}

func (b *Broker) removed(ctx context.Context, subs []*router.Subscription, reason string) {
	for _, sub := range subs {
		b.stats.DecrementSubscriptions()
		b.logOp("unsubscribe",
			slog.Uint64("subscription_id", sub.ID),
			slog.String("pattern", sub.Pattern),
			slog.String("reason", reason))
		b.notify(ctx, events.SubscriptionRemoved{
			SubscriptionID: sub.ID,
			Pattern:        sub.Pattern,
			OwnerID:        sub.OwnerID,
			Reason:         reason,
		})
		if sub.OnRemove != nil {
			b.onRemove(sub, reason)
		}
	}
	if b.metrics != nil {
		b.metrics.RecordSubscriptionsRemoved(len(subs))
	}
}

func (b *Broker) onRemove(sub *router.Subscription, reason string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscription_on_remove_panic",
				slog.Uint64("subscription_id", sub.ID),
				slog.Any("panic", r))
		}
	}()
	sub.OnRemove(reason)
}
