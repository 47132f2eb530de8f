// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware decorates the engine surface used by the hub.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/broker/router"
	"github.com/absmach/panbus/hub"
)

var _ hub.Engine = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   hub.Engine
}

// NewLogging wraps engine so every intake operation is logged at debug level.
func NewLogging(engine hub.Engine, logger *slog.Logger) hub.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger: logger, next: engine}
}

func (lm *loggingMiddleware) Publish(ctx context.Context, req broker.PublishRequest) (report broker.DeliveryReport, err error) {
	defer func(begin time.Time) {
		lm.logger.Debug("hub_publish",
			slog.String("topic", req.Topic),
			slog.String("client_id", req.ClientID),
			slog.Int("delivered", report.Delivered),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err))
	}(time.Now())
	return lm.next.Publish(ctx, req)
}

func (lm *loggingMiddleware) Subscribe(pattern string, handler router.Handler, opts broker.SubscribeOptions) (sub *broker.Subscription, err error) {
	defer func(begin time.Time) {
		var id uint64
		if sub != nil {
			id = sub.ID
		}
		lm.logger.Debug("hub_subscribe",
			slog.String("pattern", pattern),
			slog.String("owner_id", opts.OwnerID),
			slog.Uint64("subscription_id", id),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err))
	}(time.Now())
	return lm.next.Subscribe(pattern, handler, opts)
}

func (lm *loggingMiddleware) Unsubscribe(sub *broker.Subscription) bool {
	removed := lm.next.Unsubscribe(sub)
	if sub != nil {
		lm.logger.Debug("hub_unsubscribe",
			slog.Uint64("subscription_id", sub.ID),
			slog.Bool("removed", removed))
	}
	return removed
}

func (lm *loggingMiddleware) UnsubscribeOwner(ownerID string) int {
	n := lm.next.UnsubscribeOwner(ownerID)
	lm.logger.Debug("hub_unsubscribe_owner",
		slog.String("owner_id", ownerID),
		slog.Int("removed", n))
	return n
}
