// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker events to HTTP endpoints from a bounded
// worker pool, with per-endpoint retries and circuit breakers.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/panbus/broker/events"
)

// Notifier is an events.Notifier that must be closed.
type Notifier interface {
	events.Notifier

	// Close stops the workers, waiting up to the shutdown timeout.
	Close() error
}

// Sender posts one encoded envelope to url.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
