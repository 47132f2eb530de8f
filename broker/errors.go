// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
)

// Errors returned to publishers and subscribers. Callers match them with
// errors.Is.
var (
	// ErrValidation is returned for an empty or malformed topic or pattern,
	// non-serializable or cyclic data, or a payload above the size limit.
	ErrValidation = errors.New("validation failed")

	// ErrGlobalWildcardDenied is returned when subscribing to "*" while
	// global wildcard subscriptions are disabled. It wraps ErrValidation.
	ErrGlobalWildcardDenied = fmt.Errorf("%w: global wildcard subscriptions are disabled", ErrValidation)

	// ErrRateLimited is returned when the publishing client has no tokens left.
	ErrRateLimited = errors.New("publish rate limit exceeded")

	// ErrRetainedOverflow is returned when a retained message alone exceeds
	// the retained byte budget. The message is neither retained nor delivered.
	ErrRetainedOverflow = errors.New("retained message exceeds retained store budget")

	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker is closed")
)

// HandlerError describes a failed handler invocation. It is logged, counted
// and reported to the event notifier but never returned to publishers.
type HandlerError struct {
	SubscriptionID uint64
	Pattern        string
	Topic          string
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for subscription %d (%s) failed on %q: %v", e.SubscriptionID, e.Pattern, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
