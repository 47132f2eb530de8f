// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessagePublished    = "message.published"
	TypePublishRejected     = "message.rejected"
	TypeRetainedEvicted     = "retained.evicted"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeHandlerFailed       = "handler.failed"
	TypeReplyDuplicate      = "reply.duplicate"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.published").
	Type() string

	// Topic returns the message topic for message events, empty for others.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Notifier observes broker events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// MessagePublished is emitted once a publish completes delivery.
type MessagePublished struct {
	MessageID    string `json:"message_id"`
	ClientID     string `json:"client_id,omitempty"`
	MessageTopic string `json:"topic"`
	Retained     bool   `json:"retained"`
	PayloadSize  int    `json:"payload_size"`
	Matched      int    `json:"matched"`
	Delivered    int    `json:"delivered"`
	Failed       int    `json:"failed"`
	Payload      any    `json:"payload,omitempty"`
}

func (e MessagePublished) Type() string                   { return TypeMessagePublished }
func (e MessagePublished) Topic() string                  { return e.MessageTopic }
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// PublishRejected is emitted when a publish fails validation, rate
// limiting or retention.
type PublishRejected struct {
	ClientID     string `json:"client_id,omitempty"`
	MessageTopic string `json:"topic"`
	Reason       string `json:"reason"`
}

func (e PublishRejected) Type() string                   { return TypePublishRejected }
func (e PublishRejected) Topic() string                  { return e.MessageTopic }
func (e PublishRejected) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// RetainedEvicted is emitted for every retained entry dropped to stay
// within the retained budgets.
type RetainedEvicted struct {
	MessageTopic string `json:"topic"`
	EvictedBy    string `json:"evicted_by"`
}

func (e RetainedEvicted) Type() string                   { return TypeRetainedEvicted }
func (e RetainedEvicted) Topic() string                  { return e.MessageTopic }
func (e RetainedEvicted) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a subscription is registered.
type SubscriptionCreated struct {
	SubscriptionID uint64 `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	OwnerID        string `json:"owner_id,omitempty"`
	Retained       bool   `json:"retained"`
	Replayed       int    `json:"replayed"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return "" }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a subscription is removed.
type SubscriptionRemoved struct {
	SubscriptionID uint64 `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	OwnerID        string `json:"owner_id,omitempty"`
	Reason         string `json:"reason"` // "unsubscribe", "owner", "cancelled", "closed"
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return "" }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// HandlerFailed is emitted when a subscription handler returns an error
// or panics.
type HandlerFailed struct {
	SubscriptionID uint64 `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	MessageTopic   string `json:"topic"`
	MessageID      string `json:"message_id"`
	Error          string `json:"error"`
}

func (e HandlerFailed) Type() string                   { return TypeHandlerFailed }
func (e HandlerFailed) Topic() string                  { return e.MessageTopic }
func (e HandlerFailed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ReplyDuplicate is emitted when a reply arrives for a request that was
// already resolved.
type ReplyDuplicate struct {
	CorrelationID string `json:"correlation_id"`
	ReplyTopic    string `json:"reply_topic"`
}

func (e ReplyDuplicate) Type() string                   { return TypeReplyDuplicate }
func (e ReplyDuplicate) Topic() string                  { return e.ReplyTopic }
func (e ReplyDuplicate) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
