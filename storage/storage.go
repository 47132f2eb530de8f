// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrRetainedTooLarge = errors.New("retained message exceeds the retained memory budget")
)

// Message is a published message. It is immutable once published: the
// broker hands out copies and never mutates a delivered message.
type Message struct {
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data"`
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	ClientID      string    `json:"client_id,omitempty"`
	Size          int       `json:"size"`
	Retain        bool      `json:"retain"`
}

// IsRequest reports whether the message expects a reply.
func (m Message) IsRequest() bool {
	return m.ReplyTo != ""
}

// CopyMessage creates a deep copy of a message, including its data tree.
func CopyMessage(msg Message) Message {
	cp := msg
	cp.Data = CopyValue(msg.Data)
	return cp
}

// RetainedStore holds the last retained message per topic.
type RetainedStore interface {
	// Put stores or replaces the retained message for topic and returns the
	// topics evicted to stay within budget. The entry just written is never
	// evicted by its own Put. Nil data is stored like any other value.
	Put(topic string, msg Message) (evicted []string, err error)

	// Get retrieves the retained message for an exact topic.
	Get(topic string) (Message, bool)

	// GetAll returns every retained message whose topic matches at least one
	// pattern, ordered by topic.
	GetAll(patterns []string) []Message

	// Remove deletes the retained message for topic.
	Remove(topic string) bool

	// Len returns the number of retained entries.
	Len() int

	// Bytes returns the total size of retained entries.
	Bytes() int
}
