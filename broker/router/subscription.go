// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"

	"github.com/absmach/panbus/storage"
)

// Handler consumes a delivered message. A returned error is counted and
// logged by the broker but never reaches the publisher.
type Handler func(msg storage.Message) error

// Subscription is a registered interest in every topic matching Pattern.
type Subscription struct {
	ID       uint64
	Pattern  string
	OwnerID  string
	Retained bool
	Handler  Handler
	Context  context.Context

	// Detach stops watching Context. Set and called by the broker under
	// its engine lock; nil when there is no Context.
	Detach func() bool

	// OnRemove is called by the broker after removal, outside its lock.
	OnRemove func(reason string)

	// Replay gate. Guarded by the broker's engine lock.
	replaying bool
	backlog   []storage.Message
}

// BeginReplay marks the subscription as receiving its retained replay.
// Live messages offered while replaying are held back.
func (s *Subscription) BeginReplay() {
	s.replaying = true
}

// Hold buffers msg when the subscription is replaying and reports whether
// it did so.
func (s *Subscription) Hold(msg storage.Message) bool {
	if !s.replaying {
		return false
	}
	s.backlog = append(s.backlog, msg)
	return true
}

// TakeBacklog returns the messages held so far. When none are left the
// replay is over and subsequent messages are delivered directly.
func (s *Subscription) TakeBacklog() []storage.Message {
	held := s.backlog
	s.backlog = nil
	if len(held) == 0 {
		s.replaying = false
	}
	return held
}

// Replaying reports whether the retained replay is still in progress.
func (s *Subscription) Replaying() bool {
	return s.replaying
}
