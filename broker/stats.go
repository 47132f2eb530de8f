// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks delivery statistics. All counters are safe for concurrent use.
type Stats struct {
	startTime time.Time

	// Message stats
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	// Retained message stats
	retainedEvicted atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Int64
	unsubscriptions atomic.Uint64

	// Error and anomaly stats
	handlerErrors        atomic.Uint64
	duplicateReplies     atomic.Uint64
	requestTimeouts      atomic.Uint64
	requestCancellations atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Published            uint64        `json:"published"`
	Delivered            uint64        `json:"delivered"`
	Dropped              uint64        `json:"dropped"`
	RetainedEvicted      uint64        `json:"retained_evicted"`
	Subscriptions        int64         `json:"subscriptions"`
	Unsubscriptions      uint64        `json:"unsubscriptions"`
	HandlerErrors        uint64        `json:"handler_errors"`
	DuplicateReplies     uint64        `json:"duplicate_replies"`
	RequestTimeouts      uint64        `json:"request_timeouts"`
	RequestCancellations uint64        `json:"request_cancellations"`
	Uptime               time.Duration `json:"uptime_ns"`
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Message tracking.
func (s *Stats) IncrementPublished() {
	s.published.Add(1)
}

func (s *Stats) AddDelivered(n uint64) {
	s.delivered.Add(n)
}

func (s *Stats) IncrementDropped() {
	s.dropped.Add(1)
}

func (s *Stats) GetPublished() uint64 {
	return s.published.Load()
}

func (s *Stats) GetDelivered() uint64 {
	return s.delivered.Load()
}

func (s *Stats) GetDropped() uint64 {
	return s.dropped.Load()
}

// Retained tracking.
func (s *Stats) AddRetainedEvicted(n uint64) {
	s.retainedEvicted.Add(n)
}

func (s *Stats) GetRetainedEvicted() uint64 {
	return s.retainedEvicted.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions() {
	s.subscriptions.Add(-1)
	s.unsubscriptions.Add(1)
}

func (s *Stats) GetSubscriptions() int64 {
	return s.subscriptions.Load()
}

// Error and anomaly tracking.
func (s *Stats) IncrementHandlerErrors() {
	s.handlerErrors.Add(1)
}

func (s *Stats) IncrementDuplicateReplies() {
	s.duplicateReplies.Add(1)
}

func (s *Stats) IncrementRequestTimeouts() {
	s.requestTimeouts.Add(1)
}

func (s *Stats) IncrementRequestCancellations() {
	s.requestCancellations.Add(1)
}

func (s *Stats) GetHandlerErrors() uint64 {
	return s.handlerErrors.Load()
}

func (s *Stats) GetDuplicateReplies() uint64 {
	return s.duplicateReplies.Load()
}

func (s *Stats) GetRequestTimeouts() uint64 {
	return s.requestTimeouts.Load()
}

func (s *Stats) GetRequestCancellations() uint64 {
	return s.requestCancellations.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot returns a copy of every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Published:            s.GetPublished(),
		Delivered:            s.GetDelivered(),
		Dropped:              s.GetDropped(),
		RetainedEvicted:      s.GetRetainedEvicted(),
		Subscriptions:        s.GetSubscriptions(),
		Unsubscriptions:      s.unsubscriptions.Load(),
		HandlerErrors:        s.GetHandlerErrors(),
		DuplicateReplies:     s.GetDuplicateReplies(),
		RequestTimeouts:      s.GetRequestTimeouts(),
		RequestCancellations: s.GetRequestCancellations(),
		Uptime:               s.GetUptime(),
	}
}
