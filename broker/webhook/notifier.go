// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/config"
	"github.com/absmach/panbus/topics"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*Dispatcher)(nil)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook dispatcher closed")

// Dispatcher queues events and posts them to every matching endpoint.
type Dispatcher struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	dropped atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type endpoint struct {
	name     string
	url      string
	types    map[string]bool
	patterns []string
	headers  map[string]string
	timeout  time.Duration
	retry    config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint endpoint
	attempt  int
}

// NewDispatcher starts cfg.Workers workers posting through sender.
func NewDispatcher(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	workers := max(cfg.Workers, 1)
	queueSize := max(cfg.QueueSize, 1)

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		for _, p := range ep.TopicFilters {
			if err := topics.ValidatePattern(p); err != nil {
				return nil, fmt.Errorf("webhook %s: topic filter %q: %w", ep.Name, p, err)
			}
		}
		e := endpoint{
			name:     ep.Name,
			url:      ep.URL,
			patterns: ep.TopicFilters,
			headers:  ep.Headers,
			timeout:  cfg.Defaults.Timeout,
			retry:    cfg.Defaults.Retry,
		}
		if len(ep.Events) > 0 {
			e.types = make(map[string]bool, len(ep.Events))
			for _, t := range ep.Events {
				e.types[t] = true
			}
		}
		if ep.Timeout > 0 {
			e.timeout = ep.Timeout
		}
		if ep.Retry != nil {
			e.retry = *ep.Retry
		}
		endpoints = append(endpoints, e)
	}

	cb := cfg.Defaults.CircuitBreaker
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cb.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return cb.FailureThreshold > 0 && counts.ConsecutiveFailures >= uint32(cb.FailureThreshold)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook_breaker_state",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: endpoints,
		queue:     make(chan job, queueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	logger.Info("webhook_dispatcher_started",
		slog.Int("workers", workers),
		slog.Int("queue_size", queueSize),
		slog.Int("endpoints", len(endpoints)))

	return d, nil
}

// Notify queues ev for every endpoint whose filters accept it. It never
// blocks; a full queue drops per the configured policy.
func (d *Dispatcher) Notify(_ context.Context, ev events.Event) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if !d.cfg.IncludePayload {
		ev = stripPayload(ev)
	}

	for _, ep := range d.endpoints {
		if !ep.accepts(ev) {
			continue
		}
		d.enqueue(job{event: ev, endpoint: ep})
	}
	return nil
}

// Dropped returns the number of events lost to a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
		return
	default:
	}

	if d.cfg.DropPolicy == "oldest" {
		select {
		case old := <-d.queue:
			d.drop(old)
		default:
		}
		select {
		case d.queue <- j:
			return
		default:
		}
	}
	d.drop(j)
}

func (d *Dispatcher) drop(j job) {
	d.dropped.Add(1)
	d.logger.Warn("webhook_queue_full",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (ep endpoint) accepts(ev events.Event) bool {
	if ep.types != nil && !ep.types[ev.Type()] {
		return false
	}
	if ev.Topic() == "" || len(ep.patterns) == 0 {
		return true
	}
	return topics.MatchAny(ev.Topic(), ep.patterns)
}

func stripPayload(ev events.Event) events.Event {
	if mp, ok := ev.(events.MessagePublished); ok {
		mp.Payload = nil
		return mp
	}
	return ev
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.queue:
			d.process(j)
		}
	}
}

func (d *Dispatcher) process(j job) {
	breaker := d.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, d.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt+1 >= j.endpoint.retry.MaxAttempts {
		d.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	j.attempt++
	delay := backoff(j.attempt, j.endpoint.retry)
	d.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if d.closed.Load() {
			return
		}
		d.enqueue(j)
	})
}

func (d *Dispatcher) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(d.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := d.sender.Send(d.ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}
	d.logger.Debug("webhook_delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// backoff returns the exponential delay before retry attempt.
func backoff(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops accepting events and waits for in-flight sends.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		d.logger.Info("webhook_dispatcher_stopped", slog.Int("unsent", len(d.queue)))
	case <-time.After(timeout):
		d.logger.Warn("webhook_dispatcher_shutdown_timeout", slog.Int("unsent", len(d.queue)))
	}
	return nil
}
