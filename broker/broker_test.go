// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/panbus/broker/events"
	"github.com/absmach/panbus/ratelimit"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/storage/memory"
	"github.com/absmach/panbus/tracebuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOpts struct {
	cfg        Config
	maxEntries int
	maxBytes   int
	limiter    *ratelimit.Manager
	notifier   events.Notifier
}

func newTestBroker(t *testing.T, opts testOpts) *Broker {
	t.Helper()
	if opts.cfg.MaxMessageSize == 0 {
		opts.cfg.MaxMessageSize = 1024
	}
	store := memory.NewRetainedStore(opts.maxEntries, opts.maxBytes)
	b := NewBroker(opts.cfg, store, opts.limiter, nil, nil, opts.notifier, nil, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// recorder collects delivered messages in order.
type recorder struct {
	mu   sync.Mutex
	msgs []storage.Message
}

func (r *recorder) handle(msg storage.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) messages() []storage.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Message(nil), r.msgs...)
}

func (r *recorder) data() []any {
	var out []any
	for _, m := range r.messages() {
		out = append(out, m.Data)
	}
	return out
}

// fakeNotifier records events synchronously.
type fakeNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *fakeNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		out = append(out, ev.Type())
	}
	return out
}

func TestNewBrokerDefaults(t *testing.T) {
	b := NewBroker(Config{}, nil, nil, nil, nil, nil, nil, nil)
	require.NotNil(t, b.Stats())

	_, err := b.Publish(context.Background(), PublishRequest{Topic: "a", Data: 1, Retain: true})
	require.NoError(t, err)
	entries, _ := b.RetainedUsage()
	assert.Equal(t, 1, entries)
}

func TestCloseRejectsOperations(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	rec := &recorder{}
	_, err := b.Subscribe("a", rec.handle, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a", Data: 1, Retain: true})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")
	assert.True(t, b.Closed())
	assert.Zero(t, b.SubscriptionCount())
	assert.Zero(t, b.Stats().GetSubscriptions())

	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a", Data: 2})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Subscribe("a", rec.handle, SubscribeOptions{})
	assert.ErrorIs(t, err, ErrClosed)

	_, ok := b.Retained("a")
	assert.True(t, ok, "retained messages stay readable")
	assert.Len(t, rec.messages(), 1)
}

func TestTraceBufferRecordsPublishes(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	buf := tracebuf.New(8, 1)
	b.SetTraceBuffer(buf)
	assert.Same(t, buf, b.TraceBuffer())

	rec := &recorder{}
	_, err := b.Subscribe("a.*", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	for _, topic := range []string{"a.b", "a.c", "x"} {
		_, err := b.Publish(context.Background(), PublishRequest{Topic: topic, Data: topic})
		require.NoError(t, err)
	}
	_, err = b.Publish(context.Background(), PublishRequest{Topic: ""})
	require.Error(t, err)

	entries := buf.All()
	require.Len(t, entries, 3, "rejected publishes are not traced")
	assert.Equal(t, "a.b", entries[0].Message.Topic)
	assert.Equal(t, 1, entries[0].Delivered)
	assert.Equal(t, 0, entries[2].Delivered)
	assert.Len(t, buf.Query("a.*"), 2)
}

func TestEventsNotified(t *testing.T) {
	n := &fakeNotifier{}
	b := newTestBroker(t, testOpts{notifier: n, maxEntries: 1})

	sub, err := b.Subscribe("a.*", func(storage.Message) error { return assert.AnError }, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a.b", Data: 1, Retain: true})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a.c", Data: 1, Retain: true})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "", Data: 1})
	require.Error(t, err)
	sub.Unsubscribe()

	assert.Equal(t, []string{
		events.TypeSubscriptionCreated,
		events.TypeHandlerFailed,
		events.TypeMessagePublished,
		events.TypeHandlerFailed,
		events.TypeRetainedEvicted,
		events.TypeMessagePublished,
		events.TypePublishRejected,
		events.TypeSubscriptionRemoved,
	}, n.types())
}

func TestStatsSnapshot(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	rec := &recorder{}
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("a", rec.handle, SubscribeOptions{})
		require.NoError(t, err)
	}
	_, err := b.Publish(context.Background(), PublishRequest{Topic: "a", Data: 1})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a*", Data: 1})
	require.Error(t, err)

	snap := b.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.Published)
	assert.Equal(t, uint64(3), snap.Delivered, "one publish to three subscribers is three deliveries")
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.Equal(t, int64(3), snap.Subscriptions)
	assert.Greater(t, snap.Uptime, time.Duration(0))
}
