// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/panbus/ratelimit"
	"github.com/absmach/panbus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatching(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	exact, single, other := &recorder{}, &recorder{}, &recorder{}

	_, err := b.Subscribe("a.b.c", exact.handle, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("a.*.c", single.handle, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("a.*", other.handle, SubscribeOptions{})
	require.NoError(t, err)

	report, err := b.Publish(context.Background(), PublishRequest{
		Topic:    "a.b.c",
		Data:     map[string]any{"x": 1},
		ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Delivered)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.MessageID)

	require.Len(t, exact.messages(), 1)
	got := exact.messages()[0]
	assert.Equal(t, report.MessageID, got.ID)
	assert.Equal(t, "a.b.c", got.Topic)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, map[string]any{"x": 1}, got.Data)
	assert.Equal(t, len(`{"x":1}`), got.Size)
	assert.False(t, got.Timestamp.IsZero())
	assert.Len(t, single.messages(), 1)
	assert.Empty(t, other.messages())
}

func TestPublishHandlerIsolation(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	var order []string
	var mu sync.Mutex
	handler := func(name string, err error) func(storage.Message) error {
		return func(storage.Message) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}
	}

	_, err := b.Subscribe("t", handler("first", nil), SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("t", handler("second", errors.New("boom")), SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("t", func(storage.Message) error {
		mu.Lock()
		order = append(order, "panicking")
		mu.Unlock()
		panic("handler bug")
	}, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("t", handler("third", nil), SubscribeOptions{})
	require.NoError(t, err)

	report, err := b.Publish(context.Background(), PublishRequest{Topic: "t", Data: "x"})
	require.NoError(t, err, "handler failures never reach the publisher")
	assert.Equal(t, []string{"first", "second", "panicking", "third"}, order)
	assert.Equal(t, 4, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, uint64(2), b.Stats().GetHandlerErrors())
}

func TestPublishHandlerErrorType(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	errBoom := errors.New("boom")
	sub, err := b.Subscribe("t", func(storage.Message) error { return errBoom }, SubscribeOptions{})
	require.NoError(t, err)

	herr := b.invoke(context.Background(), sub.Subscription, storage.Message{Topic: "t"})
	var target *HandlerError
	require.ErrorAs(t, herr, &target)
	assert.Equal(t, sub.ID, target.SubscriptionID)
	assert.ErrorIs(t, herr, errBoom)
	assert.Contains(t, herr.Error(), `"t"`)
}

func TestPublishValidation(t *testing.T) {
	b := newTestBroker(t, testOpts{cfg: Config{MaxMessageSize: 32}})
	rec := &recorder{}
	_, err := b.Subscribe("*", rec.handle, SubscribeOptions{})
	require.ErrorIs(t, err, ErrGlobalWildcardDenied)
	_, err = b.Subscribe("a", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	tests := []struct {
		name string
		req  PublishRequest
	}{
		{"empty topic", PublishRequest{Topic: "", Data: 1}},
		{"wildcard topic", PublishRequest{Topic: "a.*", Data: 1}},
		{"invalid reply topic", PublishRequest{Topic: "a", ReplyTo: "r.*", Data: 1}},
		{"function data", PublishRequest{Topic: "a", Data: func() {}}},
		{"channel in tree", PublishRequest{Topic: "a", Data: map[string]any{"c": make(chan int)}}},
		{"cyclic data", PublishRequest{Topic: "a", Data: cyclic}},
		{"non-finite number", PublishRequest{Topic: "a", Data: []any{1.0, nan()}}},
		{"oversized payload", PublishRequest{Topic: "a", Data: strings.Repeat("x", 64), Retain: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := b.Publish(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Zero(t, report.Delivered)
		})
	}

	assert.Empty(t, rec.messages())
	assert.Empty(t, b.RetainedMatching("a"), "rejected publishes never touch the retained store")
	assert.Equal(t, uint64(len(tests)), b.Stats().GetDropped())
	assert.Zero(t, b.Stats().GetPublished())
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestPublishCopiesData(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	var first, second map[string]any
	_, err := b.Subscribe("a", func(m storage.Message) error {
		first = m.Data.(map[string]any)
		first["x"] = "mutated"
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("a", func(m storage.Message) error {
		second = m.Data.(map[string]any)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	data := map[string]any{"x": 1}
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a", Data: data, Retain: true})
	require.NoError(t, err)
	data["x"] = 2

	assert.Equal(t, 1, second["x"], "handlers cannot see each other's mutations")
	retained, ok := b.Retained("a")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1}, retained.Data)
}

func TestPublishRateLimit(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{Enabled: true, PerInterval: 2, Interval: time.Hour})
	b := newTestBroker(t, testOpts{limiter: limiter})
	rec := &recorder{}
	_, err := b.Subscribe("a", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	publish := func(client string, topic string) error {
		_, err := b.Publish(context.Background(), PublishRequest{Topic: topic, Data: 1, ClientID: client, Retain: true})
		return err
	}

	require.NoError(t, publish("c1", "a"))
	require.ErrorIs(t, publish("c1", ""), ErrValidation, "invalid publishes spend no token")
	require.NoError(t, publish("c1", "a"))

	err = publish("c1", "a")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrValidation)

	require.NoError(t, publish("c2", "a"), "buckets are per client")
	assert.Len(t, rec.messages(), 3, "a rate limited message is not delivered")

	b.UnsubscribeOwner("c1")
	require.NoError(t, publish("c1", "a"), "owner cleanup resets the bucket")
}

func TestPublishRetainedOverflowAbortsDelivery(t *testing.T) {
	b := newTestBroker(t, testOpts{maxBytes: 16})
	rec := &recorder{}
	_, err := b.Subscribe("a", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a", Data: "small", Retain: true})
	require.NoError(t, err)

	big := strings.Repeat("x", 32)
	report, err := b.Publish(context.Background(), PublishRequest{Topic: "a", Data: big, Retain: true})
	require.ErrorIs(t, err, ErrRetainedOverflow)
	assert.ErrorIs(t, err, storage.ErrRetainedTooLarge)
	assert.Zero(t, report.Delivered)

	assert.Len(t, rec.messages(), 1, "the overflowing message is not delivered live")
	retained, ok := b.Retained("a")
	require.True(t, ok)
	assert.Equal(t, "small", retained.Data, "the previous retained value is kept")

	// The same payload without retention is delivered.
	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a", Data: big})
	require.NoError(t, err)
	assert.Len(t, rec.messages(), 2)
}

func TestPublishRetainedEviction(t *testing.T) {
	b := newTestBroker(t, testOpts{maxEntries: 2})
	for i, topic := range []string{"r.a", "r.b", "r.c"} {
		report, err := b.Publish(context.Background(), PublishRequest{Topic: topic, Data: i, Retain: true})
		require.NoError(t, err)
		assert.True(t, report.Retained)
		if topic == "r.c" {
			assert.Equal(t, []string{"r.a"}, report.Evicted)
		}
	}
	assert.Equal(t, uint64(1), b.Stats().GetRetainedEvicted())

	entries, _ := b.RetainedUsage()
	assert.Equal(t, 2, entries)
}

func TestPublishRetainedNull(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	rec := &recorder{}
	_, err := b.Subscribe("a", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), PublishRequest{Topic: "a", Data: 1, Retain: true})
	require.NoError(t, err)
	report, err := b.Publish(context.Background(), PublishRequest{Topic: "a", Retain: true})
	require.NoError(t, err)
	assert.True(t, report.Retained)
	assert.Equal(t, []any{1, nil}, rec.data())

	msg, ok := b.Retained("a")
	require.True(t, ok)
	assert.Nil(t, msg.Data)

	late := &recorder{}
	_, err = b.Subscribe("a", late.handle, SubscribeOptions{Retained: true})
	require.NoError(t, err)
	assert.Equal(t, []any{nil}, late.data(), "null is replayed like any retained value")
}

func TestRemoveRetained(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	_, err := b.Publish(context.Background(), PublishRequest{Topic: "a", Data: 1, Retain: true})
	require.NoError(t, err)

	assert.True(t, b.RemoveRetained("a"))
	assert.False(t, b.RemoveRetained("a"))
	_, ok := b.Retained("a")
	assert.False(t, ok)

	rec := &recorder{}
	_, err = b.Subscribe("a", rec.handle, SubscribeOptions{Retained: true})
	require.NoError(t, err)
	assert.Empty(t, rec.data())
}

func TestPublishSnapshotSemantics(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	late := &recorder{}
	victim := &recorder{}

	var victimSub *Subscription
	_, err := b.Subscribe("t", func(msg storage.Message) error {
		if msg.Data != "first" {
			return nil
		}
		// Membership changes apply to the next publish only.
		_, err := b.Subscribe("t", late.handle, SubscribeOptions{})
		if err != nil {
			return err
		}
		victimSub.Unsubscribe()
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	victimSub, err = b.Subscribe("t", victim.handle, SubscribeOptions{})
	require.NoError(t, err)

	report, err := b.Publish(context.Background(), PublishRequest{Topic: "t", Data: "first"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, []any{"first"}, victim.data(), "removed mid-flight still receives the current message")
	assert.Empty(t, late.messages(), "added mid-flight does not receive the current message")

	_, err = b.Publish(context.Background(), PublishRequest{Topic: "t", Data: "second"})
	require.NoError(t, err)
	assert.Equal(t, []any{"first"}, victim.data())
	assert.Equal(t, []any{"second"}, late.data())
}

func TestPublishReentrant(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	rec := &recorder{}
	_, err := b.Subscribe("ping", func(msg storage.Message) error {
		_, err := b.Publish(context.Background(), PublishRequest{Topic: "pong", Data: msg.Data})
		return err
	}, SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("pong", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := b.Publish(context.Background(), PublishRequest{Topic: "ping", Data: 7})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing from a handler deadlocked")
	}
	assert.Equal(t, []any{7}, rec.data())
}

func TestPublishOrderPerPublisher(t *testing.T) {
	b := newTestBroker(t, testOpts{})
	rec := &recorder{}
	_, err := b.Subscribe("seq.*", rec.handle, SubscribeOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := b.Publish(context.Background(), PublishRequest{
					Topic:    fmt.Sprintf("seq.p%d", p),
					Data:     i,
					ClientID: fmt.Sprintf("p%d", p),
				})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	last := map[string]int{}
	for _, m := range rec.messages() {
		prev, seen := last[m.Topic]
		if seen {
			assert.Greater(t, m.Data.(int), prev, "topic %s reordered", m.Topic)
		}
		last[m.Topic] = m.Data.(int)
	}
	assert.Len(t, rec.messages(), 400)
}
