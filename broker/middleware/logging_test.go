// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	b := broker.NewBroker(broker.Config{}, nil, nil, nil, nil, nil, nil, nil)
	defer b.Close()
	engine := NewLogging(b, logger)

	var got []any
	sub, err := engine.Subscribe("a.*", func(msg storage.Message) error {
		got = append(got, msg.Data)
		return nil
	}, broker.SubscribeOptions{OwnerID: "c1"})
	require.NoError(t, err)

	report, err := engine.Publish(context.Background(), broker.PublishRequest{Topic: "a.b", Data: "x", ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []any{"x"}, got)

	_, err = engine.Publish(context.Background(), broker.PublishRequest{Topic: ""})
	assert.ErrorIs(t, err, broker.ErrValidation)

	assert.True(t, engine.Unsubscribe(sub))
	assert.Zero(t, engine.UnsubscribeOwner("c1"))

	out := buf.String()
	for _, op := range []string{"hub_subscribe", "hub_publish", "hub_unsubscribe", "hub_unsubscribe_owner"} {
		assert.Contains(t, out, op)
	}
	assert.Contains(t, out, "topic=a.b")
}
