// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTopics(t *testing.T) {
	tests := []struct {
		event Event
		typ   string
		topic string
	}{
		{MessagePublished{MessageTopic: "a.b"}, TypeMessagePublished, "a.b"},
		{PublishRejected{MessageTopic: "a.b"}, TypePublishRejected, "a.b"},
		{RetainedEvicted{MessageTopic: "old"}, TypeRetainedEvicted, "old"},
		{SubscriptionCreated{Pattern: "a.*"}, TypeSubscriptionCreated, ""},
		{SubscriptionRemoved{Pattern: "a.*"}, TypeSubscriptionRemoved, ""},
		{HandlerFailed{MessageTopic: "a.b"}, TypeHandlerFailed, "a.b"},
		{ReplyDuplicate{ReplyTopic: "_reply.x"}, TypeReplyDuplicate, "_reply.x"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.typ, tt.event.Type())
		assert.Equal(t, tt.topic, tt.event.Topic())
	}
}

func TestWrap(t *testing.T) {
	ev := MessagePublished{MessageID: "m1", MessageTopic: "a.b", Matched: 3, Delivered: 2, Failed: 1}
	env := ev.Wrap("panbus-1")

	assert.Equal(t, TypeMessagePublished, env.EventType)
	assert.Equal(t, "panbus-1", env.BrokerID)
	_, err := uuid.Parse(env.EventID)
	assert.NoError(t, err)
	_, err = time.Parse(time.RFC3339Nano, env.Timestamp)
	assert.NoError(t, err)
	assert.NotEqual(t, env.EventID, ev.Wrap("panbus-1").EventID)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message.published", decoded["event_type"])
	payload := decoded["data"].(map[string]any)
	assert.Equal(t, "a.b", payload["topic"])
	assert.Equal(t, float64(2), payload["delivered"])
}
