// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/panbus/topics"
	"github.com/stretchr/testify/assert"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr error
	}{
		{"valid.topic", nil},
		{"a..b", nil},
		{"invalid.*", topics.ErrInvalidTopicName},
		{"inva*lid", topics.ErrInvalidTopicName},
		{"", topics.ErrEmptyTopic},
		{string([]byte{0xFF, 0xFE}), topics.ErrInvalidTopicName},
		{"null\u0000char", topics.ErrInvalidTopicName},
	}

	for _, tt := range tests {
		assert.ErrorIsf(t, topics.ValidateTopic(tt.topic), tt.wantErr, "ValidateTopic(%q)", tt.topic)
		if tt.wantErr == nil {
			assert.NoErrorf(t, topics.ValidateTopic(tt.topic), "ValidateTopic(%q)", tt.topic)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr error
	}{
		{"a.b", nil},
		{"a.*", nil},
		{"*", nil},
		{"*.*.c", nil},
		{"a..*", nil},
		{"", topics.ErrEmptyPattern},
		{"a*", topics.ErrInvalidPattern},
		{"a.**", topics.ErrInvalidPattern},
		{"bad\u0000", topics.ErrInvalidPattern},
	}

	for _, tt := range tests {
		err := topics.ValidatePattern(tt.pattern)
		if tt.wantErr == nil {
			assert.NoErrorf(t, err, "ValidatePattern(%q)", tt.pattern)
			continue
		}
		assert.ErrorIsf(t, err, tt.wantErr, "ValidatePattern(%q)", tt.pattern)
	}
}
