// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrEmptyTopic       = errors.New("topic is empty")
	ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrEmptyPattern     = errors.New("pattern is empty")
	ErrInvalidPattern   = errors.New("invalid pattern: malformed wildcard or illegal characters")
)

// ValidateTopic checks if topic is valid for publishing (no wildcards).
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if strings.Contains(topic, Wildcard) {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) || strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidatePattern checks if pattern is valid for subscribing.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	if !utf8.ValidString(pattern) || strings.ContainsRune(pattern, 0) {
		return ErrInvalidPattern
	}
	for _, seg := range Split(pattern) {
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return ErrInvalidPattern
		}
	}
	return nil
}
