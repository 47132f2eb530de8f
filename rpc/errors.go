// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

// ErrorReplyKey is the top-level key of an error-shaped reply:
// {"error": {"message": "..."}}.
const ErrorReplyKey = "error"

var (
	// ErrRequestTimeout is returned when no reply arrived before the deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRequestCancelled is returned when the request context ended first.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrRemote is wrapped by every RemoteError.
	ErrRemote = errors.New("responder failed")
)

// RemoteError carries the message of an error-shaped reply.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrRemote, e.Topic, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// errorReply builds the error-shaped reply for err.
func errorReply(err error) map[string]any {
	return map[string]any{
		ErrorReplyKey: map[string]any{"message": err.Error()},
	}
}

// remoteError extracts the error from an error-shaped reply.
func remoteError(topic string, data any) (*RemoteError, bool) {
	m, ok := data.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	body, ok := m[ErrorReplyKey].(map[string]any)
	if !ok {
		return nil, false
	}
	msg, ok := body["message"].(string)
	if !ok {
		return nil, false
	}
	return &RemoteError{Topic: topic, Message: msg}, true
}
