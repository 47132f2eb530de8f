// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/storage"
)

// Respond serves requests published on topics matching pattern. Each
// request's reply goes to its ReplyTo topic with the same correlation id.
// Handler errors and panics are sent back as error-shaped replies.
// Messages without ReplyTo are ignored.
func (c *Coordinator) Respond(pattern string, handler ResponderFunc) (*broker.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil responder", broker.ErrValidation)
	}
	return c.bus.Subscribe(pattern, func(msg storage.Message) error {
		return c.respond(msg, handler)
	}, broker.SubscribeOptions{
		OwnerID: c.ownerID,
		Context: c.ctx,
	})
}

func (c *Coordinator) respond(msg storage.Message, handler ResponderFunc) error {
	if !msg.IsRequest() {
		return nil
	}

	data, err := c.call(msg, handler)
	reply := broker.PublishRequest{
		Topic:         msg.ReplyTo,
		Data:          data,
		CorrelationID: msg.CorrelationID,
		ClientID:      c.clientID,
	}
	if err != nil {
		reply.Data = errorReply(err)
	}

	_, perr := c.bus.Publish(c.ctx, reply)
	if perr != nil && err == nil && errors.Is(perr, broker.ErrValidation) {
		// The result itself was rejected; the requester still gets an answer.
		reply.Data = errorReply(perr)
		_, perr = c.bus.Publish(c.ctx, reply)
	}
	if perr != nil {
		c.logger.Warn("rpc_reply_failed",
			slog.String("topic", msg.Topic),
			slog.String("reply_to", msg.ReplyTo),
			slog.String("error", perr.Error()))
		return errors.Join(err, perr)
	}
	return err
}

func (c *Coordinator) call(msg storage.Message, handler ResponderFunc) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("responder panic: %v", r)
		}
	}()
	return handler(c.ctx, msg)
}
