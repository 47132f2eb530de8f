// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/hub"
	"github.com/absmach/panbus/storage"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

var errSlowClient = errors.New("websocket client send buffer full")

// Frame types.
const (
	frameWelcome     = "welcome"
	framePing        = "ping"
	framePong        = "pong"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameMessage     = "message"
	frameAck         = "ack"
	frameError       = "error"
)

// inbound is a frame sent by the client.
type inbound struct {
	Type          string `json:"type"`
	Ref           string `json:"ref,omitempty"`
	Pattern       string `json:"pattern,omitempty"`
	Retained      bool   `json:"retained,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Data          any    `json:"data,omitempty"`
	Retain        bool   `json:"retain,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// outbound is a frame sent to the client.
type outbound struct {
	Type     string           `json:"type"`
	Ref      string           `json:"ref,omitempty"`
	ClientID string           `json:"client_id,omitempty"`
	Pattern  string           `json:"pattern,omitempty"`
	Message  *storage.Message `json:"message,omitempty"`
	Data     any              `json:"data,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type client struct {
	ws *websocket.Conn
	// id is the client-chosen label carried on published messages. owner
	// is generated per connection and owns its subscriptions.
	id     string
	owner  string
	intake Intake
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan outbound

	// Touched only by the read loop.
	subs map[string]*broker.Subscription
}

func newClient(ws *websocket.Conn, id, owner string, intake Intake, logger *slog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		ws:     ws,
		id:     id,
		owner:  owner,
		intake: intake,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan outbound, sendBuffer),
		subs:   make(map[string]*broker.Subscription),
	}
}

// serve runs the connection until the peer goes away.
func (c *client) serve() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.enqueue(outbound{Type: frameWelcome, ClientID: c.id})
	c.readLoop()

	c.cancel()
	if _, err := c.intake.Submit(context.Background(), hub.Intent{Kind: hub.KindUnsubscribeOwner, OwnerID: c.owner}); err != nil {
		c.logger.Warn("websocket_cleanup_failed",
			slog.String("client_id", c.id),
			slog.String("owner_id", c.owner),
			slog.String("error", err.Error()))
	}
	wg.Wait()
	c.ws.Close()
	c.logger.Debug("websocket_connection_closed", slog.String("client_id", c.id))
}

func (c *client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.enqueue(outbound{Type: frameError, Code: "BAD_PAYLOAD", Error: "invalid JSON"})
			continue
		}

		switch in.Type {
		case framePing:
			c.enqueue(outbound{Type: framePong, Ref: in.Ref})
		case frameSubscribe:
			c.subscribe(in)
		case frameUnsubscribe:
			c.unsubscribe(in)
		case framePublish:
			c.publish(in)
		default:
			c.enqueue(outbound{Type: frameError, Ref: in.Ref, Code: "UNKNOWN_TYPE", Error: "unsupported frame type " + in.Type})
		}
	}
}

func (c *client) subscribe(in inbound) {
	if _, ok := c.subs[in.Pattern]; ok {
		c.enqueue(outbound{Type: frameAck, Ref: in.Ref, Pattern: in.Pattern})
		return
	}

	pattern := in.Pattern
	res, err := c.intake.Submit(c.ctx, hub.Intent{
		Kind:    hub.KindSubscribe,
		Pattern: pattern,
		Handler: func(msg storage.Message) error {
			return c.deliver(pattern, msg)
		},
		Options: broker.SubscribeOptions{
			Retained: in.Retained,
			OwnerID:  c.owner,
			Context:  c.ctx,
		},
	})
	if err != nil {
		c.fail(in.Ref, err)
		return
	}
	c.subs[pattern] = res.Subscription
	c.enqueue(outbound{Type: frameAck, Ref: in.Ref, Pattern: pattern})
}

func (c *client) unsubscribe(in inbound) {
	sub, ok := c.subs[in.Pattern]
	if ok {
		delete(c.subs, in.Pattern)
		if _, err := c.intake.Submit(c.ctx, hub.Intent{Kind: hub.KindUnsubscribe, Subscription: sub}); err != nil {
			c.fail(in.Ref, err)
			return
		}
	}
	c.enqueue(outbound{Type: frameAck, Ref: in.Ref, Pattern: in.Pattern})
}

func (c *client) publish(in inbound) {
	res, err := c.intake.Submit(c.ctx, hub.Intent{
		Kind: hub.KindPublish,
		Publish: broker.PublishRequest{
			Topic:         in.Topic,
			Data:          in.Data,
			Retain:        in.Retain,
			CorrelationID: in.CorrelationID,
			ReplyTo:       in.ReplyTo,
			ClientID:      c.id,
		},
	})
	if err != nil {
		c.fail(in.Ref, err)
		return
	}
	c.enqueue(outbound{Type: frameAck, Ref: in.Ref, Data: res.Report})
}

// deliver runs on the publisher's goroutine and must not block.
func (c *client) deliver(pattern string, msg storage.Message) error {
	if !c.enqueue(outbound{Type: frameMessage, Pattern: pattern, Message: &msg}) {
		return errSlowClient
	}
	return nil
}

func (c *client) fail(ref string, err error) {
	c.enqueue(outbound{Type: frameError, Ref: ref, Code: errorCode(err), Error: err.Error()})
}

func (c *client) enqueue(out outbound) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- out:
		return true
	default:
		c.logger.Warn("websocket_send_buffer_full",
			slog.String("client_id", c.id),
			slog.String("frame", out.Type))
		return false
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(out); err != nil {
				c.logger.Debug("websocket_write_failed",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()))
				c.cancel()
				// Unblocks the read loop.
				c.ws.Close()
				return
			}
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, broker.ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, broker.ErrRetainedOverflow):
		return "RETAINED_OVERFLOW"
	case errors.Is(err, broker.ErrClosed), errors.Is(err, hub.ErrNotReady):
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
