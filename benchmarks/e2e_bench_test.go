// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/hub"
	"github.com/absmach/panbus/rpc"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/storage/memory"
	"github.com/absmach/panbus/server/websocket"
	gorilla "github.com/gorilla/websocket"
)

type testBus struct {
	broker *broker.Broker
	hub    *hub.Hub
	srv    *httptest.Server
}

func startTestBus(b *testing.B) *testBus {
	b.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	br := broker.NewBroker(broker.Config{MaxMessageSize: 1 << 20}, memory.NewRetainedStore(0, 0), nil, logger, nil, nil, nil, nil)
	h := hub.New(0, logger)
	if err := h.Attach(br); err != nil {
		b.Fatalf("Failed to attach hub: %v", err)
	}
	ws := websocket.New(websocket.Config{}, h, nil, logger)
	return &testBus{broker: br, hub: h, srv: httptest.NewServer(ws.Handler())}
}

func (tb *testBus) Stop() {
	tb.srv.Close()
	_ = tb.broker.Close()
}

func (tb *testBus) url() string {
	return "ws" + strings.TrimPrefix(tb.srv.URL, "http") + "/ws"
}

func dialClient(b *testing.B, url, clientID string) *gorilla.Conn {
	b.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url+"?client_id="+clientID, nil)
	if err != nil {
		b.Fatalf("Failed to connect: %v", err)
	}
	var welcome map[string]any
	if err := conn.ReadJSON(&welcome); err != nil {
		b.Fatalf("Failed to read welcome: %v", err)
	}
	return conn
}

// BenchmarkPublish measures in-process publish throughput by subscriber count.
func BenchmarkPublish(b *testing.B) {
	for _, subs := range []int{0, 1, 10, 100} {
		b.Run(fmt.Sprintf("%d_subscribers", subs), func(b *testing.B) {
			br := broker.NewBroker(broker.Config{}, memory.NewRetainedStore(0, 0), nil, nil, nil, nil, nil, nil)
			defer br.Close()

			for i := 0; i < subs; i++ {
				_, err := br.Subscribe("bench.*", func(storage.Message) error { return nil }, broker.SubscribeOptions{})
				if err != nil {
					b.Fatal(err)
				}
			}

			payload := map[string]any{"seq": 1, "value": "x"}
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := br.Publish(context.Background(), broker.PublishRequest{Topic: "bench.topic", Data: payload}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkPublishRetained measures publish throughput with retained storage and eviction.
func BenchmarkPublishRetained(b *testing.B) {
	br := broker.NewBroker(broker.Config{}, memory.NewRetainedStore(1000, 0), nil, nil, nil, nil, nil, nil)
	defer br.Close()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		topic := fmt.Sprintf("bench.%d", i%5000)
		if _, err := br.Publish(context.Background(), broker.PublishRequest{Topic: topic, Data: i, Retain: true}); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRequestReply measures round trips through the request coordinator.
func BenchmarkRequestReply(b *testing.B) {
	br := broker.NewBroker(broker.Config{}, memory.NewRetainedStore(0, 0), nil, nil, nil, nil, nil, nil)
	defer br.Close()
	coord, err := rpc.New(br)
	if err != nil {
		b.Fatal(err)
	}
	defer coord.Close()

	if _, err := coord.Respond("svc.echo", func(_ context.Context, msg storage.Message) (any, error) {
		return msg.Data, nil
	}); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := coord.RequestTimeout(context.Background(), "svc.echo", i, time.Second); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConnectionEstablishment measures WebSocket connection throughput.
func BenchmarkConnectionEstablishment(b *testing.B) {
	bus := startTestBus(b)
	defer bus.Stop()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		conn := dialClient(b, bus.url(), fmt.Sprintf("bench-client-%d", i))
		conn.Close()
	}
}

// BenchmarkFanOut measures end-to-end delivery from one publisher to N WebSocket clients.
func BenchmarkFanOut(b *testing.B) {
	for _, count := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("%d_clients", count), func(b *testing.B) {
			bus := startTestBus(b)
			defer bus.Stop()

			var received atomic.Int64
			for i := 0; i < count; i++ {
				conn := dialClient(b, bus.url(), fmt.Sprintf("bench-client-%d", i))
				defer conn.Close()

				if err := conn.WriteJSON(map[string]any{"type": "subscribe", "ref": "s", "pattern": "bench.fanout"}); err != nil {
					b.Fatal(err)
				}
				var ack map[string]any
				if err := conn.ReadJSON(&ack); err != nil || ack["type"] != "ack" {
					b.Fatalf("Failed to subscribe: %v %v", err, ack)
				}

				go func(conn *gorilla.Conn) {
					var frame map[string]any
					for {
						if err := conn.ReadJSON(&frame); err != nil {
							return
						}
						received.Add(1)
					}
				}(conn)
			}

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := bus.hub.Submit(context.Background(), hub.Intent{
					Kind:    hub.KindPublish,
					Publish: broker.PublishRequest{Topic: "bench.fanout", Data: i},
				}); err != nil {
					b.Fatal(err)
				}
				// Client send buffers are bounded, so wait for each fan-out to land.
				want := int64(count * (i + 1))
				deadline := time.Now().Add(10 * time.Second)
				for received.Load() < want {
					if time.Now().After(deadline) {
						b.Fatalf("Received %d of %d messages", received.Load(), want)
					}
					runtime.Gosched()
				}
			}
		})
	}
}
