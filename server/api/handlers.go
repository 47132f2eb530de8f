// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/absmach/panbus/broker"
	"github.com/absmach/panbus/hub"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/topics"
	"github.com/absmach/panbus/tracebuf"
	"github.com/go-chi/chi/v5"
)

// Broker is the read side of the broker used by the API.
type Broker interface {
	ID() string
	Stats() *broker.Stats
	Closed() bool
	SubscriptionCount() int
	Retained(topic string) (storage.Message, bool)
	RetainedMatching(patterns ...string) []storage.Message
	RetainedUsage() (entries, bytes int)
	RemoveRetained(topic string) bool
	MaxMessageSize() int
	TraceBuffer() *tracebuf.Buffer
}

// Intake accepts publish intents.
type Intake interface {
	Submit(ctx context.Context, intent hub.Intent) (hub.Result, error)
	Attached() bool
	Pending() int
}

// Requester issues correlated requests.
type Requester interface {
	Request(ctx context.Context, topic string, data any) (any, error)
	RequestTimeout(ctx context.Context, topic string, data any, timeout time.Duration) (any, error)
}

// Handler implements the admin endpoints.
type Handler struct {
	broker    Broker
	intake    Intake
	requester Requester
}

// NewHandler creates the endpoint handlers. A nil requester disables /request.
func NewHandler(b Broker, intake Intake, requester Requester) *Handler {
	return &Handler{broker: b, intake: intake, requester: requester}
}

type statusResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Health is the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "healthy"})
}

// Ready reports whether the broker accepts traffic.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	switch {
	case h.broker.Closed():
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready", Details: "broker closed"})
	case !h.intake.Attached():
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready", Details: "hub not attached"})
	default:
		writeJSON(w, http.StatusOK, statusResponse{Status: "ready"})
	}
}

type statsResponse struct {
	BrokerID string `json:"broker_id"`
	broker.StatsSnapshot
	ActiveSubscriptions int     `json:"active_subscriptions"`
	RetainedEntries     int     `json:"retained_entries"`
	RetainedBytes       int     `json:"retained_bytes"`
	HubPending          int     `json:"hub_pending"`
	TraceEntries        int     `json:"trace_entries"`
	TraceSampleRate     float64 `json:"trace_sample_rate"`
}

// Stats returns counters and resource usage.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	entries, bytes := h.broker.RetainedUsage()
	resp := statsResponse{
		BrokerID:            h.broker.ID(),
		StatsSnapshot:       h.broker.Stats().Snapshot(),
		ActiveSubscriptions: h.broker.SubscriptionCount(),
		RetainedEntries:     entries,
		RetainedBytes:       bytes,
		HubPending:          h.intake.Pending(),
	}
	if tb := h.broker.TraceBuffer(); tb != nil {
		resp.TraceEntries = tb.Len()
		resp.TraceSampleRate = tb.SampleRate()
	}
	writeJSON(w, http.StatusOK, resp)
}

type publishRequest struct {
	Topic         string `json:"topic"`
	Data          any    `json:"data"`
	Retain        bool   `json:"retain"`
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
	ClientID      string `json:"client_id"`
}

// Publish submits a publish intent and returns its delivery report.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(w, r, &req, h.maxBody()); err != nil {
		writeDecodeErr(w, err)
		return
	}

	res, err := h.intake.Submit(r.Context(), hub.Intent{
		Kind: hub.KindPublish,
		Publish: broker.PublishRequest{
			Topic:         req.Topic,
			Data:          req.Data,
			Retain:        req.Retain,
			CorrelationID: req.CorrelationID,
			ReplyTo:       req.ReplyTo,
			ClientID:      req.ClientID,
		},
	})
	if err != nil {
		writeBrokerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Report)
}

type requestBody struct {
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	TimeoutMs *int64 `json:"timeout_ms"`
}

// Request issues a request and waits for its reply.
func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	if h.requester == nil {
		writeErr(w, http.StatusNotImplemented, "UNAVAILABLE", "request/reply is disabled")
		return
	}
	var req requestBody
	if err := decodeJSON(w, r, &req, h.maxBody()); err != nil {
		writeDecodeErr(w, err)
		return
	}

	var (
		reply any
		err   error
	)
	if req.TimeoutMs != nil {
		reply, err = h.requester.RequestTimeout(r.Context(), req.Topic, req.Data, time.Duration(*req.TimeoutMs)*time.Millisecond)
	} else {
		reply, err = h.requester.Request(r.Context(), req.Topic, req.Data)
	}
	if err != nil {
		writeBrokerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply})
}

// ListRetained returns retained messages matching the pattern query
// parameters, or every retained message when there are none.
func (h *Handler) ListRetained(w http.ResponseWriter, r *http.Request) {
	patterns := r.URL.Query()["pattern"]
	if len(patterns) == 0 {
		patterns = []string{topics.Wildcard}
	}
	for _, p := range patterns {
		if err := topics.ValidatePattern(p); err != nil {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}
	msgs := h.broker.RetainedMatching(patterns...)
	if msgs == nil {
		msgs = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetRetained returns the retained message of one topic.
func (h *Handler) GetRetained(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	msg, ok := h.broker.Retained(topic)
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no retained message for "+topic)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteRetained removes the retained message of one topic.
func (h *Handler) DeleteRetained(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !h.broker.RemoveRetained(topic) {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no retained message for "+topic)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Trace returns recorded messages, optionally filtered by pattern and by
// an RFC 3339 from/to window.
func (h *Handler) Trace(w http.ResponseWriter, r *http.Request) {
	tb, ok := h.trace(w)
	if !ok {
		return
	}
	entries, ok := query(w, r, tb)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ResetTrace clears the trace.
func (h *Handler) ResetTrace(w http.ResponseWriter, _ *http.Request) {
	tb, ok := h.trace(w)
	if !ok {
		return
	}
	tb.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// ExportTrace streams the trace as JSON lines, zstd-compressed when the
// client accepts it or asks with ?compress=zstd.
func (h *Handler) ExportTrace(w http.ResponseWriter, r *http.Request) {
	tb, ok := h.trace(w)
	if !ok {
		return
	}
	entries, ok := query(w, r, tb)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	if r.URL.Query().Get("compress") == "zstd" || strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
		w.Header().Set("Content-Encoding", "zstd")
		_ = tracebuf.ExportCompressed(w, entries)
		return
	}
	_ = tracebuf.Export(w, entries)
}

type sampleRateRequest struct {
	Rate float64 `json:"rate"`
}

// SetSampleRate changes the trace sample rate.
func (h *Handler) SetSampleRate(w http.ResponseWriter, r *http.Request) {
	tb, ok := h.trace(w)
	if !ok {
		return
	}
	var req sampleRateRequest
	if err := decodeJSON(w, r, &req, h.maxBody()); err != nil {
		writeDecodeErr(w, err)
		return
	}
	tb.SetSampleRate(req.Rate)
	writeJSON(w, http.StatusOK, sampleRateRequest{Rate: tb.SampleRate()})
}

func (h *Handler) maxBody() int64 {
	if n := h.broker.MaxMessageSize(); n > 0 {
		return int64(n) + bodyOverhead
	}
	return defaultMaxBody
}

func (h *Handler) trace(w http.ResponseWriter) (*tracebuf.Buffer, bool) {
	tb := h.broker.TraceBuffer()
	if tb == nil {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "trace is disabled")
		return nil, false
	}
	return tb, true
}

func query(w http.ResponseWriter, r *http.Request, tb *tracebuf.Buffer) ([]tracebuf.Entry, bool) {
	q := r.URL.Query()
	var from, to time.Time
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid "+p.name+" time")
			return nil, false
		}
		*p.dst = t
	}

	entries := tb.Range(from, to)
	if entries == nil {
		entries = []tracebuf.Entry{}
	}
	pattern := q.Get("pattern")
	if pattern == "" {
		return entries, true
	}
	if err := topics.ValidatePattern(pattern); err != nil {
		writeErr(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return nil, false
	}
	out := entries[:0]
	for _, e := range entries {
		if topics.Match(e.Message.Topic, pattern) {
			out = append(out, e)
		}
	}
	return out, true
}
